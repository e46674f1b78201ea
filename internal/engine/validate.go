package engine

import (
	"fmt"
	"sort"

	"bastion/internal/config"
	"bastion/internal/domain"
)

// ValidationResult is one action's verdict from the validation phase.
// Errors reject the action; warnings ride along on an accepted one.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []string          `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Data     domain.ActionData `json:"-"`
}

// validateAction checks an action's payload and affordability against the
// turn-start snapshot. Execution re-checks balances at spend time, so a pass
// here is necessary but not sufficient.
func validateAction(cfg *config.Config, a domain.Action, snapshot map[string]map[string]int) ValidationResult {
	res := ValidationResult{}
	data, err := domain.DecodeActionData(a.Type, a.DataJSON)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	res.Data = data

	switch a.Type {
	case domain.ActionGather:
		g := data.Gather
		if g.Resource == "" {
			res.Errors = append(res.Errors, "gather requires a resource")
		}
		if g.BaseAmount <= 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("gather base_amount must be positive, got %d", g.BaseAmount))
		}
		if def, ok := cfg.Factions[a.Faction]; ok && !produces(def, g.Resource) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("faction %s does not normally produce %s", a.Faction, g.Resource))
		}
	case domain.ActionTrade:
		t := data.Trade
		if t.Amount <= 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("trade amount must be positive, got %d", t.Amount))
		}
		if t.ToFaction == a.Faction {
			res.Errors = append(res.Errors, "trade cannot target own faction")
		}
		switch {
		case t.ToFaction == domain.GlobalPool:
			if !domain.GlobalPoolResources[t.Resource] {
				res.Errors = append(res.Errors, fmt.Sprintf("%s is not a pooled resource", t.Resource))
			}
		default:
			if _, ok := cfg.Factions[t.ToFaction]; !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("unknown trade target %s", t.ToFaction))
			}
		}
	case domain.ActionConvert:
		c := data.Convert
		if c.Amount <= 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("convert amount must be positive, got %d", c.Amount))
		}
		if c.Rate <= 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("convert rate must be positive, got %g", c.Rate))
		}
		if c.FromResource == c.ToResource {
			res.Errors = append(res.Errors, "convert source and target must differ")
		}
	case domain.ActionBuild:
		if data.Build.Structure == "" {
			res.Errors = append(res.Errors, "build requires a structure")
		}
		res.Errors = append(res.Errors, checkCosts(data.Build.Costs)...)
	case domain.ActionResearch:
		if data.Research.Topic == "" {
			res.Errors = append(res.Errors, "research requires a topic")
		}
		res.Errors = append(res.Errors, checkCosts(data.Research.Costs)...)
	case domain.ActionProtect:
		if data.Protect.Tokens <= 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("protect tokens must be positive, got %d", data.Protect.Tokens))
		}
		res.Errors = append(res.Errors, checkCosts(data.Protect.Costs)...)
	case domain.ActionSpecial:
		if _, ok := cfg.Abilities[data.Special.Ability]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("unknown ability %s", data.Special.Ability))
		}
		res.Errors = append(res.Errors, checkCosts(data.Special.Costs)...)
	}

	for _, resource := range sortedKeys(effectiveCosts(cfg, data)) {
		need := effectiveCosts(cfg, data)[resource]
		have := snapshot[a.Faction][resource]
		if have < need {
			res.Errors = append(res.Errors, fmt.Sprintf("insufficient %s: need %d, have %d", resource, need, have))
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func checkCosts(costs map[string]int) []string {
	var errs []string
	for _, resource := range sortedKeys(costs) {
		if costs[resource] <= 0 {
			errs = append(errs, fmt.Sprintf("cost for %s must be positive, got %d", resource, costs[resource]))
		}
	}
	return errs
}

// effectiveCosts is the payload's cost map, with an ability's catalog costs
// as the fallback when a special action names none.
func effectiveCosts(cfg *config.Config, data domain.ActionData) map[string]int {
	costs := data.CostMap()
	if data.Special != nil && len(costs) == 0 {
		if def, ok := cfg.Abilities[data.Special.Ability]; ok {
			costs = def.Costs
		}
	}
	return costs
}

func produces(def config.FactionDef, resource string) bool {
	for _, r := range def.Produces {
		if r == resource {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
