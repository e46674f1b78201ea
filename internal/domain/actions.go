package domain

import (
	"encoding/json"
	"fmt"
)

// Action types.
const (
	ActionGather   = "gather"
	ActionTrade    = "trade"
	ActionConvert  = "convert"
	ActionBuild    = "build"
	ActionResearch = "research"
	ActionProtect  = "protect"
	ActionSpecial  = "special"
)

// Action statuses.
const (
	ActionSubmitted = "submitted"
	ActionLocked    = "locked"
	ActionResolved  = "resolved"
	ActionFailed    = "failed"
)

// ActionData is the closed set of per-type payload shapes. Exactly one field
// is populated, matching the action's Type.
type ActionData struct {
	Gather   *GatherData   `json:"gather,omitempty"`
	Trade    *TradeData    `json:"trade,omitempty"`
	Convert  *ConvertData  `json:"convert,omitempty"`
	Build    *BuildData    `json:"build,omitempty"`
	Research *ResearchData `json:"research,omitempty"`
	Protect  *ProtectData  `json:"protect,omitempty"`
	Special  *SpecialData  `json:"special,omitempty"`
}

type GatherData struct {
	Resource   string `json:"resource"`
	BaseAmount int    `json:"base_amount"`
}

type TradeData struct {
	ToFaction string `json:"to_faction"`
	Resource  string `json:"resource"`
	Amount    int    `json:"amount"`
}

type ConvertData struct {
	FromResource string  `json:"from_resource"`
	ToResource   string  `json:"to_resource"`
	Amount       int     `json:"amount"`
	Rate         float64 `json:"rate"`
}

type BuildData struct {
	Structure string         `json:"structure"`
	Costs     map[string]int `json:"costs"`
	Output    map[string]int `json:"output,omitempty"`
}

type ResearchData struct {
	Topic  string         `json:"topic"`
	Costs  map[string]int `json:"costs"`
	Output map[string]int `json:"output,omitempty"`
}

type ProtectData struct {
	Costs  map[string]int `json:"costs"`
	Tokens int            `json:"tokens"`
}

type SpecialData struct {
	Ability string         `json:"ability"`
	Costs   map[string]int `json:"costs,omitempty"`
}

// DecodeActionData parses an action's raw payload into the typed variant for
// its declared type. Unknown fields and mismatched payloads are errors.
func DecodeActionData(actionType, raw string) (ActionData, error) {
	var d ActionData
	if raw == "" {
		return d, fmt.Errorf("action data required for type %s", actionType)
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, fmt.Errorf("invalid action data: %w", err)
	}
	present := 0
	for _, set := range []bool{
		d.Gather != nil, d.Trade != nil, d.Convert != nil, d.Build != nil,
		d.Research != nil, d.Protect != nil, d.Special != nil,
	} {
		if set {
			present++
		}
	}
	if present != 1 {
		return d, fmt.Errorf("action data must carry exactly one payload, got %d", present)
	}
	matches := false
	switch actionType {
	case ActionGather:
		matches = d.Gather != nil
	case ActionTrade:
		matches = d.Trade != nil
	case ActionConvert:
		matches = d.Convert != nil
	case ActionBuild:
		matches = d.Build != nil
	case ActionResearch:
		matches = d.Research != nil
	case ActionProtect:
		matches = d.Protect != nil
	case ActionSpecial:
		matches = d.Special != nil
	default:
		return d, fmt.Errorf("unknown action type %s", actionType)
	}
	if !matches {
		return d, fmt.Errorf("action data payload does not match type %s", actionType)
	}
	return d, nil
}

// Costs returns the resource cost map the payload implies. Read directly
// from the payload, never inferred.
func (d ActionData) CostMap() map[string]int {
	switch {
	case d.Convert != nil:
		return map[string]int{d.Convert.FromResource: d.Convert.Amount}
	case d.Trade != nil:
		return map[string]int{d.Trade.Resource: d.Trade.Amount}
	case d.Build != nil:
		return d.Build.Costs
	case d.Research != nil:
		return d.Research.Costs
	case d.Protect != nil:
		return d.Protect.Costs
	case d.Special != nil:
		return d.Special.Costs
	}
	return nil
}
