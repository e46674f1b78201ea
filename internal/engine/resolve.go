package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bastion/internal/conditions"
	"bastion/internal/config"
	"bastion/internal/domain"
	"bastion/internal/effects"
	"bastion/internal/events"
	"bastion/internal/ledger"
	"bastion/internal/progress"
)

type ResolveOptions struct {
	ValidateOnly        bool
	AllowPartialFailure bool
	Timeout             time.Duration
	AuditTrail          bool
	ActorID             string
}

// AbortError reports the action that stopped a strict (no partial failure)
// resolution. Nothing is committed when it is returned.
type AbortError struct {
	ActionID string
	Reasons  []string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("resolution aborted at action %s: %s", e.ActionID, strings.Join(e.Reasons, "; "))
}

type ResourceChange struct {
	FactionID string `json:"faction_id"`
	Resource  string `json:"resource"`
	Delta     int    `json:"delta"`
}

type ActionResult struct {
	ActionID string           `json:"action_id"`
	PlayerID string           `json:"player_id"`
	Faction  string           `json:"faction"`
	Type     string           `json:"type"`
	Phase    string           `json:"phase"`
	Success  bool             `json:"success"`
	Errors   []string         `json:"errors,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
	Changes  []ResourceChange `json:"changes,omitempty"`
}

type TurnResolutionResult struct {
	SessionID         string                    `json:"session_id"`
	Turn              int                       `json:"turn"`
	ValidateOnly      bool                      `json:"validate_only"`
	Committed         bool                      `json:"committed"`
	Actions           []ActionResult            `json:"actions"`
	Accepted          int                       `json:"accepted"`
	Rejected          int                       `json:"rejected"`
	Modifiers         effects.Summary           `json:"modifiers"`
	GlobalEffects     effects.Summary           `json:"global_effects"`
	GlobalAdjustments []ResourceChange          `json:"global_adjustments,omitempty"`
	Snapshot          map[string]map[string]int `json:"snapshot"`
	Audit             []domain.AuditEntry       `json:"audit,omitempty"`
	Verdict           *domain.Verdict           `json:"verdict,omitempty"`
	StartedAt         string                    `json:"started_at"`
	DurationMS        int64                     `json:"duration_ms"`
}

// resolution is the working state of one ResolveTurn call.
type resolution struct {
	res     TurnResolutionResult
	opts    ResolveOptions
	results []ActionResult
	gains   map[string]map[string]int
	stats   map[string]progress.TurnStats
	audit   []domain.AuditEntry
}

// ResolveTurn runs the full phase pipeline for the session's current turn
// inside a single transaction. Validate-only runs stage the same work and
// then roll it back, so they report exactly what a committed run would have
// done. With partial failure disabled, the first failing action aborts and
// rolls back the entire turn.
func (e Engine) ResolveTurn(ctx context.Context, sessionID string, turn int, opts ResolveOptions) (TurnResolutionResult, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return TurnResolutionResult{}, err
	}
	if s.Status != "active" {
		return TurnResolutionResult{}, ErrSessionCompleted
	}
	if turn == 0 {
		turn = s.CurrentTurn
	}
	if turn != s.CurrentTurn {
		return TurnResolutionResult{}, fmt.Errorf("%w: turn %d is not the active turn %d", ledger.ErrInvalidTurn, turn, s.CurrentTurn)
	}
	cfg, err := e.sessionConfig(ctx, sessionID)
	if err != nil {
		return TurnResolutionResult{}, err
	}

	key := sessionID + "/" + strconv.Itoa(turn)
	if !e.resolving.acquire(key) {
		return TurnResolutionResult{}, fmt.Errorf("%w: session %s turn %d", ErrConcurrentResolution, sessionID, turn)
	}
	defer e.resolving.release(key)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	started := e.now()
	r := &resolution{
		opts:  opts,
		gains: map[string]map[string]int{},
		stats: map[string]progress.TurnStats{},
	}
	r.res = TurnResolutionResult{
		SessionID:    sessionID,
		Turn:         turn,
		ValidateOnly: opts.ValidateOnly,
		StartedAt:    started.UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TurnResolutionResult{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.LockActions(ctx, tx, sessionID, turn, now); err != nil {
		return TurnResolutionResult{}, fmt.Errorf("lock actions: %w", err)
	}
	acts, err := e.Repo.ListActionsTx(ctx, tx, sessionID, turn, domain.ActionLocked)
	if err != nil {
		return TurnResolutionResult{}, err
	}
	if err := e.Repo.CarryForwardResources(ctx, tx, sessionID, turn); err != nil {
		return TurnResolutionResult{}, fmt.Errorf("carry forward: %w", err)
	}
	snapshot, err := e.Repo.SnapshotTx(ctx, tx, sessionID, turn)
	if err != nil {
		return TurnResolutionResult{}, err
	}
	factionCount := len(cfg.Factions)
	r.res.Modifiers = effects.Calculate(ledger.TotalsFromSnapshot(snapshot), factionCount)

	// validation phase
	r.results = make([]ActionResult, len(acts))
	datas := make([]domain.ActionData, len(acts))
	for i, a := range acts {
		v := validateAction(cfg, a, snapshot)
		r.results[i] = ActionResult{
			ActionID: a.ID,
			PlayerID: a.PlayerID,
			Faction:  a.Faction,
			Type:     a.Type,
			Phase:    "validation",
			Success:  v.Valid,
			Errors:   v.Errors,
			Warnings: v.Warnings,
		}
		datas[i] = v.Data
		if !v.Valid && !opts.AllowPartialFailure {
			return TurnResolutionResult{}, &AbortError{ActionID: a.ID, Reasons: v.Errors}
		}
	}

	run := func(phase string, types ...string) error {
		for i, a := range acts {
			if !r.results[i].Success || !contains(types, a.Type) {
				continue
			}
			if err := checkDeadline(ctx); err != nil {
				return err
			}
			r.results[i].Phase = phase
			if err := e.executeAction(ctx, tx, cfg, r, i, a, datas[i], phase); err != nil {
				return err
			}
		}
		return nil
	}
	if err := run("gather", domain.ActionGather); err != nil {
		return TurnResolutionResult{}, err
	}
	if err := run("exchange", domain.ActionTrade, domain.ActionConvert); err != nil {
		return TurnResolutionResult{}, err
	}
	if err := run("consumption", domain.ActionBuild, domain.ActionResearch, domain.ActionProtect); err != nil {
		return TurnResolutionResult{}, err
	}
	if err := run("special", domain.ActionSpecial); err != nil {
		return TurnResolutionResult{}, err
	}

	// global phase: recompute modifiers from post-consumption totals and
	// claw back part of this turn's gathers under a food shortage
	postSnapshot, err := e.Repo.SnapshotTx(ctx, tx, sessionID, turn)
	if err != nil {
		return TurnResolutionResult{}, err
	}
	r.res.GlobalEffects = effects.Calculate(ledger.TotalsFromSnapshot(postSnapshot), factionCount)
	if err := e.applyShortage(ctx, tx, sessionID, turn, r); err != nil {
		return TurnResolutionResult{}, err
	}

	// complete phase
	for i, a := range acts {
		status := domain.ActionResolved
		if !r.results[i].Success {
			status = domain.ActionFailed
			r.res.Rejected++
		} else {
			r.res.Accepted++
		}
		if err := e.Repo.SetActionOutcome(ctx, tx, a.ID, status, r.results[i].Errors, now); err != nil {
			return TurnResolutionResult{}, err
		}
	}
	final, err := e.Repo.SnapshotTx(ctx, tx, sessionID, turn)
	if err != nil {
		return TurnResolutionResult{}, err
	}
	r.res.Snapshot = final
	r.res.Actions = r.results
	if opts.AuditTrail {
		r.res.Audit = r.audit
	}
	r.res.DurationMS = time.Since(started).Milliseconds()

	if opts.ValidateOnly {
		return r.res, nil
	}

	if err := e.Repo.UpdateSessionTurn(ctx, tx, sessionID, turn+1); err != nil {
		return TurnResolutionResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "turn.resolved", sessionID, "turn", strconv.Itoa(turn), opts.ActorID, events.EventPayload{
		"turn": turn, "accepted": r.res.Accepted, "rejected": r.res.Rejected,
	}); err != nil {
		return TurnResolutionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TurnResolutionResult{}, err
	}
	r.res.Committed = true

	if err := e.afterCommit(ctx, cfg, r, sessionID, turn, opts.ActorID); err != nil {
		return r.res, err
	}
	return r.res, nil
}

// executeAction applies one accepted action's resource movements. Ledger
// rejections fail the action; anything else aborts the resolution.
func (e Engine) executeAction(ctx context.Context, tx *sql.Tx, cfg *config.Config, r *resolution, i int, a domain.Action, data domain.ActionData, phase string) error {
	fail := func(reasons ...string) error {
		r.results[i].Success = false
		r.results[i].Errors = append(r.results[i].Errors, reasons...)
		if !r.opts.AllowPartialFailure {
			return &AbortError{ActionID: a.ID, Reasons: reasons}
		}
		return nil
	}
	adjust := func(factionID, resource string, delta int, reason string) error {
		res, err := e.Ledger.Adjust(ctx, tx, ledger.AdjustParams{
			SessionID:    a.SessionID,
			FactionID:    factionID,
			ResourceType: resource,
			Turn:         a.Turn,
			Delta:        delta,
			Reason:       reason,
			Phase:        phase,
		})
		if err != nil {
			return err
		}
		r.results[i].Changes = append(r.results[i].Changes, ResourceChange{FactionID: factionID, Resource: resource, Delta: delta})
		r.audit = append(r.audit, res.Audit)
		return nil
	}
	stats := r.stats[a.PlayerID]

	switch a.Type {
	case domain.ActionGather:
		g := data.Gather
		amount := int(float64(g.BaseAmount) * (1 + r.res.Modifiers.InfrastructureBonus))
		if err := adjust(a.Faction, g.Resource, amount, "gather "+g.Resource); err != nil {
			return err
		}
		if r.gains[a.Faction] == nil {
			r.gains[a.Faction] = map[string]int{}
		}
		r.gains[a.Faction][g.Resource] += amount
		stats.GatherTotal += amount

	case domain.ActionTrade:
		t := data.Trade
		res, err := e.Ledger.Transfer(ctx, tx, ledger.TransferParams{
			SessionID:    a.SessionID,
			From:         a.Faction,
			To:           t.ToFaction,
			ResourceType: t.Resource,
			Amount:       t.Amount,
			Turn:         a.Turn,
			Reason:       "trade to " + t.ToFaction,
			Phase:        phase,
		})
		if err != nil {
			if !ledgerRejection(err) {
				return err
			}
			return fail(err.Error())
		}
		r.results[i].Changes = append(r.results[i].Changes,
			ResourceChange{FactionID: a.Faction, Resource: t.Resource, Delta: -t.Amount},
			ResourceChange{FactionID: t.ToFaction, Resource: t.Resource, Delta: t.Amount})
		r.audit = append(r.audit, res.Audits...)
		stats.TradeCount++

	case domain.ActionConvert:
		c := data.Convert
		out := int(float64(c.Amount) * c.Rate)
		if err := adjust(a.Faction, c.FromResource, -c.Amount, "convert "+c.FromResource+" to "+c.ToResource); err != nil {
			if !ledgerRejection(err) {
				return err
			}
			return fail(err.Error())
		}
		if err := adjust(a.Faction, c.ToResource, out, "convert "+c.FromResource+" to "+c.ToResource); err != nil {
			return err
		}

	case domain.ActionBuild:
		b := data.Build
		if err := e.spend(ctx, tx, r, i, a, b.Costs, "build "+b.Structure, phase, fail); err != nil || !r.results[i].Success {
			return err
		}
		for _, resource := range sortedKeys(b.Output) {
			if err := adjust(outputTarget(a.Faction, resource), resource, b.Output[resource], "build "+b.Structure); err != nil {
				return err
			}
		}

	case domain.ActionResearch:
		rd := data.Research
		if err := e.spend(ctx, tx, r, i, a, rd.Costs, "research "+rd.Topic, phase, fail); err != nil || !r.results[i].Success {
			return err
		}
		for _, resource := range sortedKeys(rd.Output) {
			if err := adjust(outputTarget(a.Faction, resource), resource, rd.Output[resource], "research "+rd.Topic); err != nil {
				return err
			}
		}
		stats.ResearchCount++

	case domain.ActionProtect:
		p := data.Protect
		if err := e.spend(ctx, tx, r, i, a, p.Costs, "protect", phase, fail); err != nil || !r.results[i].Success {
			return err
		}
		if err := adjust(domain.GlobalPool, "protection_tokens", p.Tokens, "protect"); err != nil {
			return err
		}
		stats.TokensProduced += p.Tokens

	case domain.ActionSpecial:
		sp := data.Special
		def := cfg.Abilities[sp.Ability]
		costs := sp.Costs
		if len(costs) == 0 {
			costs = def.Costs
		}
		if err := e.spend(ctx, tx, r, i, a, costs, "ability "+sp.Ability, phase, fail); err != nil || !r.results[i].Success {
			return err
		}
		for _, eff := range def.Effects {
			target := a.Faction
			if eff.Target == domain.GlobalPool {
				target = domain.GlobalPool
			}
			if err := adjust(target, eff.Resource, eff.Amount, "ability "+sp.Ability); err != nil {
				return err
			}
		}
	}

	r.stats[a.PlayerID] = stats
	return nil
}

// spend debits a cost map atomically: all balances are checked before the
// first debit so a failing action never spends part of its costs.
func (e Engine) spend(ctx context.Context, tx *sql.Tx, r *resolution, i int, a domain.Action, costs map[string]int, reason, phase string, fail func(...string) error) error {
	for _, resource := range sortedKeys(costs) {
		have, err := e.Repo.GetQuantityTx(ctx, tx, a.SessionID, a.Faction, resource, a.Turn)
		if err != nil {
			return err
		}
		if have < costs[resource] {
			return fail(fmt.Sprintf("insufficient %s: need %d, have %d", resource, costs[resource], have))
		}
	}
	for _, resource := range sortedKeys(costs) {
		res, err := e.Ledger.Adjust(ctx, tx, ledger.AdjustParams{
			SessionID:    a.SessionID,
			FactionID:    a.Faction,
			ResourceType: resource,
			Turn:         a.Turn,
			Delta:        -costs[resource],
			Reason:       reason,
			Phase:        phase,
		})
		if err != nil {
			return err
		}
		r.results[i].Changes = append(r.results[i].Changes, ResourceChange{FactionID: a.Faction, Resource: resource, Delta: -costs[resource]})
		r.audit = append(r.audit, res.Audit)
	}
	return nil
}

// applyShortage claws back a share of each faction's gather gains when the
// end-of-turn food total falls short, clamped so balances never go negative.
func (e Engine) applyShortage(ctx context.Context, tx *sql.Tx, sessionID string, turn int, r *resolution) error {
	penalty := r.res.GlobalEffects.FoodShortagePenalty
	if penalty <= 0 {
		return nil
	}
	factions := make([]string, 0, len(r.gains))
	for f := range r.gains {
		factions = append(factions, f)
	}
	sort.Strings(factions)
	for _, faction := range factions {
		for _, resource := range sortedKeys(r.gains[faction]) {
			debit := int(float64(r.gains[faction][resource]) * penalty)
			if debit <= 0 {
				continue
			}
			have, err := e.Repo.GetQuantityTx(ctx, tx, sessionID, faction, resource, turn)
			if err != nil {
				return err
			}
			if debit > have {
				debit = have
			}
			if debit == 0 {
				continue
			}
			res, err := e.Ledger.Adjust(ctx, tx, ledger.AdjustParams{
				SessionID:    sessionID,
				FactionID:    faction,
				ResourceType: resource,
				Turn:         turn,
				Delta:        -debit,
				Reason:       "food shortage penalty",
				Phase:        "global",
			})
			if err != nil {
				return err
			}
			r.res.GlobalAdjustments = append(r.res.GlobalAdjustments, ResourceChange{FactionID: faction, Resource: resource, Delta: -debit})
			r.audit = append(r.audit, res.Audit)
		}
	}
	return nil
}

// afterCommit folds the committed turn into goal progress, then evaluates
// end conditions and closes the session on a terminal verdict.
func (e Engine) afterCommit(ctx context.Context, cfg *config.Config, r *resolution, sessionID string, turn int, actorID string) error {
	goals, err := e.Repo.ListFactionGoals(ctx, sessionID, "")
	if err != nil {
		return err
	}
	summary := progress.TurnSummary{
		SessionID:     sessionID,
		Turn:          turn,
		ByPlayer:      r.stats,
		FoodByFaction: map[string]int{},
	}
	for faction, holdings := range r.res.Snapshot {
		summary.FoodByFaction[faction] = holdings["food"]
	}
	if len(goals) > 0 {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		_, completed, err := e.Tracker.ApplyTurn(ctx, tx, cfg, goals, summary)
		if err != nil {
			return err
		}
		for _, g := range completed {
			if err := e.Events.Append(ctx, tx, "goal.completed", sessionID, "goal", g.GoalType, actorID, events.EventPayload{
				"player_id": g.PlayerID, "faction": g.Faction, "turn": turn,
			}); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	in, err := e.conditionInput(ctx, s, turn)
	if err != nil {
		return err
	}
	v := conditions.Evaluate(in)
	r.res.Verdict = &v
	if !v.GameEnded {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteSession(ctx, tx, sessionID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "game.ended", sessionID, "session", sessionID, actorID, events.EventPayload{
		"is_victory": v.IsVictory, "victory_type": v.VictoryType, "defeat_reason": v.DefeatReason, "turn": v.TriggerTurn,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// outputTarget routes pooled token outputs to the global pool and everything
// else to the acting faction.
func outputTarget(faction, resource string) string {
	if domain.GlobalPoolResources[resource] {
		return domain.GlobalPool
	}
	return faction
}

func checkDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrResolutionTimeout, err)
		}
		return err
	}
	return nil
}

// ledgerRejection tells an action-level ledger refusal apart from storage
// failures, which abort the whole resolution.
func ledgerRejection(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientResource) ||
		errors.Is(err, ledger.ErrInvalidTransfer) ||
		errors.Is(err, ledger.ErrInvalidTransferTarget)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
