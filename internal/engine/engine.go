package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"database/sql"

	"github.com/google/uuid"

	"bastion/internal/conditions"
	"bastion/internal/config"
	"bastion/internal/domain"
	"bastion/internal/events"
	"bastion/internal/ledger"
	"bastion/internal/progress"
	"bastion/internal/repo"
)

var (
	ErrConcurrentResolution = errors.New("turn resolution already in progress")
	ErrResolutionTimeout    = errors.New("turn resolution timed out")
	ErrSessionCompleted     = errors.New("session already completed")
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ledger  ledger.Ledger
	Events  events.Writer
	Tracker progress.Tracker
	Config  *config.Config
	Now     func() time.Time

	resolving *inflight
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Ledger:    ledger.New(r),
		Events:    events.Writer{DB: db},
		Tracker:   progress.New(r),
		Config:    cfg,
		Now:       time.Now,
		resolving: &inflight{keys: map[string]bool{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// inflight guards against two resolutions of the same session/turn running
// at once. Keys are held for the duration of a ResolveTurn call.
type inflight struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *inflight) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[key] {
		return false
	}
	g.keys[key] = true
	return true
}

func (g *inflight) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
}

// sessionConfig returns the catalog pinned to the session, falling back to
// the process-wide config for sessions created before pinning existed.
func (e Engine) sessionConfig(ctx context.Context, sessionID string) (*config.Config, error) {
	cfg, err := e.Repo.GetSessionConfig(ctx, sessionID)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, repo.ErrNotFound) && e.Config != nil {
		return e.Config, nil
	}
	return nil, err
}

// InitSession creates a session, pins the active catalog to it, opens the
// shared project at stage 1 and seeds the global pool's starting balances
// on turn 1.
func (e Engine) InitSession(ctx context.Context, sessionID, name, actorID string) (domain.Session, error) {
	if e.Config == nil {
		return domain.Session{}, errors.New("config not loaded")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if name == "" {
		name = sessionID
	}
	s := domain.Session{
		ID:          sessionID,
		Name:        name,
		Status:      "active",
		CurrentTurn: 1,
		MaxTurns:    e.Config.Session.MaxTurns,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Repo.UpsertSessionConfigTx(ctx, tx, s.ID, e.Config); err != nil {
		return domain.Session{}, fmt.Errorf("pin session config: %w", err)
	}
	if err := e.Repo.InsertProjectProgress(ctx, tx, domain.ProjectProgress{
		SessionID:     s.ID,
		ProjectID:     e.Config.Project.ID,
		CurrentStage:  1,
		Contributions: map[string]int{},
	}); err != nil {
		return domain.Session{}, fmt.Errorf("insert project progress: %w", err)
	}
	if err := e.seedResources(ctx, tx, s.ID, domain.GlobalPool, e.Config.Starting.GlobalPool, 1); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.init", s.ID, "session", s.ID, actorID, events.EventPayload{
		"name": s.Name, "max_turns": s.MaxTurns,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// seedResources credits starting balances in resource-name order so audit
// ids come out the same on every run.
func (e Engine) seedResources(ctx context.Context, tx *sql.Tx, sessionID, factionID string, amounts map[string]int, turn int) error {
	types := make([]string, 0, len(amounts))
	for t := range amounts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if amounts[t] == 0 {
			continue
		}
		if _, err := e.Ledger.Adjust(ctx, tx, ledger.AdjustParams{
			SessionID:    sessionID,
			FactionID:    factionID,
			ResourceType: t,
			Turn:         turn,
			Delta:        amounts[t],
			Reason:       "starting allocation",
		}); err != nil {
			return fmt.Errorf("seed %s/%s: %w", factionID, t, err)
		}
	}
	return nil
}

type JoinOptions struct {
	SessionID string
	PlayerID  string
	Name      string
	Faction   string
	Role      string
	ActorID   string
}

// JoinSession registers a player. The first player of a faction seeds that
// faction's starting balances at the session's current turn; every joining
// player gets their faction's goal set.
func (e Engine) JoinSession(ctx context.Context, opts JoinOptions) (domain.Player, error) {
	s, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return domain.Player{}, err
	}
	if s.Status != "active" {
		return domain.Player{}, ErrSessionCompleted
	}
	cfg, err := e.sessionConfig(ctx, opts.SessionID)
	if err != nil {
		return domain.Player{}, err
	}
	if opts.Role == "" {
		opts.Role = "player"
	}
	if opts.Role != "player" && opts.Role != "gamemaster" {
		return domain.Player{}, fmt.Errorf("unknown role %s", opts.Role)
	}
	if _, ok := cfg.Factions[opts.Faction]; !ok {
		return domain.Player{}, fmt.Errorf("unknown faction %s", opts.Faction)
	}
	if opts.Name == "" {
		return domain.Player{}, errors.New("player name is required")
	}
	existing, err := e.Repo.ListPlayers(ctx, opts.SessionID)
	if err != nil {
		return domain.Player{}, err
	}
	factionSeeded := false
	for _, p := range existing {
		if p.Faction == opts.Faction {
			factionSeeded = true
			break
		}
	}
	id := opts.PlayerID
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Player{
		ID:        id,
		SessionID: opts.SessionID,
		Name:      opts.Name,
		Faction:   opts.Faction,
		Role:      opts.Role,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Player{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPlayer(ctx, tx, p); err != nil {
		return domain.Player{}, fmt.Errorf("insert player: %w", err)
	}
	if !factionSeeded {
		if err := e.seedResources(ctx, tx, opts.SessionID, opts.Faction, cfg.Starting.Factions[opts.Faction], s.CurrentTurn); err != nil {
			return domain.Player{}, err
		}
	}
	if opts.Role == "player" {
		for _, def := range cfg.Goals[opts.Faction] {
			if err := e.Repo.InsertFactionGoal(ctx, tx, domain.FactionGoal{
				SessionID:   opts.SessionID,
				PlayerID:    p.ID,
				Faction:     opts.Faction,
				GoalType:    def.Type,
				TargetValue: def.Target,
			}); err != nil {
				return domain.Player{}, fmt.Errorf("seed goal %s: %w", def.Type, err)
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "player.joined", opts.SessionID, "player", p.ID, opts.ActorID, events.EventPayload{
		"name": p.Name, "faction": p.Faction, "role": p.Role,
	}); err != nil {
		return domain.Player{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Player{}, err
	}
	return p, nil
}

type SubmitActionOptions struct {
	ID        string
	SessionID string
	PlayerID  string
	Turn      int
	Type      string
	Data      string
	ActorID   string
}

// SubmitAction records an action for the session's current turn. Payload
// shape is checked at submission; resource checks wait for resolution.
func (e Engine) SubmitAction(ctx context.Context, opts SubmitActionOptions) (domain.Action, error) {
	s, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return domain.Action{}, err
	}
	if s.Status != "active" {
		return domain.Action{}, ErrSessionCompleted
	}
	if opts.Turn == 0 {
		opts.Turn = s.CurrentTurn
	}
	if opts.Turn != s.CurrentTurn {
		return domain.Action{}, fmt.Errorf("%w: turn %d is not the active turn %d", ledger.ErrInvalidTurn, opts.Turn, s.CurrentTurn)
	}
	p, err := e.Repo.GetPlayer(ctx, opts.PlayerID)
	if err != nil {
		return domain.Action{}, err
	}
	if p.SessionID != opts.SessionID {
		return domain.Action{}, fmt.Errorf("player %s not in session %s", opts.PlayerID, opts.SessionID)
	}
	if _, err := domain.DecodeActionData(opts.Type, opts.Data); err != nil {
		return domain.Action{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Action{
		ID:        id,
		SessionID: opts.SessionID,
		PlayerID:  opts.PlayerID,
		Faction:   p.Faction,
		Turn:      opts.Turn,
		Type:      opts.Type,
		DataJSON:  opts.Data,
		Status:    domain.ActionSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
		return domain.Action{}, fmt.Errorf("insert action: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "action.submitted", a.SessionID, "action", a.ID, opts.ActorID, events.EventPayload{
		"player_id": a.PlayerID, "turn": a.Turn, "type": a.Type,
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// Readiness reports which players still owe an action for the current turn.
type Readiness struct {
	SessionID        string   `json:"session_id"`
	Turn             int      `json:"turn"`
	Players          int      `json:"players"`
	Submitted        int      `json:"submitted"`
	PlayersSubmitted []string `json:"players_submitted,omitempty"`
	Waiting          []string `json:"waiting,omitempty"`
	Ready            bool     `json:"ready"`
}

func (e Engine) CheckTurnReadiness(ctx context.Context, sessionID string) (Readiness, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return Readiness{}, err
	}
	players, err := e.Repo.ListPlayers(ctx, sessionID)
	if err != nil {
		return Readiness{}, err
	}
	acts, err := e.Repo.ListActions(ctx, repo.ActionFilters{SessionID: sessionID, Turn: s.CurrentTurn, Status: domain.ActionSubmitted})
	if err != nil {
		return Readiness{}, err
	}
	submittedBy := map[string]bool{}
	for _, a := range acts {
		submittedBy[a.PlayerID] = true
	}
	r := Readiness{SessionID: sessionID, Turn: s.CurrentTurn}
	for _, p := range players {
		if p.Role != "player" {
			continue
		}
		r.Players++
		if submittedBy[p.ID] {
			r.PlayersSubmitted = append(r.PlayersSubmitted, p.ID)
		} else {
			r.Waiting = append(r.Waiting, p.ID)
		}
	}
	r.Submitted = len(r.PlayersSubmitted)
	r.Ready = r.Players > 0 && len(r.Waiting) == 0
	return r, nil
}

type AdjustOptions struct {
	SessionID     string
	FactionID     string
	ResourceType  string
	Turn          int
	Delta         int
	Reason        string
	AllowNegative bool
	ActorID       string
}

// AdjustResource is the gamemaster's direct ledger write, with its own
// transaction and audit trail.
func (e Engine) AdjustResource(ctx context.Context, opts AdjustOptions) (ledger.AdjustResult, error) {
	s, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return ledger.AdjustResult{}, err
	}
	if opts.Turn == 0 {
		opts.Turn = s.CurrentTurn
	}
	if opts.Reason == "" {
		opts.Reason = "manual adjustment"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.AdjustResult{}, err
	}
	defer tx.Rollback()

	res, err := e.Ledger.Adjust(ctx, tx, ledger.AdjustParams{
		SessionID:     opts.SessionID,
		FactionID:     opts.FactionID,
		ResourceType:  opts.ResourceType,
		Turn:          opts.Turn,
		Delta:         opts.Delta,
		Reason:        opts.Reason,
		AllowNegative: opts.AllowNegative,
	})
	if err != nil {
		return ledger.AdjustResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "resource.adjusted", opts.SessionID, "resource", opts.FactionID+"/"+opts.ResourceType, opts.ActorID, events.EventPayload{
		"turn": opts.Turn, "delta": opts.Delta, "quantity_after": res.NewQuantity, "reason": opts.Reason,
	}); err != nil {
		return ledger.AdjustResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.AdjustResult{}, err
	}
	return res, nil
}

type TransferOptions struct {
	SessionID    string
	From         string
	To           string
	ResourceType string
	Amount       int
	Turn         int
	Reason       string
	ActorID      string
}

func (e Engine) TransferResource(ctx context.Context, opts TransferOptions) (ledger.TransferResult, error) {
	s, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	if opts.Turn == 0 {
		opts.Turn = s.CurrentTurn
	}
	if opts.Reason == "" {
		opts.Reason = "manual transfer"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	defer tx.Rollback()

	res, err := e.Ledger.Transfer(ctx, tx, ledger.TransferParams{
		SessionID:    opts.SessionID,
		From:         opts.From,
		To:           opts.To,
		ResourceType: opts.ResourceType,
		Amount:       opts.Amount,
		Turn:         opts.Turn,
		Reason:       opts.Reason,
	})
	if err != nil {
		return ledger.TransferResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "resource.transferred", opts.SessionID, "resource", opts.ResourceType, opts.ActorID, events.EventPayload{
		"from": opts.From, "to": opts.To, "turn": opts.Turn, "amount": opts.Amount, "reason": opts.Reason,
	}); err != nil {
		return ledger.TransferResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.TransferResult{}, err
	}
	return res, nil
}

type ContributeOptions struct {
	SessionID string
	PlayerID  string
	Resource  string
	Amount    int
	ActorID   string
}

// ContributeToProject spends a faction's resources into the shared project's
// active stage. Debit and contribution land atomically.
func (e Engine) ContributeToProject(ctx context.Context, opts ContributeOptions) (domain.ProjectProgress, error) {
	s, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	if s.Status != "active" {
		return domain.ProjectProgress{}, ErrSessionCompleted
	}
	p, err := e.Repo.GetPlayer(ctx, opts.PlayerID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	if p.SessionID != opts.SessionID {
		return domain.ProjectProgress{}, fmt.Errorf("player %s not in session %s", opts.PlayerID, opts.SessionID)
	}
	cfg, err := e.sessionConfig(ctx, opts.SessionID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	defer tx.Rollback()

	if _, err := e.Ledger.Adjust(ctx, tx, ledger.AdjustParams{
		SessionID:    opts.SessionID,
		FactionID:    p.Faction,
		ResourceType: opts.Resource,
		Turn:         s.CurrentTurn,
		Delta:        -opts.Amount,
		Reason:       "project contribution",
	}); err != nil {
		return domain.ProjectProgress{}, err
	}
	pr, err := e.Tracker.Contribute(ctx, tx, cfg, opts.SessionID, opts.Resource, opts.Amount)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.contributed", opts.SessionID, "project", pr.ProjectID, opts.ActorID, events.EventPayload{
		"player_id": opts.PlayerID, "resource": opts.Resource, "amount": opts.Amount, "stage": pr.CurrentStage,
	}); err != nil {
		return domain.ProjectProgress{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectProgress{}, err
	}
	return pr, nil
}

// AdvanceProjectStage closes the active stage when its requirements are met.
func (e Engine) AdvanceProjectStage(ctx context.Context, sessionID, actorID string) (domain.ProjectProgress, error) {
	cfg, err := e.sessionConfig(ctx, sessionID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	defer tx.Rollback()

	pr, err := e.Tracker.AdvanceStage(ctx, tx, cfg, sessionID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	evtType := "project.advanced"
	if pr.IsCompleted {
		evtType = "project.completed"
	}
	if err := e.Events.Append(ctx, tx, evtType, sessionID, "project", pr.ProjectID, actorID, events.EventPayload{
		"stage": pr.CurrentStage, "is_completed": pr.IsCompleted,
	}); err != nil {
		return domain.ProjectProgress{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectProgress{}, err
	}
	return pr, nil
}

// EvaluateConditions runs the end-condition check against the latest
// committed state without resolving anything.
func (e Engine) EvaluateConditions(ctx context.Context, sessionID string) (domain.Verdict, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Verdict{}, err
	}
	resolvedTurn := s.CurrentTurn - 1
	if resolvedTurn < 0 {
		resolvedTurn = 0
	}
	in, err := e.conditionInput(ctx, s, resolvedTurn)
	if err != nil {
		return domain.Verdict{}, err
	}
	return conditions.Evaluate(in), nil
}

// conditionInput gathers the evaluator's inputs. Totals come from the most
// recent turn that has ledger rows, since a freshly advanced turn has none
// until its resolution carries balances forward.
func (e Engine) conditionInput(ctx context.Context, s domain.Session, turn int) (conditions.Input, error) {
	cfg, err := e.sessionConfig(ctx, s.ID)
	if err != nil {
		return conditions.Input{}, err
	}
	pr, err := e.Repo.GetProjectProgress(ctx, s.ID, cfg.Project.ID)
	if err != nil {
		return conditions.Input{}, err
	}
	goals, err := e.Repo.ListFactionGoals(ctx, s.ID, "")
	if err != nil {
		return conditions.Input{}, err
	}
	players, err := e.Repo.ListPlayers(ctx, s.ID)
	if err != nil {
		return conditions.Input{}, err
	}
	var latest int
	if err := e.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(turn),0) FROM resources WHERE session_id=?`, s.ID).Scan(&latest); err != nil {
		return conditions.Input{}, err
	}
	totals, err := e.Ledger.GlobalTotals(ctx, s.ID, latest)
	if err != nil {
		return conditions.Input{}, err
	}
	return conditions.Input{
		Session:  s,
		Progress: pr,
		Config:   cfg,
		Goals:    goals,
		Players:  players,
		Totals:   totals,
		Turn:     turn,
	}, nil
}
