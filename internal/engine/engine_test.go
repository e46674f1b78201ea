package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bastion/internal/config"
	"bastion/internal/db"
	"bastion/internal/domain"
	"bastion/internal/engine"
	"bastion/internal/ledger"
	"bastion/internal/migrate"
	"bastion/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	fixed := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	eng.Ledger.Now = fixed
	eng.Tracker.Now = fixed
	eng.Events.Now = fixed
	ctx := context.Background()
	if _, err := eng.InitSession(ctx, "s1", "test", "tester"); err != nil {
		t.Fatalf("init session: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) join(t *testing.T, playerID, faction string) domain.Player {
	t.Helper()
	p, err := env.Engine.JoinSession(env.Ctx, engine.JoinOptions{
		SessionID: "s1", PlayerID: playerID, Name: playerID,
		Faction: faction, Role: "player", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("join %s: %v", playerID, err)
	}
	return p
}

func (env testEnv) submit(t *testing.T, playerID, actionType, data string) domain.Action {
	t.Helper()
	a, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitActionOptions{
		SessionID: "s1", PlayerID: playerID, Type: actionType, Data: data, ActorID: playerID,
	})
	if err != nil {
		t.Fatalf("submit %s for %s: %v", actionType, playerID, err)
	}
	return a
}

func (env testEnv) quantity(t *testing.T, faction, resource string, turn int) int {
	t.Helper()
	rows, err := env.Engine.Ledger.Query(env.Ctx, repo.ResourceFilters{
		SessionID: "s1", FactionID: faction, Type: resource, Turn: turn,
	})
	if err != nil {
		t.Fatalf("query %s/%s: %v", faction, resource, err)
	}
	if len(rows) == 0 {
		return 0
	}
	return rows[0].Quantity
}

func TestInitSessionSeedsPoolAndProject(t *testing.T) {
	env := newTestEnv(t)
	if got := env.quantity(t, domain.GlobalPool, "protection_tokens", 1); got != 3 {
		t.Fatalf("protection = %d, want 3", got)
	}
	if got := env.quantity(t, domain.GlobalPool, "stability_tokens", 1); got != 5 {
		t.Fatalf("stability = %d, want 5", got)
	}
	p, err := env.Engine.Repo.GetProjectProgress(env.Ctx, "s1", env.Engine.Config.Project.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.CurrentStage != 1 || p.IsCompleted {
		t.Fatalf("unexpected progress %+v", p)
	}
}

func TestJoinSeedsFactionResourcesAndGoals(t *testing.T) {
	env := newTestEnv(t)
	p := env.join(t, "p1", "provisioner")
	if p.Faction != "provisioner" {
		t.Fatalf("faction = %q", p.Faction)
	}
	if got := env.quantity(t, "provisioner", "food", 1); got != 10 {
		t.Fatalf("food = %d, want 10", got)
	}
	goals, err := env.Engine.Repo.ListFactionGoals(env.Ctx, "s1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(goals) != 2 {
		t.Fatalf("goals = %d, want 2", len(goals))
	}
	// second player of the same faction must not re-seed
	env.join(t, "p2", "provisioner")
	if got := env.quantity(t, "provisioner", "food", 1); got != 10 {
		t.Fatalf("food after second join = %d, want 10", got)
	}
	_, err = env.Engine.JoinSession(env.Ctx, engine.JoinOptions{
		SessionID: "s1", PlayerID: "p3", Faction: "dragons", Role: "player",
	})
	if err == nil {
		t.Fatalf("expected unknown faction error")
	}
}

func TestSubmitActionChecksTurnAndShape(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	_, err := env.Engine.SubmitAction(env.Ctx, engine.SubmitActionOptions{
		SessionID: "s1", PlayerID: "p1", Turn: 7, Type: "gather",
		Data: `{"gather":{"resource":"food","base_amount":3}}`,
	})
	if !errors.Is(err, ledger.ErrInvalidTurn) {
		t.Fatalf("err = %v, want ErrInvalidTurn", err)
	}
	_, err = env.Engine.SubmitAction(env.Ctx, engine.SubmitActionOptions{
		SessionID: "s1", PlayerID: "p1", Type: "gather",
		Data: `{"trade":{"to_faction":"guardian","resource":"food","amount":1}}`,
	})
	if err == nil {
		t.Fatalf("expected payload mismatch error")
	}
	a := env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
	if a.Status != domain.ActionSubmitted || a.Turn != 1 {
		t.Fatalf("unexpected action %+v", a)
	}
	got, err := env.Engine.Repo.GetAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != a.ID || got.PlayerID != "p1" || got.Type != "gather" {
		t.Fatalf("fetched action %+v, want %+v", got, a)
	}
}

func TestTurnReadiness(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	env.join(t, "p2", "guardian")
	r, err := env.Engine.CheckTurnReadiness(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Ready || r.Players != 2 || len(r.Waiting) != 2 {
		t.Fatalf("unexpected readiness %+v", r)
	}
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
	env.submit(t, "p1", "gather", `{"gather":{"resource":"timber","base_amount":2}}`)
	r, err = env.Engine.CheckTurnReadiness(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Ready || r.Submitted != 1 {
		t.Fatalf("two actions from one player should count once, got %+v", r)
	}
	if len(r.PlayersSubmitted) != 1 || r.PlayersSubmitted[0] != "p1" {
		t.Fatalf("players_submitted = %v, want [p1]", r.PlayersSubmitted)
	}
	env.submit(t, "p2", "gather", `{"gather":{"resource":"stone","base_amount":2}}`)
	r, err = env.Engine.CheckTurnReadiness(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Ready || r.Submitted != 2 || len(r.PlayersSubmitted) != 2 {
		t.Fatalf("unexpected readiness %+v", r)
	}
}

func TestResolveGatherCommitsAndAdvancesTurn(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
	res, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true, ActorID: "gm"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Committed || res.Accepted != 1 || res.Rejected != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Snapshot["provisioner"]["food"] != 13 {
		t.Fatalf("snapshot food = %d, want 13", res.Snapshot["provisioner"]["food"])
	}
	s, err := env.Engine.Repo.GetSession(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.CurrentTurn != 2 {
		t.Fatalf("turn = %d, want 2", s.CurrentTurn)
	}
	if got := env.quantity(t, "provisioner", "food", 1); got != 13 {
		t.Fatalf("food = %d, want 13", got)
	}
	acts, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilters{SessionID: "s1", Turn: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 || acts[0].Status != domain.ActionResolved {
		t.Fatalf("unexpected actions %+v", acts)
	}
	if res.Verdict == nil || res.Verdict.GameEnded {
		t.Fatalf("expected continue verdict, got %+v", res.Verdict)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	run := func() engine.TurnResolutionResult {
		env := newTestEnv(t)
		env.join(t, "p1", "provisioner")
		env.join(t, "p2", "guardian")
		env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
		env.submit(t, "p2", "trade", `{"trade":{"to_faction":"provisioner","resource":"stone","amount":2}}`)
		res, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true, AuditTrail: true})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		return res
	}
	a, b := run(), run()
	if len(a.Audit) == 0 || len(a.Audit) != len(b.Audit) {
		t.Fatalf("audit lengths differ: %d vs %d", len(a.Audit), len(b.Audit))
	}
	for i := range a.Audit {
		x, y := a.Audit[i], b.Audit[i]
		if x.FactionID != y.FactionID || x.Type != y.Type || x.Delta != y.Delta || x.QuantityAfter != y.QuantityAfter {
			t.Fatalf("audit diverges at %d: %+v vs %+v", i, x, y)
		}
	}
	for f, resources := range a.Snapshot {
		for r, q := range resources {
			if b.Snapshot[f][r] != q {
				t.Fatalf("snapshot diverges at %s/%s: %d vs %d", f, r, q, b.Snapshot[f][r])
			}
		}
	}
}

func TestValidateOnlyLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
	res, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{ValidateOnly: true, AllowPartialFailure: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Committed {
		t.Fatalf("validate-only run committed")
	}
	if res.Snapshot["provisioner"]["food"] != 13 {
		t.Fatalf("staged snapshot food = %d, want 13", res.Snapshot["provisioner"]["food"])
	}
	s, _ := env.Engine.Repo.GetSession(env.Ctx, "s1")
	if s.CurrentTurn != 1 {
		t.Fatalf("turn advanced to %d on validate-only", s.CurrentTurn)
	}
	if got := env.quantity(t, "provisioner", "food", 1); got != 10 {
		t.Fatalf("food = %d, want untouched 10", got)
	}
	acts, _ := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilters{SessionID: "s1", Turn: 1})
	if len(acts) != 1 || acts[0].Status != domain.ActionSubmitted {
		t.Fatalf("actions should stay submitted, got %+v", acts)
	}
	// the real run still works afterwards
	res, err = env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true})
	if err != nil || !res.Committed {
		t.Fatalf("second resolve: %v %+v", err, res)
	}
}

func TestStrictResolutionAbortsAndRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
	env.submit(t, "p1", "trade", `{"trade":{"to_faction":"nobody","resource":"food","amount":1}}`)
	_, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: false})
	var abort *engine.AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("err = %v, want AbortError", err)
	}
	if len(abort.Reasons) == 0 {
		t.Fatalf("abort carries no reasons")
	}
	s, _ := env.Engine.Repo.GetSession(env.Ctx, "s1")
	if s.CurrentTurn != 1 {
		t.Fatalf("turn = %d after abort, want 1", s.CurrentTurn)
	}
	if got := env.quantity(t, "provisioner", "food", 1); got != 10 {
		t.Fatalf("food = %d after abort, want 10", got)
	}
	acts, _ := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilters{SessionID: "s1", Turn: 1})
	for _, a := range acts {
		if a.Status != domain.ActionSubmitted {
			t.Fatalf("action %s status %q after rollback", a.ID, a.Status)
		}
	}
}

func TestPartialFailureResolvesTheRest(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
	env.submit(t, "p1", "trade", `{"trade":{"to_faction":"nobody","resource":"food","amount":1}}`)
	res, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Committed || res.Accepted != 1 || res.Rejected != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := env.quantity(t, "provisioner", "food", 1); got != 13 {
		t.Fatalf("food = %d, want 13", got)
	}
}

func TestGatherAppliesInfrastructureBonus(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	_, err := env.Engine.AdjustResource(env.Ctx, engine.AdjustOptions{
		SessionID: "s1", FactionID: domain.GlobalPool, ResourceType: "infrastructure_tokens",
		Delta: 5, Reason: "test setup", ActorID: "gm",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":7}}`)
	res, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true})
	if err != nil {
		t.Fatal(err)
	}
	// 5 tokens cap the bonus at 0.4, so 7 base gathers floor(7*1.4) = 9
	if res.Modifiers.InfrastructureBonus != 0.4 {
		t.Fatalf("bonus = %v, want 0.4", res.Modifiers.InfrastructureBonus)
	}
	if got := env.quantity(t, "provisioner", "food", 1); got != 19 {
		t.Fatalf("food = %d, want 19", got)
	}
}

func TestFoodShortageClawsBackGatherGains(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	_, err := env.Engine.AdjustResource(env.Ctx, engine.AdjustOptions{
		SessionID: "s1", FactionID: "provisioner", ResourceType: "food",
		Delta: -9, Reason: "test setup", ActorID: "gm",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.submit(t, "p1", "gather", `{"gather":{"resource":"timber","base_amount":20}}`)
	res, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true})
	if err != nil {
		t.Fatal(err)
	}
	// 1 food across 4 factions is 0.25 per head, a 0.2 penalty; the turn's
	// 20 timber gain loses floor(20*0.2) = 4
	if res.GlobalEffects.FoodShortagePenalty != 0.2 {
		t.Fatalf("penalty = %v, want 0.2", res.GlobalEffects.FoodShortagePenalty)
	}
	if got := env.quantity(t, "provisioner", "timber", 1); got != 18 {
		t.Fatalf("timber = %d, want 2+20-4=18", got)
	}
	if len(res.GlobalAdjustments) != 1 || res.GlobalAdjustments[0].Delta != -4 {
		t.Fatalf("unexpected global adjustments %+v", res.GlobalAdjustments)
	}
}

func TestTradeAndConvertResolve(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "guardian")
	env.join(t, "p2", "explorer")
	env.submit(t, "p1", "trade", `{"trade":{"to_faction":"explorer","resource":"stone","amount":3}}`)
	env.submit(t, "p2", "convert", `{"convert":{"from_resource":"timber","to_resource":"stone","amount":4,"rate":0.5}}`)
	res, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", res.Accepted)
	}
	if got := env.quantity(t, "guardian", "stone", 1); got != 5 {
		t.Fatalf("guardian stone = %d, want 5", got)
	}
	if got := env.quantity(t, "explorer", "timber", 1); got != 4 {
		t.Fatalf("explorer timber = %d, want 4", got)
	}
	// 3 traded in, 4*0.5 converted
	if got := env.quantity(t, "explorer", "stone", 1); got != 5 {
		t.Fatalf("explorer stone = %d, want 5", got)
	}
}

func TestProtectAndSpecialFeedTheGlobalPool(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "guardian")
	env.join(t, "p2", "mystic")
	env.submit(t, "p1", "protect", `{"protect":{"costs":{"stone":2},"tokens":3}}`)
	env.submit(t, "p2", "special", `{"special":{"ability":"scrying_ritual"}}`)
	res, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 2 {
		t.Fatalf("accepted = %d: %+v", res.Accepted, res.Actions)
	}
	if got := env.quantity(t, domain.GlobalPool, "protection_tokens", 1); got != 6 {
		t.Fatalf("protection = %d, want 3+3", got)
	}
	if got := env.quantity(t, domain.GlobalPool, "insight_tokens", 1); got != 2 {
		t.Fatalf("insight = %d, want 2", got)
	}
	// ability costs default from the catalog: 2 crystals
	if got := env.quantity(t, "mystic", "magic_crystals", 1); got != 4 {
		t.Fatalf("crystals = %d, want 4", got)
	}
	if got := env.quantity(t, "guardian", "stone", 1); got != 6 {
		t.Fatalf("stone = %d, want 8-2", got)
	}
}

func TestBuildOutputRoutesPooledResources(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "explorer")
	env.submit(t, "p1", "build", `{"build":{"structure":"watchtower","costs":{"timber":4},"output":{"protection_tokens":2,"stone":1}}}`)
	_, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := env.quantity(t, domain.GlobalPool, "protection_tokens", 1); got != 5 {
		t.Fatalf("protection = %d, want 3+2", got)
	}
	if got := env.quantity(t, "explorer", "stone", 1); got != 1 {
		t.Fatalf("stone = %d, want 1", got)
	}
	if got := env.quantity(t, "explorer", "timber", 1); got != 4 {
		t.Fatalf("timber = %d, want 8-4", got)
	}
}

func TestInsufficientCostsFailWithoutPartialSpend(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "explorer")
	env.submit(t, "p1", "build", `{"build":{"structure":"bridge","costs":{"timber":4,"stone":50}}}`)
	res, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rejected != 1 {
		t.Fatalf("expected rejection, got %+v", res.Actions)
	}
	// the affordable half must not have been debited
	if got := env.quantity(t, "explorer", "timber", 1); got != 8 {
		t.Fatalf("timber = %d, want 8", got)
	}
}

func TestResolveWrongTurnAndCompletedSession(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	_, err := env.Engine.ResolveTurn(env.Ctx, "s1", 5, engine.ResolveOptions{AllowPartialFailure: true})
	if !errors.Is(err, ledger.ErrInvalidTurn) {
		t.Fatalf("err = %v, want ErrInvalidTurn", err)
	}
	if err := func() error {
		tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := env.Engine.Repo.CompleteSession(env.Ctx, tx, "s1"); err != nil {
			return err
		}
		return tx.Commit()
	}(); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true})
	if !errors.Is(err, engine.ErrSessionCompleted) {
		t.Fatalf("err = %v, want ErrSessionCompleted", err)
	}
}

func TestCarryForwardAcrossTurns(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
	if _, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true}); err != nil {
		t.Fatal(err)
	}
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":2}}`)
	if _, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true}); err != nil {
		t.Fatal(err)
	}
	if got := env.quantity(t, "provisioner", "food", 1); got != 13 {
		t.Fatalf("turn 1 food = %d, want history preserved at 13", got)
	}
	if got := env.quantity(t, "provisioner", "food", 2); got != 15 {
		t.Fatalf("turn 2 food = %d, want 15", got)
	}
}

func TestGoalsTrackResolvedTurns(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "explorer")
	env.join(t, "p2", "guardian")
	for turn := 0; turn < 3; turn++ {
		env.submit(t, "p1", "trade", `{"trade":{"to_faction":"guardian","resource":"timber","amount":1}}`)
		env.submit(t, "p2", "gather", `{"gather":{"resource":"stone","base_amount":1}}`)
		if _, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true}); err != nil {
			t.Fatalf("turn %d: %v", turn+1, err)
		}
	}
	goals, err := env.Engine.Repo.ListFactionGoals(env.Ctx, "s1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(goals) != 1 || goals[0].GoalType != "trade_network" {
		t.Fatalf("unexpected goals %+v", goals)
	}
	if goals[0].Progress != 3 {
		t.Fatalf("trade progress = %d, want 3", goals[0].Progress)
	}
}

func TestContributeAdvanceAndProjectVictory(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "explorer")
	for stage := 1; stage <= len(env.Engine.Config.Project.Stages); stage++ {
		req, _ := env.Engine.Config.StageRequirements(stage)
		for res, amount := range req {
			_, err := env.Engine.AdjustResource(env.Ctx, engine.AdjustOptions{
				SessionID: "s1", FactionID: "explorer", ResourceType: res,
				Delta: amount, Reason: "test setup", ActorID: "gm",
			})
			if err != nil {
				t.Fatal(err)
			}
			_, err = env.Engine.ContributeToProject(env.Ctx, engine.ContributeOptions{
				SessionID: "s1", PlayerID: "p1", Resource: res, Amount: amount, ActorID: "p1",
			})
			if err != nil {
				t.Fatalf("contribute %s: %v", res, err)
			}
		}
		if _, err := env.Engine.AdvanceProjectStage(env.Ctx, "s1", "gm"); err != nil {
			t.Fatalf("advance stage %d: %v", stage, err)
		}
	}
	v, err := env.Engine.EvaluateConditions(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.GameEnded || !v.IsVictory || v.VictoryType != "project_completion" {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestContributionDebitsTheLedger(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "explorer")
	_, err := env.Engine.ContributeToProject(env.Ctx, engine.ContributeOptions{
		SessionID: "s1", PlayerID: "p1", Resource: "timber", Amount: 5, ActorID: "p1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := env.quantity(t, "explorer", "timber", 1); got != 3 {
		t.Fatalf("timber = %d, want 8-5", got)
	}
	_, err = env.Engine.ContributeToProject(env.Ctx, engine.ContributeOptions{
		SessionID: "s1", PlayerID: "p1", Resource: "timber", Amount: 50, ActorID: "p1",
	})
	if !errors.Is(err, ledger.ErrInsufficientResource) {
		t.Fatalf("err = %v, want ErrInsufficientResource", err)
	}
	p, err := env.Engine.Repo.GetProjectProgress(env.Ctx, "s1", env.Engine.Config.Project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Contributions["timber"] != 5 {
		t.Fatalf("contributions = %+v, failed contribute must not count", p.Contributions)
	}
}

func TestResolveAppendsEvents(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
	if _, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{AllowPartialFailure: true}); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE session_id='s1'`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	seen := map[string]bool{}
	for rows.Next() {
		var typ string
		rows.Scan(&typ)
		seen[typ] = true
	}
	for _, want := range []string{"session.init", "player.joined", "action.submitted", "turn.resolved"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestResolveTimeoutReturnsError(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "p1", "provisioner")
	env.submit(t, "p1", "gather", `{"gather":{"resource":"food","base_amount":3}}`)
	_, err := env.Engine.ResolveTurn(env.Ctx, "s1", 0, engine.ResolveOptions{
		AllowPartialFailure: true, Timeout: time.Nanosecond,
	})
	if err == nil {
		t.Fatalf("expected timeout failure")
	}
	s, _ := env.Engine.Repo.GetSession(env.Ctx, "s1")
	if s.CurrentTurn != 1 {
		t.Fatalf("turn advanced despite timeout")
	}
}
