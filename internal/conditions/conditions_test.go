package conditions_test

import (
	"testing"

	"bastion/internal/conditions"
	"bastion/internal/config"
	"bastion/internal/domain"
)

func baseInput() conditions.Input {
	cfg := config.Default()
	return conditions.Input{
		Session:  domain.Session{ID: "s1", Status: "active", CurrentTurn: 3, MaxTurns: 12},
		Progress: domain.ProjectProgress{SessionID: "s1", ProjectID: cfg.Project.ID, CurrentStage: 1, Contributions: map[string]int{}},
		Config:   cfg,
		Players: []domain.Player{
			{ID: "p1", SessionID: "s1", Faction: "provisioner", Role: "player"},
		},
		Goals: []domain.FactionGoal{
			{SessionID: "s1", PlayerID: "p1", Faction: "provisioner", GoalType: "sustainability", TargetValue: 30},
		},
		Totals: map[string]int{
			"food":              10,
			"stability_tokens":  5,
			"protection_tokens": 3,
		},
		Turn: 2,
	}
}

func TestContinueWhenNothingTriggers(t *testing.T) {
	v := conditions.Evaluate(baseInput())
	if v.GameEnded {
		t.Fatalf("expected game to continue, got %+v", v)
	}
	if v.TriggerTurn != 2 {
		t.Fatalf("trigger turn = %d, want 2", v.TriggerTurn)
	}
}

func TestProjectCompletionVictory(t *testing.T) {
	in := baseInput()
	in.Progress.IsCompleted = true
	v := conditions.Evaluate(in)
	if !v.GameEnded || !v.IsVictory || v.VictoryType != "project_completion" {
		t.Fatalf("expected project victory, got %+v", v)
	}
}

func TestFinalStageAdvanceableCountsAsVictory(t *testing.T) {
	in := baseInput()
	in.Progress.CurrentStage = len(in.Config.Project.Stages)
	req, _ := in.Config.StageRequirements(in.Progress.CurrentStage)
	in.Progress.Contributions = map[string]int{}
	for res, amount := range req {
		in.Progress.Contributions[res] = amount
	}
	v := conditions.Evaluate(in)
	if !v.IsVictory || v.VictoryType != "project_completion" {
		t.Fatalf("expected final stage victory, got %+v", v)
	}
}

func TestVictoryBeatsTimeoutOnFinalTurn(t *testing.T) {
	in := baseInput()
	in.Turn = in.Session.MaxTurns
	in.Progress.IsCompleted = true
	v := conditions.Evaluate(in)
	if !v.IsVictory {
		t.Fatalf("expected victory on final turn, got %+v", v)
	}
}

func TestMiniGoalsVictoryOnFinalTurn(t *testing.T) {
	in := baseInput()
	in.Turn = in.Session.MaxTurns
	in.Goals[0].IsCompleted = true
	v := conditions.Evaluate(in)
	if !v.IsVictory || v.VictoryType != "mini_goals" {
		t.Fatalf("expected mini_goals victory, got %+v", v)
	}
}

func TestMiniGoalsVictoryHoldsAtZeroProtection(t *testing.T) {
	in := baseInput()
	in.Turn = in.Session.MaxTurns
	in.Goals[0].IsCompleted = true
	in.Totals = map[string]int{
		"food":              5,
		"stability_tokens":  3,
		"protection_tokens": 0,
	}
	v := conditions.Evaluate(in)
	if !v.GameEnded || !v.IsVictory || v.VictoryType != "mini_goals" {
		t.Fatalf("zero protection still survives, got %+v", v)
	}
}

func TestMiniGoalsRequireSurvivableTotals(t *testing.T) {
	in := baseInput()
	in.Turn = in.Session.MaxTurns
	in.Goals[0].IsCompleted = true
	in.Totals["stability_tokens"] = 0
	v := conditions.Evaluate(in)
	if v.IsVictory {
		t.Fatalf("expected defeat with zero stability, got %+v", v)
	}
	if v.DefeatReason != "timeout" {
		t.Fatalf("defeat reason = %q, want timeout", v.DefeatReason)
	}
}

func TestMiniGoalsRequireEveryPlayerDone(t *testing.T) {
	in := baseInput()
	in.Turn = in.Session.MaxTurns
	in.Goals[0].IsCompleted = true
	in.Players = append(in.Players, domain.Player{ID: "p2", SessionID: "s1", Faction: "guardian", Role: "player"})
	v := conditions.Evaluate(in)
	if v.IsVictory {
		t.Fatalf("p2 has no goals, expected timeout, got %+v", v)
	}
}

func TestGamemasterIgnoredForMiniGoals(t *testing.T) {
	in := baseInput()
	in.Turn = in.Session.MaxTurns
	in.Goals[0].IsCompleted = true
	in.Players = append(in.Players, domain.Player{ID: "gm", SessionID: "s1", Faction: "guardian", Role: "gamemaster"})
	v := conditions.Evaluate(in)
	if !v.IsVictory {
		t.Fatalf("gamemaster should not block mini_goals, got %+v", v)
	}
}

func TestTimeoutDefeat(t *testing.T) {
	in := baseInput()
	in.Turn = in.Session.MaxTurns
	v := conditions.Evaluate(in)
	if !v.GameEnded || v.IsVictory || v.DefeatReason != "timeout" {
		t.Fatalf("expected timeout, got %+v", v)
	}
}

func TestFamineDefeat(t *testing.T) {
	in := baseInput()
	in.Totals["food"] = 0
	v := conditions.Evaluate(in)
	if v.DefeatReason != "famine" {
		t.Fatalf("expected famine, got %+v", v)
	}
}

func TestInstabilityDefeat(t *testing.T) {
	in := baseInput()
	in.Totals["stability_tokens"] = -1
	v := conditions.Evaluate(in)
	if v.DefeatReason != "instability" {
		t.Fatalf("expected instability, got %+v", v)
	}
}

func TestDestructionNeedsASecondTurn(t *testing.T) {
	in := baseInput()
	in.Totals["protection_tokens"] = 0
	in.Turn = 1
	v := conditions.Evaluate(in)
	if v.GameEnded {
		t.Fatalf("turn 1 should not trigger destruction, got %+v", v)
	}
	in.Turn = 2
	v = conditions.Evaluate(in)
	if v.DefeatReason != "destruction" {
		t.Fatalf("expected destruction, got %+v", v)
	}
}

func TestFamineBeatsInstability(t *testing.T) {
	in := baseInput()
	in.Totals["food"] = 0
	in.Totals["stability_tokens"] = 0
	v := conditions.Evaluate(in)
	if v.DefeatReason != "famine" {
		t.Fatalf("expected famine first, got %+v", v)
	}
}
