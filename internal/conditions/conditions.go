package conditions

import (
	"bastion/internal/config"
	"bastion/internal/domain"
	"bastion/internal/progress"
)

// Input carries everything the evaluator needs, read once after a turn
// commits. Evaluation itself touches no storage.
type Input struct {
	Session  domain.Session
	Progress domain.ProjectProgress
	Config   *config.Config
	Goals    []domain.FactionGoal
	Players  []domain.Player
	Totals   map[string]int
	Turn     int
}

// Evaluate checks end conditions in fixed priority order after a resolved
// turn. Victory is always checked before defeat, so a run that completes the
// project on its final turn still wins. Exactly one outcome applies.
func Evaluate(in Input) domain.Verdict {
	finalTurn := in.Turn >= in.Session.MaxTurns

	if projectDone(in) {
		return domain.Verdict{GameEnded: true, IsVictory: true, VictoryType: "project_completion", TriggerTurn: in.Turn}
	}
	if finalTurn && allGoalsCompleted(in) && survivable(in.Totals) {
		return domain.Verdict{GameEnded: true, IsVictory: true, VictoryType: "mini_goals", TriggerTurn: in.Turn}
	}
	if finalTurn {
		return domain.Verdict{GameEnded: true, DefeatReason: "timeout", TriggerTurn: in.Turn}
	}
	if in.Totals["food"] <= 0 {
		return domain.Verdict{GameEnded: true, DefeatReason: "famine", TriggerTurn: in.Turn}
	}
	if in.Totals["stability_tokens"] <= 0 {
		return domain.Verdict{GameEnded: true, DefeatReason: "instability", TriggerTurn: in.Turn}
	}
	// the pool starts empty, so destruction only triggers once the session
	// has had a turn to stock protection
	if in.Totals["protection_tokens"] <= 0 && in.Turn > 1 {
		return domain.Verdict{GameEnded: true, DefeatReason: "destruction", TriggerTurn: in.Turn}
	}
	return domain.Verdict{TriggerTurn: in.Turn}
}

func projectDone(in Input) bool {
	if in.Progress.IsCompleted {
		return true
	}
	if !in.Config.FinalStage(in.Progress.CurrentStage) {
		return false
	}
	req, ok := in.Config.StageRequirements(in.Progress.CurrentStage)
	return ok && progress.CanAdvance(in.Progress, req)
}

// allGoalsCompleted requires every non-gamemaster player to hold at least
// one goal and have completed all of them.
func allGoalsCompleted(in Input) bool {
	byPlayer := map[string][]domain.FactionGoal{}
	for _, g := range in.Goals {
		byPlayer[g.PlayerID] = append(byPlayer[g.PlayerID], g)
	}
	seen := false
	for _, p := range in.Players {
		if p.Role != "player" {
			continue
		}
		seen = true
		goals := byPlayer[p.ID]
		if len(goals) == 0 {
			return false
		}
		for _, g := range goals {
			if !g.IsCompleted {
				return false
			}
		}
	}
	return seen
}

func survivable(totals map[string]int) bool {
	return totals["food"] > 0 && totals["stability_tokens"] > 0 && totals["protection_tokens"] >= 0
}
