package progress

import (
	"context"
	"database/sql"

	"bastion/internal/config"
	"bastion/internal/domain"
)

// TurnStats aggregates one player's resolved actions for a turn.
type TurnStats struct {
	TradeCount     int
	GatherTotal    int
	ResearchCount  int
	TokensProduced int
}

// TurnSummary is the per-turn input to goal tracking, built by the engine
// from the committed resolution result.
type TurnSummary struct {
	SessionID     string
	Turn          int
	ByPlayer      map[string]TurnStats
	FoodByFaction map[string]int
}

// ApplyTurn folds one resolved turn into every player's goals. Counting
// metrics accumulate; streak metrics re-evaluate the surplus each turn and
// reset to zero on a shortfall. Completion is sticky: a goal once completed
// keeps its completed turn even if the streak later breaks. Returns the
// updated goals and the subset newly completed this turn.
func (t Tracker) ApplyTurn(ctx context.Context, tx *sql.Tx, cfg *config.Config, goals []domain.FactionGoal, s TurnSummary) ([]domain.FactionGoal, []domain.FactionGoal, error) {
	var completed []domain.FactionGoal
	updated := make([]domain.FactionGoal, 0, len(goals))
	for _, g := range goals {
		stats := s.ByPlayer[g.PlayerID]
		switch metricFor(cfg, g) {
		case config.MetricTradeCount:
			g.Progress += stats.TradeCount
		case config.MetricGatherTotal:
			g.Progress += stats.GatherTotal
		case config.MetricResearchCount:
			g.Progress += stats.ResearchCount
		case config.MetricProtectTokens:
			g.Progress += stats.TokensProduced
		case config.MetricFoodStreak:
			if s.FoodByFaction[g.Faction] >= surplusFor(cfg, g) {
				g.Streak++
			} else {
				g.Streak = 0
			}
			g.Progress = g.Streak
		}
		if !g.IsCompleted && g.Progress >= g.TargetValue {
			g.IsCompleted = true
			turn := s.Turn
			g.CompletedTurn = &turn
			completed = append(completed, g)
		}
		if err := t.Repo.UpdateFactionGoal(ctx, tx, g); err != nil {
			return nil, nil, err
		}
		updated = append(updated, g)
	}
	return updated, completed, nil
}

func metricFor(cfg *config.Config, g domain.FactionGoal) string {
	for _, def := range cfg.Goals[g.Faction] {
		if def.Type == g.GoalType {
			return def.Metric
		}
	}
	return ""
}

func surplusFor(cfg *config.Config, g domain.FactionGoal) int {
	for _, def := range cfg.Goals[g.Faction] {
		if def.Type == g.GoalType {
			return def.Surplus
		}
	}
	return 0
}
