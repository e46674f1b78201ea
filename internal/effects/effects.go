// Package effects maps aggregate resource levels to the efficiency
// modifiers the resolution pipeline applies in its global phase. All
// functions are pure and deterministic; the thresholds are a game-balance
// contract and must not drift.
package effects

// FoodShortagePenalty returns the fraction of gather gains lost to hunger.
func FoodShortagePenalty(totalFood, factionCount int) float64 {
	if factionCount <= 0 {
		return 0
	}
	perFaction := float64(totalFood) / float64(factionCount)
	switch {
	case perFaction >= 1:
		return 0
	case perFaction >= 0.5:
		return 0.1
	case perFaction >= 0.25:
		return 0.2
	default:
		return 0.5
	}
}

// StabilityBonus caps at 0.5.
func StabilityBonus(stabilityTokens int) float64 {
	return min(0.5, float64(stabilityTokens)*0.1)
}

// InsightBonus caps at 0.3.
func InsightBonus(insightTokens int) float64 {
	return min(0.3, float64(insightTokens)*0.05)
}

// InfrastructureBonus caps at 0.4.
func InfrastructureBonus(infrastructureTokens int) float64 {
	return min(0.4, float64(infrastructureTokens)*0.08)
}

// Summary bundles the modifiers computed from one set of totals.
type Summary struct {
	FoodShortagePenalty float64 `json:"food_shortage_penalty"`
	StabilityBonus      float64 `json:"stability_bonus"`
	InsightBonus        float64 `json:"insight_bonus"`
	InfrastructureBonus float64 `json:"infrastructure_bonus"`
}

// Calculate derives the full modifier summary from per-type totals.
func Calculate(totals map[string]int, factionCount int) Summary {
	return Summary{
		FoodShortagePenalty: FoodShortagePenalty(totals["food"], factionCount),
		StabilityBonus:      StabilityBonus(totals["stability_tokens"]),
		InsightBonus:        InsightBonus(totals["insight_tokens"]),
		InfrastructureBonus: InfrastructureBonus(totals["infrastructure_tokens"]),
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
