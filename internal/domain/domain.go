package domain

// GlobalPool is the pseudo-faction holding shared token balances.
const GlobalPool = "global_pool"

// Faction identifiers.
const (
	FactionProvisioner = "provisioner"
	FactionGuardian    = "guardian"
	FactionMystic      = "mystic"
	FactionExplorer    = "explorer"
)

// GlobalPoolResources are the resource types pooled globally rather than
// held per faction.
var GlobalPoolResources = map[string]bool{
	"protection_tokens":     true,
	"stability_tokens":      true,
	"insight_tokens":        true,
	"infrastructure_tokens": true,
	"project_progress":      true,
}

type Session struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,completed"`
	CurrentTurn int    `json:"current_turn"`
	MaxTurns    int    `json:"max_turns"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Player struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Faction   string `json:"faction" enum:"provisioner,guardian,mystic,explorer"`
	Role      string `json:"role" enum:"player,gamemaster"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Action struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	PlayerID  string   `json:"player_id"`
	Faction   string   `json:"faction"`
	Turn      int      `json:"turn"`
	Type      string   `json:"type" enum:"gather,trade,convert,build,research,protect,special"`
	DataJSON  string   `json:"data_json"`
	Status    string   `json:"status" enum:"submitted,locked,resolved,failed"`
	Errors    []string `json:"errors,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

// Resource is one faction's holdings of one resource type as of one turn.
// Rows for a new turn are carried forward from the prior turn, never
// rewritten across turns, so point-in-time history survives for audit.
type Resource struct {
	SessionID string `json:"session_id"`
	FactionID string `json:"faction_id"`
	Type      string `json:"resource_type"`
	Turn      int    `json:"turn"`
	Quantity  int    `json:"quantity"`
}

// AuditEntry records a single ledger mutation. Append-only.
type AuditEntry struct {
	ID            int64  `json:"id"`
	SessionID     string `json:"session_id"`
	FactionID     string `json:"faction_id"`
	Type          string `json:"resource_type"`
	Turn          int    `json:"turn"`
	Delta         int    `json:"delta"`
	QuantityAfter int    `json:"quantity_after"`
	Reason        string `json:"reason"`
	Phase         string `json:"phase,omitempty"`
	TS            string `json:"ts" format:"date-time"`
}

// ProjectProgress tracks the shared project. Contributions only ever cover
// the active stage; on advance the prior stage is snapshotted into
// CompletedStages and Contributions resets to empty.
type ProjectProgress struct {
	SessionID       string           `json:"session_id"`
	ProjectID       string           `json:"project_id"`
	CurrentStage    int              `json:"current_stage"`
	Contributions   map[string]int   `json:"stage_contributions"`
	CompletedStages []CompletedStage `json:"completed_stages"`
	IsCompleted     bool             `json:"is_completed"`
}

type CompletedStage struct {
	Stage         int            `json:"stage"`
	CompletedAt   string         `json:"completed_at" format:"date-time"`
	Contributions map[string]int `json:"final_contributions"`
}

// FactionGoal is one player's mini-goal. Progress is monotone except for
// streak-tracked goals, whose streak resets on a shortfall turn; completion
// is sticky either way.
type FactionGoal struct {
	SessionID     string `json:"session_id"`
	PlayerID      string `json:"player_id"`
	Faction       string `json:"faction"`
	GoalType      string `json:"goal_type"`
	TargetValue   int    `json:"target_value"`
	Progress      int    `json:"current_progress"`
	Streak        int    `json:"streak,omitempty"`
	IsCompleted   bool   `json:"is_completed"`
	CompletedTurn *int   `json:"completed_turn,omitempty"`
}

// Verdict is the condition evaluator's output. Transient; the session row
// records the terminal outcome separately.
type Verdict struct {
	GameEnded    bool   `json:"game_ended"`
	IsVictory    bool   `json:"is_victory"`
	VictoryType  string `json:"victory_type,omitempty" enum:"project_completion,mini_goals"`
	DefeatReason string `json:"defeat_reason,omitempty" enum:"timeout,famine,instability,destruction"`
	TriggerTurn  int    `json:"trigger_turn"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
