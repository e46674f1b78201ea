package server

import (
	"encoding/json"

	"bastion/internal/domain"
)

// Request payloads

type CreateSessionRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
}

type JoinSessionRequest struct {
	PlayerID *string `json:"player_id,omitempty"`
	Name     string  `json:"name"`
	Faction  string  `json:"faction" enum:"provisioner,guardian,mystic,explorer"`
	Role     *string `json:"role,omitempty" enum:"player,gamemaster"`
}

type SubmitActionRequest struct {
	ID       *string         `json:"id,omitempty"`
	PlayerID string          `json:"player_id"`
	Turn     *int            `json:"turn,omitempty"`
	Type     string          `json:"type" enum:"gather,trade,convert,build,research,protect,special"`
	Data     json.RawMessage `json:"data"`
}

type ResolveTurnRequest struct {
	Turn                *int  `json:"turn,omitempty"`
	ValidateOnly        bool  `json:"validate_only,omitempty"`
	AllowPartialFailure *bool `json:"allow_partial_failure,omitempty"`
	TimeoutMS           int   `json:"timeout_ms,omitempty"`
	AuditTrail          bool  `json:"audit_trail,omitempty"`
}

type AdjustResourceRequest struct {
	FactionID     string  `json:"faction_id"`
	ResourceType  string  `json:"resource_type"`
	Turn          *int    `json:"turn,omitempty"`
	Delta         int     `json:"delta"`
	Reason        *string `json:"reason,omitempty"`
	AllowNegative bool    `json:"allow_negative,omitempty"`
}

type TransferResourceRequest struct {
	From         string  `json:"from"`
	To           string  `json:"to"`
	ResourceType string  `json:"resource_type"`
	Amount       int     `json:"amount"`
	Turn         *int    `json:"turn,omitempty"`
	Reason       *string `json:"reason,omitempty"`
}

type ContributeRequest struct {
	PlayerID string `json:"player_id"`
	Resource string `json:"resource"`
	Amount   int    `json:"amount"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &out.Payload)
	}
	return out
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}
