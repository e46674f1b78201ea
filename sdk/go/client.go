package bastionsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bastion HTTP API client.
type Client struct {
	BaseURL     string
	SessionID   string
	ActorID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, sessionID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SessionID: sessionID,
		Timeout:   10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	CurrentTurn int    `json:"current_turn"`
	MaxTurns    int    `json:"max_turns"`
	CreatedAt   string `json:"created_at"`
}

// Player represents a session member.
type Player struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Faction   string `json:"faction"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// Action represents a submitted action (partial).
type Action struct {
	ID       string   `json:"id"`
	PlayerID string   `json:"player_id"`
	Faction  string   `json:"faction"`
	Turn     int      `json:"turn"`
	Type     string   `json:"type"`
	Status   string   `json:"status"`
	Errors   []string `json:"errors,omitempty"`
}

// Resource is one ledger balance.
type Resource struct {
	SessionID string `json:"session_id"`
	FactionID string `json:"faction_id"`
	Type      string `json:"type"`
	Turn      int    `json:"turn"`
	Quantity  int    `json:"quantity"`
}

// Readiness reports which players still owe an action this turn.
type Readiness struct {
	SessionID        string   `json:"session_id"`
	Turn             int      `json:"turn"`
	Players          int      `json:"players"`
	Submitted        int      `json:"submitted"`
	PlayersSubmitted []string `json:"players_submitted"`
	Waiting          []string `json:"waiting"`
	Ready            bool     `json:"ready"`
}

// ResolutionResult is the turn resolution report (partial).
type ResolutionResult struct {
	SessionID string                    `json:"session_id"`
	Turn      int                       `json:"turn"`
	Committed bool                      `json:"committed"`
	Accepted  int                       `json:"accepted"`
	Rejected  int                       `json:"rejected"`
	Snapshot  map[string]map[string]int `json:"snapshot"`
	Verdict   *Verdict                  `json:"verdict,omitempty"`
}

// Verdict is the end-condition evaluation.
type Verdict struct {
	GameEnded    bool   `json:"game_ended"`
	IsVictory    bool   `json:"is_victory"`
	VictoryType  string `json:"victory_type,omitempty"`
	DefeatReason string `json:"defeat_reason,omitempty"`
	TriggerTurn  int    `json:"trigger_turn"`
}

// ProjectProgress tracks the shared build.
type ProjectProgress struct {
	SessionID     string         `json:"session_id"`
	ProjectID     string         `json:"project_id"`
	CurrentStage  int            `json:"current_stage"`
	Contributions map[string]int `json:"stage_contributions"`
	IsCompleted   bool           `json:"is_completed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSession creates a session and pins the client to it.
func (c *Client) CreateSession(ctx context.Context, name string) (Session, error) {
	body := map[string]any{"name": name}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp); err != nil {
		return resp, err
	}
	if c.SessionID == "" {
		c.SessionID = resp.ID
	}
	return resp, nil
}

// Join adds a player to the session.
func (c *Client) Join(ctx context.Context, playerID, name, faction, role string) (Player, error) {
	body := map[string]any{
		"player_id": playerID,
		"name":      name,
		"faction":   faction,
		"role":      role,
	}
	var resp Player
	err := c.do(ctx, http.MethodPost, c.sessionPath("players"), body, &resp)
	return resp, err
}

// SubmitAction submits a typed action for the current turn.
func (c *Client) SubmitAction(ctx context.Context, playerID, actionType string, data any) (Action, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Action{}, err
	}
	body := map[string]any{
		"player_id": playerID,
		"type":      actionType,
		"data":      json.RawMessage(raw),
	}
	var resp Action
	err = c.do(ctx, http.MethodPost, c.sessionPath("actions"), body, &resp)
	return resp, err
}

// TurnReadiness reports whether every player has submitted.
func (c *Client) TurnReadiness(ctx context.Context) (Readiness, error) {
	var resp Readiness
	err := c.do(ctx, http.MethodGet, c.sessionPath("readiness"), nil, &resp)
	return resp, err
}

// ResolveTurn resolves the current turn. Pass validateOnly to stage
// everything and roll back without committing.
func (c *Client) ResolveTurn(ctx context.Context, validateOnly bool) (ResolutionResult, error) {
	body := map[string]any{"validate_only": validateOnly}
	var resp ResolutionResult
	err := c.do(ctx, http.MethodPost, c.sessionPath("resolve"), body, &resp)
	return resp, err
}

// Resources lists ledger balances, optionally filtered by faction.
func (c *Client) Resources(ctx context.Context, faction string) ([]Resource, error) {
	endpoint := c.sessionPath("resources")
	if faction != "" {
		endpoint = fmt.Sprintf("%s?faction_id=%s", endpoint, url.QueryEscape(faction))
	}
	var resp []Resource
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Project returns the shared project's progress.
func (c *Client) Project(ctx context.Context) (ProjectProgress, error) {
	var resp ProjectProgress
	err := c.do(ctx, http.MethodGet, c.sessionPath("project"), nil, &resp)
	return resp, err
}

// Contribute moves resources from a player's faction into the project stage.
func (c *Client) Contribute(ctx context.Context, playerID, resource string, amount int) (ProjectProgress, error) {
	body := map[string]any{
		"player_id": playerID,
		"resource":  resource,
		"amount":    amount,
	}
	var resp ProjectProgress
	err := c.do(ctx, http.MethodPost, c.sessionPath("project/contribute"), body, &resp)
	return resp, err
}

// Conditions evaluates end conditions without advancing anything.
func (c *Client) Conditions(ctx context.Context) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodGet, c.sessionPath("conditions"), nil, &resp)
	return resp, err
}

// Events returns recent session events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.sessionPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(p string) string {
	session := url.PathEscape(c.SessionID)
	return fmt.Sprintf("v0/sessions/%s/%s", session, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
