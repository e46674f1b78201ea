package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bastion/internal/config"
	"bastion/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,name,status,current_turn,max_turns,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.Name, s.Status, s.CurrentTurn, s.MaxTurns, s.CreatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,current_turn,max_turns,created_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &s.Status, &s.CurrentTurn, &s.MaxTurns, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,current_turn,max_turns,created_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &s.CurrentTurn, &s.MaxTurns, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSessionTurn(ctx context.Context, tx *sql.Tx, id string, turn int) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET current_turn=? WHERE id=?`, turn, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CompleteSession(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status='completed' WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSessionConfigTx pins a catalog to a session inside the caller's
// transaction, replacing any previous pin.
func (r Repo) UpsertSessionConfigTx(ctx context.Context, tx *sql.Tx, sessionID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO session_configs(session_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, sessionID, string(payload), now, now)
	return err
}

func (r Repo) GetSessionConfig(ctx context.Context, sessionID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM session_configs WHERE session_id=?`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (r Repo) InsertPlayer(ctx context.Context, tx *sql.Tx, p domain.Player) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO players(id,session_id,name,faction,role,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.SessionID, p.Name, p.Faction, p.Role, p.CreatedAt)
	return err
}

func (r Repo) GetPlayer(ctx context.Context, id string) (domain.Player, error) {
	var p domain.Player
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,name,faction,role,created_at FROM players WHERE id=?`, id).
		Scan(&p.ID, &p.SessionID, &p.Name, &p.Faction, &p.Role, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPlayers(ctx context.Context, sessionID string) ([]domain.Player, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,name,faction,role,created_at FROM players WHERE session_id=? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Player
	for rows.Next() {
		var p domain.Player
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Name, &p.Faction, &p.Role, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(id,session_id,player_id,turn,type,data_json,status,errors_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.SessionID, a.PlayerID, a.Turn, a.Type, a.DataJSON, a.Status, marshalErrors(a.Errors), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT a.id,a.session_id,a.player_id,p.faction,a.turn,a.type,a.data_json,a.status,a.errors_json,a.created_at,a.updated_at
FROM actions a JOIN players p ON p.id=a.player_id WHERE a.id=?`, id)
	return scanAction(row)
}

func scanAction(row *sql.Row) (domain.Action, error) {
	var a domain.Action
	var errorsJSON sql.NullString
	err := row.Scan(&a.ID, &a.SessionID, &a.PlayerID, &a.Faction, &a.Turn, &a.Type, &a.DataJSON, &a.Status, &errorsJSON, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Errors = unmarshalErrors(errorsJSON)
	return a, nil
}

type ActionFilters struct {
	SessionID string
	Turn      int
	Status    string
	PlayerID  string
}

// ListActions returns actions ordered ascending by id so repeated reads of
// the same turn always come back in resolution order.
func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	clauses := []string{"a.session_id=?"}
	args := []any{f.SessionID}
	if f.Turn > 0 {
		clauses = append(clauses, "a.turn=?")
		args = append(args, f.Turn)
	}
	if f.Status != "" {
		clauses = append(clauses, "a.status=?")
		args = append(args, f.Status)
	}
	if f.PlayerID != "" {
		clauses = append(clauses, "a.player_id=?")
		args = append(args, f.PlayerID)
	}
	query := `SELECT a.id,a.session_id,a.player_id,p.faction,a.turn,a.type,a.data_json,a.status,a.errors_json,a.created_at,a.updated_at
FROM actions a JOIN players p ON p.id=a.player_id WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY a.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		var a domain.Action
		var errorsJSON sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &a.PlayerID, &a.Faction, &a.Turn, &a.Type, &a.DataJSON, &a.Status, &errorsJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Errors = unmarshalErrors(errorsJSON)
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListActionsTx reads a turn's actions inside a transaction, ascending by
// id, so the pipeline sees its own lock updates.
func (r Repo) ListActionsTx(ctx context.Context, tx *sql.Tx, sessionID string, turn int, status string) ([]domain.Action, error) {
	clauses := []string{"a.session_id=?", "a.turn=?"}
	args := []any{sessionID, turn}
	if status != "" {
		clauses = append(clauses, "a.status=?")
		args = append(args, status)
	}
	query := `SELECT a.id,a.session_id,a.player_id,p.faction,a.turn,a.type,a.data_json,a.status,a.errors_json,a.created_at,a.updated_at
FROM actions a JOIN players p ON p.id=a.player_id WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY a.id ASC`
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		var a domain.Action
		var errorsJSON sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &a.PlayerID, &a.Faction, &a.Turn, &a.Type, &a.DataJSON, &a.Status, &errorsJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Errors = unmarshalErrors(errorsJSON)
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) LockActions(ctx context.Context, tx *sql.Tx, sessionID string, turn int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, updated_at=? WHERE session_id=? AND turn=? AND status=?`,
		domain.ActionLocked, updatedAt, sessionID, turn, domain.ActionSubmitted)
	return err
}

func (r Repo) SetActionOutcome(ctx context.Context, tx *sql.Tx, id, status string, actionErrors []string, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, errors_json=?, updated_at=? WHERE id=?`,
		status, marshalErrors(actionErrors), updatedAt, id)
	return err
}

func marshalErrors(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalErrors(in sql.NullString) []string {
	if !in.Valid || in.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in.String), &out)
	return out
}

func (r Repo) LatestEvents(ctx context.Context, limit int, sessionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, sessionID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, sessionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,session_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,session_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID, optionally scoped to one
// session.
func (r Repo) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) scanEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var sessionID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &sessionID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			e.SessionID = sessionID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
