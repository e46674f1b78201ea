package repo

import (
	"context"
	"database/sql"
	"strings"

	"bastion/internal/domain"
)

// GetQuantityTx reads one resource row inside a transaction. Missing rows
// read as zero.
func (r Repo) GetQuantityTx(ctx context.Context, tx *sql.Tx, sessionID, factionID, resourceType string, turn int) (int, error) {
	var q int
	err := tx.QueryRowContext(ctx, `SELECT quantity FROM resources WHERE session_id=? AND faction_id=? AND resource_type=? AND turn=?`,
		sessionID, factionID, resourceType, turn).Scan(&q)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return q, err
}

// UpsertQuantityTx writes a resource row's quantity for a turn.
func (r Repo) UpsertQuantityTx(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO resources(session_id,faction_id,resource_type,turn,quantity) VALUES (?,?,?,?,?)
ON CONFLICT(session_id,faction_id,resource_type,turn) DO UPDATE SET quantity=excluded.quantity`,
		res.SessionID, res.FactionID, res.Type, res.Turn, res.Quantity)
	return err
}

// CarryForwardResources copies the prior turn's rows into a fresh turn if
// that turn has no rows yet, preserving point-in-time history.
func (r Repo) CarryForwardResources(ctx context.Context, tx *sql.Tx, sessionID string, turn int) error {
	if turn <= 1 {
		return nil
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE session_id=? AND turn=?`, sessionID, turn).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO resources(session_id,faction_id,resource_type,turn,quantity)
SELECT session_id,faction_id,resource_type,?,quantity FROM resources WHERE session_id=? AND turn=?`,
		turn, sessionID, turn-1)
	return err
}

type ResourceFilters struct {
	SessionID string
	FactionID string
	Type      string
	Turn      int
}

func (r Repo) ListResources(ctx context.Context, f ResourceFilters) ([]domain.Resource, error) {
	clauses := []string{"session_id=?"}
	args := []any{f.SessionID}
	if f.FactionID != "" {
		clauses = append(clauses, "faction_id=?")
		args = append(args, f.FactionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "resource_type=?")
		args = append(args, f.Type)
	}
	if f.Turn > 0 {
		clauses = append(clauses, "turn=?")
		args = append(args, f.Turn)
	}
	query := `SELECT session_id,faction_id,resource_type,turn,quantity FROM resources WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY turn ASC, faction_id ASC, resource_type ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Resource
	for rows.Next() {
		var rec domain.Resource
		if err := rows.Scan(&rec.SessionID, &rec.FactionID, &rec.Type, &rec.Turn, &rec.Quantity); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// SnapshotTx returns every resource row for a session turn, keyed
// faction -> resource type -> quantity.
func (r Repo) SnapshotTx(ctx context.Context, tx *sql.Tx, sessionID string, turn int) (map[string]map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT faction_id,resource_type,quantity FROM resources WHERE session_id=? AND turn=?`, sessionID, turn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	snap := map[string]map[string]int{}
	for rows.Next() {
		var faction, resourceType string
		var quantity int
		if err := rows.Scan(&faction, &resourceType, &quantity); err != nil {
			return nil, err
		}
		if snap[faction] == nil {
			snap[faction] = map[string]int{}
		}
		snap[faction][resourceType] = quantity
	}
	return snap, rows.Err()
}

func (r Repo) InsertAuditTx(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO resource_audit(session_id,faction_id,resource_type,turn,delta,quantity_after,reason,phase,ts)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.SessionID, e.FactionID, e.Type, e.Turn, e.Delta, e.QuantityAfter, e.Reason, nullable(e.Phase), e.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type AuditFilters struct {
	SessionID string
	FactionID string
	Turn      int
	Phase     string
	Limit     int
}

func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"session_id=?"}
	args := []any{f.SessionID}
	if f.FactionID != "" {
		clauses = append(clauses, "faction_id=?")
		args = append(args, f.FactionID)
	}
	if f.Turn > 0 {
		clauses = append(clauses, "turn=?")
		args = append(args, f.Turn)
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	query := `SELECT id,session_id,faction_id,resource_type,turn,delta,quantity_after,reason,COALESCE(phase,''),ts
FROM resource_audit WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.FactionID, &e.Type, &e.Turn, &e.Delta, &e.QuantityAfter, &e.Reason, &e.Phase, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
