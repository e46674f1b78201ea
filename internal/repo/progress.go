package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"bastion/internal/domain"
)

func (r Repo) InsertProjectProgress(ctx context.Context, tx *sql.Tx, p domain.ProjectProgress) error {
	contributions, completed, err := marshalProgress(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_progress(session_id,project_id,current_stage,contributions_json,completed_stages_json,is_completed)
VALUES (?,?,?,?,?,?)`,
		p.SessionID, p.ProjectID, p.CurrentStage, contributions, completed, boolInt(p.IsCompleted))
	return err
}

func (r Repo) UpdateProjectProgress(ctx context.Context, tx *sql.Tx, p domain.ProjectProgress) error {
	contributions, completed, err := marshalProgress(p)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE project_progress SET current_stage=?, contributions_json=?, completed_stages_json=?, is_completed=?
WHERE session_id=? AND project_id=?`,
		p.CurrentStage, contributions, completed, boolInt(p.IsCompleted), p.SessionID, p.ProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProjectProgress(ctx context.Context, sessionID, projectID string) (domain.ProjectProgress, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT session_id,project_id,current_stage,contributions_json,completed_stages_json,is_completed
FROM project_progress WHERE session_id=? AND project_id=?`, sessionID, projectID)
	return scanProgress(row)
}

func (r Repo) GetProjectProgressTx(ctx context.Context, tx *sql.Tx, sessionID, projectID string) (domain.ProjectProgress, error) {
	row := tx.QueryRowContext(ctx, `SELECT session_id,project_id,current_stage,contributions_json,completed_stages_json,is_completed
FROM project_progress WHERE session_id=? AND project_id=?`, sessionID, projectID)
	return scanProgress(row)
}

func scanProgress(row *sql.Row) (domain.ProjectProgress, error) {
	var p domain.ProjectProgress
	var contributions, completed string
	var isCompleted int
	err := row.Scan(&p.SessionID, &p.ProjectID, &p.CurrentStage, &contributions, &completed, &isCompleted)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.IsCompleted = isCompleted != 0
	if err := json.Unmarshal([]byte(contributions), &p.Contributions); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(completed), &p.CompletedStages); err != nil {
		return p, err
	}
	if p.Contributions == nil {
		p.Contributions = map[string]int{}
	}
	return p, nil
}

func marshalProgress(p domain.ProjectProgress) (string, string, error) {
	if p.Contributions == nil {
		p.Contributions = map[string]int{}
	}
	contributions, err := json.Marshal(p.Contributions)
	if err != nil {
		return "", "", err
	}
	if p.CompletedStages == nil {
		p.CompletedStages = []domain.CompletedStage{}
	}
	completed, err := json.Marshal(p.CompletedStages)
	if err != nil {
		return "", "", err
	}
	return string(contributions), string(completed), nil
}

func (r Repo) InsertFactionGoal(ctx context.Context, tx *sql.Tx, g domain.FactionGoal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO faction_goals(session_id,player_id,faction,goal_type,target_value,progress,streak,is_completed,completed_turn)
VALUES (?,?,?,?,?,?,?,?,?)`,
		g.SessionID, g.PlayerID, g.Faction, g.GoalType, g.TargetValue, g.Progress, g.Streak, boolInt(g.IsCompleted), nullableIntPtr(g.CompletedTurn))
	return err
}

func (r Repo) UpdateFactionGoal(ctx context.Context, tx *sql.Tx, g domain.FactionGoal) error {
	res, err := tx.ExecContext(ctx, `UPDATE faction_goals SET progress=?, streak=?, is_completed=?, completed_turn=?
WHERE session_id=? AND player_id=? AND goal_type=?`,
		g.Progress, g.Streak, boolInt(g.IsCompleted), nullableIntPtr(g.CompletedTurn), g.SessionID, g.PlayerID, g.GoalType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListFactionGoals(ctx context.Context, sessionID, playerID string) ([]domain.FactionGoal, error) {
	query := `SELECT session_id,player_id,faction,goal_type,target_value,progress,streak,is_completed,completed_turn
FROM faction_goals WHERE session_id=?`
	args := []any{sessionID}
	if playerID != "" {
		query += ` AND player_id=?`
		args = append(args, playerID)
	}
	query += ` ORDER BY player_id ASC, goal_type ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FactionGoal
	for rows.Next() {
		var g domain.FactionGoal
		var isCompleted int
		var completedTurn sql.NullInt64
		if err := rows.Scan(&g.SessionID, &g.PlayerID, &g.Faction, &g.GoalType, &g.TargetValue, &g.Progress, &g.Streak, &isCompleted, &completedTurn); err != nil {
			return nil, err
		}
		g.IsCompleted = isCompleted != 0
		if completedTurn.Valid {
			v := int(completedTurn.Int64)
			g.CompletedTurn = &v
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
