package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bastion/internal/config"
	"bastion/internal/domain"
	"bastion/internal/repo"
)

var (
	ErrStageNotAdvanceable = errors.New("stage requirements not met")
	ErrAlreadyCompleted    = errors.New("project already completed")
)

// Tracker maintains shared-project contributions and per-player mini-goals.
// Mutators take the caller's transaction so the engine can fold them into a
// larger unit of work.
type Tracker struct {
	Repo repo.Repo
	Now  func() time.Time
}

func New(r repo.Repo) Tracker {
	return Tracker{Repo: r, Now: time.Now}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// CanAdvance reports whether contributions cover every requirement line of
// the given stage. A stage with no requirements is never advanceable.
func CanAdvance(p domain.ProjectProgress, req map[string]int) bool {
	if len(req) == 0 {
		return false
	}
	for resource, needed := range req {
		if p.Contributions[resource] < needed {
			return false
		}
	}
	return true
}

// Contribute adds amount of one resource toward the active stage. The
// ledger debit happens separately; this only moves the counter.
func (t Tracker) Contribute(ctx context.Context, tx *sql.Tx, cfg *config.Config, sessionID, resource string, amount int) (domain.ProjectProgress, error) {
	if amount <= 0 {
		return domain.ProjectProgress{}, fmt.Errorf("contribution amount must be positive, got %d", amount)
	}
	p, err := t.Repo.GetProjectProgressTx(ctx, tx, sessionID, cfg.Project.ID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	if p.IsCompleted {
		return domain.ProjectProgress{}, ErrAlreadyCompleted
	}
	if p.Contributions == nil {
		p.Contributions = map[string]int{}
	}
	p.Contributions[resource] += amount
	if err := t.Repo.UpdateProjectProgress(ctx, tx, p); err != nil {
		return domain.ProjectProgress{}, err
	}
	return p, nil
}

// AdvanceStage closes the active stage once its requirements are covered.
// The closed stage is snapshotted with its final contributions; the next
// stage starts from zero. Advancing past the final stage completes the
// project.
func (t Tracker) AdvanceStage(ctx context.Context, tx *sql.Tx, cfg *config.Config, sessionID string) (domain.ProjectProgress, error) {
	p, err := t.Repo.GetProjectProgressTx(ctx, tx, sessionID, cfg.Project.ID)
	if err != nil {
		return domain.ProjectProgress{}, err
	}
	if p.IsCompleted {
		return domain.ProjectProgress{}, ErrAlreadyCompleted
	}
	req, ok := cfg.StageRequirements(p.CurrentStage)
	if !ok {
		return domain.ProjectProgress{}, fmt.Errorf("%w: stage %d not in project %s", ErrStageNotAdvanceable, p.CurrentStage, cfg.Project.ID)
	}
	if !CanAdvance(p, req) {
		return domain.ProjectProgress{}, fmt.Errorf("%w: stage %d", ErrStageNotAdvanceable, p.CurrentStage)
	}
	final := map[string]int{}
	for k, v := range p.Contributions {
		final[k] = v
	}
	p.CompletedStages = append(p.CompletedStages, domain.CompletedStage{
		Stage:         p.CurrentStage,
		CompletedAt:   t.now().UTC().Format(time.RFC3339),
		Contributions: final,
	})
	if cfg.FinalStage(p.CurrentStage) {
		p.IsCompleted = true
	} else {
		p.CurrentStage++
		p.Contributions = map[string]int{}
	}
	if err := t.Repo.UpdateProjectProgress(ctx, tx, p); err != nil {
		return domain.ProjectProgress{}, err
	}
	return p, nil
}
