package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bastion/internal/domain"
	"bastion/internal/repo"
)

var (
	ErrInsufficientResource  = errors.New("insufficient resource")
	ErrInvalidTurn           = errors.New("invalid turn number")
	ErrInvalidTransfer       = errors.New("invalid transfer")
	ErrInvalidTransferTarget = errors.New("invalid transfer target")
)

// Ledger owns per-faction, per-turn resource quantities. Every mutation
// appends audit entries inside the caller's transaction, so a rolled-back
// resolution leaves no trace of either.
type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
}

func New(r repo.Repo) Ledger {
	return Ledger{Repo: r, Now: time.Now}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

type AdjustParams struct {
	SessionID     string
	FactionID     string
	ResourceType  string
	Turn          int
	Delta         int
	Reason        string
	Phase         string
	AllowNegative bool
}

type AdjustResult struct {
	NewQuantity int
	Audit       domain.AuditEntry
}

// Adjust applies a single delta to one faction's holdings. On failure the
// quantity is untouched and no audit entry is written.
func (l Ledger) Adjust(ctx context.Context, tx *sql.Tx, p AdjustParams) (AdjustResult, error) {
	if p.Turn < 1 {
		return AdjustResult{}, fmt.Errorf("%w: %d", ErrInvalidTurn, p.Turn)
	}
	current, err := l.Repo.GetQuantityTx(ctx, tx, p.SessionID, p.FactionID, p.ResourceType, p.Turn)
	if err != nil {
		return AdjustResult{}, err
	}
	next := current + p.Delta
	if next < 0 && !p.AllowNegative {
		return AdjustResult{}, fmt.Errorf("%w: %s has %d %s, delta %d", ErrInsufficientResource,
			p.FactionID, current, p.ResourceType, p.Delta)
	}
	if err := l.Repo.UpsertQuantityTx(ctx, tx, domain.Resource{
		SessionID: p.SessionID,
		FactionID: p.FactionID,
		Type:      p.ResourceType,
		Turn:      p.Turn,
		Quantity:  next,
	}); err != nil {
		return AdjustResult{}, err
	}
	entry := domain.AuditEntry{
		SessionID:     p.SessionID,
		FactionID:     p.FactionID,
		Type:          p.ResourceType,
		Turn:          p.Turn,
		Delta:         p.Delta,
		QuantityAfter: next,
		Reason:        p.Reason,
		Phase:         p.Phase,
		TS:            l.now().UTC().Format(time.RFC3339),
	}
	id, err := l.Repo.InsertAuditTx(ctx, tx, entry)
	if err != nil {
		return AdjustResult{}, err
	}
	entry.ID = id
	return AdjustResult{NewQuantity: next, Audit: entry}, nil
}

type TransferParams struct {
	SessionID    string
	From         string
	To           string
	ResourceType string
	Amount       int
	Turn         int
	Reason       string
	Phase        string
}

type TransferResult struct {
	Updated []domain.Resource
	Audits  []domain.AuditEntry
}

// Transfer moves amount from one faction to another or into the global
// pool. It is logically atomic: both rows and both audit entries land inside
// the caller's transaction or none do.
func (l Ledger) Transfer(ctx context.Context, tx *sql.Tx, p TransferParams) (TransferResult, error) {
	if p.Turn < 1 {
		return TransferResult{}, fmt.Errorf("%w: %d", ErrInvalidTurn, p.Turn)
	}
	if p.Amount <= 0 {
		return TransferResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	if p.From == p.To {
		return TransferResult{}, fmt.Errorf("%w: self-transfer", ErrInvalidTransfer)
	}
	if p.To == domain.GlobalPool && !domain.GlobalPoolResources[p.ResourceType] {
		return TransferResult{}, fmt.Errorf("%w: %s is not a global-pool resource", ErrInvalidTransferTarget, p.ResourceType)
	}
	debit, err := l.Adjust(ctx, tx, AdjustParams{
		SessionID:    p.SessionID,
		FactionID:    p.From,
		ResourceType: p.ResourceType,
		Turn:         p.Turn,
		Delta:        -p.Amount,
		Reason:       p.Reason,
		Phase:        p.Phase,
	})
	if err != nil {
		return TransferResult{}, err
	}
	credit, err := l.Adjust(ctx, tx, AdjustParams{
		SessionID:    p.SessionID,
		FactionID:    p.To,
		ResourceType: p.ResourceType,
		Turn:         p.Turn,
		Delta:        p.Amount,
		Reason:       p.Reason,
		Phase:        p.Phase,
	})
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		Updated: []domain.Resource{
			{SessionID: p.SessionID, FactionID: p.From, Type: p.ResourceType, Turn: p.Turn, Quantity: debit.NewQuantity},
			{SessionID: p.SessionID, FactionID: p.To, Type: p.ResourceType, Turn: p.Turn, Quantity: credit.NewQuantity},
		},
		Audits: []domain.AuditEntry{debit.Audit, credit.Audit},
	}, nil
}

// Query returns resource records matching the filters.
func (l Ledger) Query(ctx context.Context, f repo.ResourceFilters) ([]domain.Resource, error) {
	return l.Repo.ListResources(ctx, f)
}

// GlobalTotals sums a turn's quantities per resource type across every
// faction and the global pool. It deliberately covers all resource types,
// not just the pooled ones: condition evaluation reads food and token
// totals from the same map. Callers that only care about pooled types
// filter by the catalog's pooled resource list.
func (l Ledger) GlobalTotals(ctx context.Context, sessionID string, turn int) (map[string]int, error) {
	rows, err := l.Repo.DB.QueryContext(ctx, `SELECT resource_type, SUM(quantity) FROM resources WHERE session_id=? AND turn=? GROUP BY resource_type`,
		sessionID, turn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	totals := map[string]int{}
	for rows.Next() {
		var resourceType string
		var sum int
		if err := rows.Scan(&resourceType, &sum); err != nil {
			return nil, err
		}
		totals[resourceType] = sum
	}
	return totals, rows.Err()
}

// TotalsFromSnapshot folds an in-memory snapshot into per-type totals.
func TotalsFromSnapshot(snap map[string]map[string]int) map[string]int {
	totals := map[string]int{}
	for _, holdings := range snap {
		for resourceType, quantity := range holdings {
			totals[resourceType] += quantity
		}
	}
	return totals
}
