package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"bastion/internal/db"
	"bastion/internal/domain"
	"bastion/internal/ledger"
	"bastion/internal/migrate"
	"bastion/internal/repo"
)

type testEnv struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	l := ledger.New(r)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = r.InsertSession(ctx, tx, domain.Session{
		ID: "s1", Name: "test", Status: "active", CurrentTurn: 1, MaxTurns: 12,
		CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return testEnv{DB: conn, Repo: r, Ledger: l, Ctx: ctx}
}

func (env testEnv) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAdjustCreditAndDebit(t *testing.T) {
	env := newTestEnv(t)
	env.inTx(t, func(tx *sql.Tx) error {
		res, err := env.Ledger.Adjust(env.Ctx, tx, ledger.AdjustParams{
			SessionID: "s1", FactionID: "provisioner", ResourceType: "food",
			Turn: 1, Delta: 10, Reason: "seed",
		})
		if err != nil {
			return err
		}
		if res.NewQuantity != 10 {
			t.Fatalf("quantity = %d, want 10", res.NewQuantity)
		}
		res, err = env.Ledger.Adjust(env.Ctx, tx, ledger.AdjustParams{
			SessionID: "s1", FactionID: "provisioner", ResourceType: "food",
			Turn: 1, Delta: -4, Reason: "spend",
		})
		if err != nil {
			return err
		}
		if res.NewQuantity != 6 {
			t.Fatalf("quantity = %d, want 6", res.NewQuantity)
		}
		return nil
	})
	entries, err := env.Repo.ListAudit(env.Ctx, repo.AuditFilters{SessionID: "s1"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
}

func TestAdjustRejectsOverdraw(t *testing.T) {
	env := newTestEnv(t)
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	_, err = env.Ledger.Adjust(env.Ctx, tx, ledger.AdjustParams{
		SessionID: "s1", FactionID: "guardian", ResourceType: "stone",
		Turn: 1, Delta: -3, Reason: "overdraw",
	})
	if !errors.Is(err, ledger.ErrInsufficientResource) {
		t.Fatalf("err = %v, want ErrInsufficientResource", err)
	}
	tx.Rollback()
	entries, err := env.Repo.ListAudit(env.Ctx, repo.AuditFilters{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed adjust left %d audit rows", len(entries))
	}
}

func TestAdjustAllowNegative(t *testing.T) {
	env := newTestEnv(t)
	env.inTx(t, func(tx *sql.Tx) error {
		res, err := env.Ledger.Adjust(env.Ctx, tx, ledger.AdjustParams{
			SessionID: "s1", FactionID: "global_pool", ResourceType: "stability_tokens",
			Turn: 1, Delta: -2, Reason: "unrest", AllowNegative: true,
		})
		if err != nil {
			return err
		}
		if res.NewQuantity != -2 {
			t.Fatalf("quantity = %d, want -2", res.NewQuantity)
		}
		return nil
	})
}

func TestAdjustRejectsInvalidTurn(t *testing.T) {
	env := newTestEnv(t)
	tx, _ := env.DB.BeginTx(env.Ctx, nil)
	defer tx.Rollback()
	_, err := env.Ledger.Adjust(env.Ctx, tx, ledger.AdjustParams{
		SessionID: "s1", FactionID: "mystic", ResourceType: "food", Turn: 0, Delta: 1,
	})
	if !errors.Is(err, ledger.ErrInvalidTurn) {
		t.Fatalf("err = %v, want ErrInvalidTurn", err)
	}
}

func TestTransferConservesTotals(t *testing.T) {
	env := newTestEnv(t)
	env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.Ledger.Adjust(env.Ctx, tx, ledger.AdjustParams{
			SessionID: "s1", FactionID: "provisioner", ResourceType: "food",
			Turn: 1, Delta: 10, Reason: "seed",
		})
		return err
	})
	env.inTx(t, func(tx *sql.Tx) error {
		res, err := env.Ledger.Transfer(env.Ctx, tx, ledger.TransferParams{
			SessionID: "s1", From: "provisioner", To: "guardian",
			ResourceType: "food", Amount: 4, Turn: 1, Reason: "trade",
		})
		if err != nil {
			return err
		}
		if len(res.Updated) != 2 || len(res.Audits) != 2 {
			t.Fatalf("expected two rows and two audits, got %+v", res)
		}
		return nil
	})
	totals, err := env.Ledger.GlobalTotals(env.Ctx, "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if totals["food"] != 10 {
		t.Fatalf("total food = %d, want 10", totals["food"])
	}
	rows, err := env.Repo.ListResources(env.Ctx, repo.ResourceFilters{SessionID: "s1", FactionID: "guardian", Type: "food", Turn: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Quantity != 4 {
		t.Fatalf("guardian food rows = %+v, want one row with 4", rows)
	}
}

func TestTransferRejectsSelfAndBadPoolTarget(t *testing.T) {
	env := newTestEnv(t)
	tx, _ := env.DB.BeginTx(env.Ctx, nil)
	defer tx.Rollback()
	_, err := env.Ledger.Transfer(env.Ctx, tx, ledger.TransferParams{
		SessionID: "s1", From: "mystic", To: "mystic",
		ResourceType: "food", Amount: 1, Turn: 1,
	})
	if !errors.Is(err, ledger.ErrInvalidTransfer) {
		t.Fatalf("self transfer err = %v", err)
	}
	_, err = env.Ledger.Transfer(env.Ctx, tx, ledger.TransferParams{
		SessionID: "s1", From: "explorer", To: domain.GlobalPool,
		ResourceType: "timber", Amount: 1, Turn: 1,
	})
	if !errors.Is(err, ledger.ErrInvalidTransferTarget) {
		t.Fatalf("pool target err = %v", err)
	}
}

func TestTransferRollsBackOnInsufficientSource(t *testing.T) {
	env := newTestEnv(t)
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	_, err = env.Ledger.Transfer(env.Ctx, tx, ledger.TransferParams{
		SessionID: "s1", From: "provisioner", To: "guardian",
		ResourceType: "food", Amount: 5, Turn: 1, Reason: "trade",
	})
	if !errors.Is(err, ledger.ErrInsufficientResource) {
		t.Fatalf("err = %v, want ErrInsufficientResource", err)
	}
}
