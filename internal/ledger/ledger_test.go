package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"channel-escrow-go/internal/audit"
	"channel-escrow-go/internal/database"
	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"
)

func setupLedger(t *testing.T) (*Ledger, store.Store) {
	t.Helper()
	st, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(st.Close)

	logger, err := audit.NewLogger(context.Background(), st, filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	t.Cleanup(logger.Close)

	return New(st, logger), st
}

func seedBalance(t *testing.T, st store.Store, userId string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateAccount(ctx, userId); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := st.EnsureBalance(ctx, userId); err != nil {
		t.Fatalf("EnsureBalance failed: %v", err)
	}
	applied, err := st.UpdateBalanceCAS(ctx, userId, amount, "seed", 1)
	if err != nil || !applied {
		t.Fatalf("Seeding balance failed: applied=%v err=%v", applied, err)
	}
}

func TestHold_DeductsAndAudits(t *testing.T) {
	ledger, st := setupLedger(t)
	ctx := context.Background()
	seedBalance(t, st, "alice", 10_000)

	newBalance, err := ledger.Hold(ctx, "alice", 4_000, audit.EventEscrowHeld, "p1")
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if newBalance != 6_000 {
		t.Errorf("Expected balance 6000, got %d", newBalance)
	}

	entries, err := st.ListAuditEntries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventType != string(audit.EventEscrowHeld) || e.RefId != "p1" {
		t.Errorf("Unexpected audit entry: %+v", e)
	}
	if e.AmountNano == nil || *e.AmountNano != -4_000 {
		t.Errorf("Expected audited amount -4000, got %v", e.AmountNano)
	}
}

func TestHold_InsufficientFunds(t *testing.T) {
	ledger, st := setupLedger(t)
	ctx := context.Background()
	seedBalance(t, st, "alice", 1_000)

	if _, err := ledger.Hold(ctx, "alice", 2_000, audit.EventEscrowHeld, "p1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}

	// Balance untouched and no audit entry written.
	balance, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 1_000 {
		t.Errorf("Expected balance unchanged at 1000, got %d", balance)
	}
	max, err := st.MaxAuditSeq(ctx)
	if err != nil {
		t.Fatalf("MaxAuditSeq failed: %v", err)
	}
	if max != 0 {
		t.Errorf("Expected no audit entries, got max seq %d", max)
	}
}

func TestHold_RejectsNonPositiveAmount(t *testing.T) {
	ledger, st := setupLedger(t)
	seedBalance(t, st, "alice", 1_000)

	for _, amount := range []int64{0, -5} {
		if _, err := ledger.Hold(context.Background(), "alice", amount, audit.EventEscrowHeld, "p1"); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Expected ErrInvalidAmount for %d, got %v", amount, err)
		}
	}
}

func TestCredit_CreatesBalanceRow(t *testing.T) {
	ledger, st := setupLedger(t)
	ctx := context.Background()
	if err := st.CreateAccount(ctx, "newcomer"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	newBalance, err := ledger.Credit(ctx, "newcomer", 500, audit.EventEscrowRefunded, "p9")
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if newBalance != 500 {
		t.Errorf("Expected balance 500, got %d", newBalance)
	}
}

func TestConcurrentHolds_ExactlyOneWins(t *testing.T) {
	ledger, st := setupLedger(t)
	ctx := context.Background()
	seedBalance(t, st, "alice", 10_000)

	// Two holds of 8000 against a balance of 10000: the CAS retry loop must
	// let exactly one through, and the loser must see insufficient funds
	// after re-reading.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			_, err := ledger.Hold(ctx, "alice", 8_000, audit.EventEscrowHeld, ref)
			results <- err
		}(fmt.Sprintf("p%d", i))
	}
	wg.Wait()
	close(results)

	var wins, insufficient int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if wins != 1 || insufficient != 1 {
		t.Errorf("Expected 1 success and 1 insufficient, got %d/%d", wins, insufficient)
	}

	balance, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 2_000 {
		t.Errorf("Expected final balance 2000, got %d", balance)
	}
}

func TestMutate_Conservation(t *testing.T) {
	ledger, st := setupLedger(t)
	ctx := context.Background()
	seedBalance(t, st, "alice", 50_000)
	seedBalance(t, st, "bob", 0)

	// Move 5x1000 from alice to bob; totals must be preserved.
	for i := 0; i < 5; i++ {
		if _, err := ledger.Hold(ctx, "alice", 1_000, audit.EventEscrowHeld, "xfer"); err != nil {
			t.Fatalf("Hold failed: %v", err)
		}
		if _, err := ledger.Credit(ctx, "bob", 1_000, audit.EventEscrowReleased, "xfer"); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}

	aliceBal, _ := ledger.Balance(ctx, "alice")
	bobBal, _ := ledger.Balance(ctx, "bob")
	if aliceBal+bobBal != 50_000 {
		t.Errorf("Conservation violated: alice=%d bob=%d", aliceBal, bobBal)
	}
	if bobBal != 5_000 {
		t.Errorf("Expected bob to hold 5000, got %d", bobBal)
	}
}

func TestBalance_UnknownUserIsZero(t *testing.T) {
	ledger, _ := setupLedger(t)

	balance, err := ledger.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Expected zero balance for unknown user, got %d", balance)
	}
}
