package withdrawal

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"channel-escrow-go/internal/audit"
	"channel-escrow-go/internal/database"
	"channel-escrow-go/internal/ledger"
	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"
)

const ton = 1_000_000_000

// Friendly-form TON address: 48 base64url characters.
var testAddress = "UQ" + strings.Repeat("A", 46)

type stubBroadcaster struct {
	mu     sync.Mutex
	txHash string
	err    error
	delay  time.Duration
	calls  int
}

func (b *stubBroadcaster) Broadcast(ctx context.Context, _ *models.Withdrawal) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(b.delay):
		}
	}
	if b.err != nil {
		return "", b.err
	}
	return b.txHash, nil
}

type withdrawalFixture struct {
	service     *Service
	store       store.Store
	ledger      *ledger.Ledger
	broadcaster *stubBroadcaster
}

func testConfig() models.WithdrawalConfig {
	return models.WithdrawalConfig{
		MinAmountNano:    1 * ton,
		PerTxLimitNano:   10 * ton,
		DailyLimitNano:   20 * ton,
		AdminReviewNano:  5 * ton,
		MaxPending:       3,
		Cooldown:         0,
		BroadcastTimeout: time.Second,
		QueueSize:        8,
	}
}

func setupWithdrawal(t *testing.T, cfg models.WithdrawalConfig) *withdrawalFixture {
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

	broadcaster := &stubBroadcaster{txHash: "tx-abc"}
	lg := ledger.New(st, logger)
	return &withdrawalFixture{
		service:     NewService(st, lg, logger, broadcaster, cfg),
		store:       st,
		ledger:      lg,
		broadcaster: broadcaster,
	}
}

func (f *withdrawalFixture) seedUser(t *testing.T, userId string, balance int64) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateAccount(ctx, userId); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := f.store.EnsureBalance(ctx, userId); err != nil {
		t.Fatalf("EnsureBalance failed: %v", err)
	}
	if balance > 0 {
		applied, err := f.store.UpdateBalanceCAS(ctx, userId, balance, "seed", 1)
		if err != nil || !applied {
			t.Fatalf("Seeding balance failed: applied=%v err=%v", applied, err)
		}
	}
}

func TestRequest_GateOrder(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 100*ton)

	tests := []struct {
		name    string
		amount  int64
		address string
		wantErr error
	}{
		{"below minimum", ton / 2, testAddress, ErrBelowMinimum},
		{"over per-tx limit", 11 * ton, testAddress, ErrOverPerTxLimit},
		{"bad address", 2 * ton, "not-an-address", ErrInvalidAddress},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Request(ctx, "alice", tc.address, tc.amount, "1.2.3.4", "")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	// A gated request leaves no record and no hold.
	open, _ := f.store.CountOpenWithdrawals(ctx, "alice")
	if open != 0 {
		t.Errorf("Expected no withdrawal records after gate failures, got %d", open)
	}
	balance, _ := f.ledger.Balance(ctx, "alice")
	if balance != 100*ton {
		t.Errorf("Expected balance untouched, got %d", balance)
	}
}

func TestRequest_RawAddressAccepted(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	f.seedUser(t, "alice", 100*ton)

	raw := "0:" + strings.Repeat("ab12", 16)
	if _, err := f.service.Request(context.Background(), "alice", raw, 2*ton, "", ""); err != nil {
		t.Errorf("Expected raw-form address to pass, got %v", err)
	}
}

func TestRequest_HoldsFunds(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 10*ton)

	w, err := f.service.Request(ctx, "alice", testAddress, 4*ton, "1.2.3.4", "")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if w.Status != models.WithdrawalPending || w.NeedsApproval {
		t.Errorf("Expected pending withdrawal below review threshold, got %+v", w)
	}

	balance, _ := f.ledger.Balance(ctx, "alice")
	if balance != 6*ton {
		t.Errorf("Expected 6 TON after hold, got %d", balance)
	}
}

func TestRequest_InsufficientFundsLeavesNoRecord(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 2*ton)

	_, err := f.service.Request(ctx, "alice", testAddress, 5*ton, "", "")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	open, _ := f.store.CountOpenWithdrawals(ctx, "alice")
	if open != 0 {
		t.Errorf("Expected no record after failed hold, got %d", open)
	}
}

func TestRequest_MaxPending(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 100*ton)

	for i := 0; i < 3; i++ {
		if _, err := f.service.Request(ctx, "alice", testAddress, 2*ton, "", ""); err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
	}
	if _, err := f.service.Request(ctx, "alice", testAddress, 2*ton, "", ""); !errors.Is(err, ErrTooManyPending) {
		t.Errorf("Expected ErrTooManyPending on fourth open request, got %v", err)
	}
}

func TestRequest_Cooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = time.Hour
	f := setupWithdrawal(t, cfg)
	ctx := context.Background()
	f.seedUser(t, "alice", 100*ton)

	if _, err := f.service.Request(ctx, "alice", testAddress, 2*ton, "", ""); err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	if _, err := f.service.Request(ctx, "alice", testAddress, 2*ton, "", ""); !errors.Is(err, ErrCooldownActive) {
		t.Errorf("Expected ErrCooldownActive, got %v", err)
	}

	// The rate-limit event enters the audit chain.
	entries, err := f.store.ListAuditEntries(ctx, 1, 100)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.EventType == string(audit.EventRateLimitExceeded) {
			found = true
		}
	}
	if !found {
		t.Error("Expected a rate_limit_exceeded audit entry")
	}
}

func TestRequest_DailyLimit(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 100*ton)

	// 15 TON already completed today.
	w, err := f.service.Request(ctx, "alice", testAddress, 8*ton, "", "")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if err := f.service.Process(ctx, w.Id); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	w2, err := f.service.Request(ctx, "alice", testAddress, 7*ton, "", "")
	if err != nil {
		t.Fatalf("Second request failed: %v", err)
	}
	if err := f.service.Process(ctx, w2.Id); err != nil {
		t.Fatalf("Second process failed: %v", err)
	}

	if _, err := f.service.Request(ctx, "alice", testAddress, 6*ton, "", ""); !errors.Is(err, ErrOverDailyLimit) {
		t.Errorf("Expected ErrOverDailyLimit, got %v", err)
	}
}

func TestProcess_CompletesAndAudits(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 10*ton)

	w, err := f.service.Request(ctx, "alice", testAddress, 4*ton, "", "")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if err := f.service.Process(ctx, w.Id); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	stored, _ := f.store.GetWithdrawal(ctx, w.Id)
	if stored.Status != models.WithdrawalCompleted || stored.TxHash != "tx-abc" {
		t.Errorf("Expected completed with tx hash, got %+v", stored)
	}

	// Funds stay deducted; completion does not move money again.
	balance, _ := f.ledger.Balance(ctx, "alice")
	if balance != 6*ton {
		t.Errorf("Expected balance 6 TON after completion, got %d", balance)
	}

	entries, _ := f.store.ListAuditEntries(ctx, 1, 100)
	var sawCompleted bool
	for _, e := range entries {
		if e.EventType == string(audit.EventWithdrawalCompleted) && e.RefId == w.Id {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Error("Expected withdrawal_completed audit entry")
	}
}

func TestProcess_BroadcastFailureRefunds(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 10*ton)
	f.broadcaster.err = errors.New("node unreachable")

	w, err := f.service.Request(ctx, "alice", testAddress, 4*ton, "", "")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if err := f.service.Process(ctx, w.Id); err == nil {
		t.Fatal("Expected Process to report broadcast failure")
	}

	stored, _ := f.store.GetWithdrawal(ctx, w.Id)
	if stored.Status != models.WithdrawalFailed {
		t.Errorf("Expected failed status, got %s", stored.Status)
	}
	if stored.FailureReason == "" {
		t.Error("Expected a failure reason")
	}

	balance, _ := f.ledger.Balance(ctx, "alice")
	if balance != 10*ton {
		t.Errorf("Expected full refund to 10 TON, got %d", balance)
	}
}

func TestProcess_ConcurrentCallsSingleBroadcast(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 10*ton)
	f.broadcaster.delay = 50 * time.Millisecond

	w, err := f.service.Request(ctx, "alice", testAddress, 4*ton, "", "")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.service.Process(ctx, w.Id)
		}()
	}
	wg.Wait()
	close(results)

	var dropped int
	for err := range results {
		if errors.Is(err, ErrAlreadyProcessing) {
			dropped++
		} else if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if dropped != 3 {
		t.Errorf("Expected 3 duplicate callers dropped, got %d", dropped)
	}
	if f.broadcaster.calls != 1 {
		t.Errorf("Expected exactly one broadcast, got %d", f.broadcaster.calls)
	}
}

func TestRequest_AdminReviewThreshold(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 100*ton)

	w, err := f.service.Request(ctx, "alice", testAddress, 6*ton, "", "")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if w.Status != models.WithdrawalAdminReview || !w.NeedsApproval {
		t.Fatalf("Expected admin_review above threshold, got %+v", w)
	}

	// Processing a parked withdrawal is a no-op.
	if err := f.service.Process(ctx, w.Id); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	stored, _ := f.store.GetWithdrawal(ctx, w.Id)
	if stored.Status != models.WithdrawalAdminReview {
		t.Errorf("Expected withdrawal to stay in admin_review, got %s", stored.Status)
	}
	if f.broadcaster.calls != 0 {
		t.Errorf("Expected no broadcast before approval, got %d", f.broadcaster.calls)
	}
}

func TestApprove_ThenProcess(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 100*ton)

	w, err := f.service.Request(ctx, "alice", testAddress, 6*ton, "", "")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	approved, err := f.service.Approve(ctx, w.Id, "admin-1")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if approved.Status != models.WithdrawalPending {
		t.Errorf("Expected pending after approval, got %s", approved.Status)
	}

	if err := f.service.Process(ctx, w.Id); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	stored, _ := f.store.GetWithdrawal(ctx, w.Id)
	if stored.Status != models.WithdrawalCompleted {
		t.Errorf("Expected completed, got %s", stored.Status)
	}

	// Approving twice is rejected.
	if _, err := f.service.Approve(ctx, w.Id, "admin-1"); !errors.Is(err, ErrNotReviewable) {
		t.Errorf("Expected ErrNotReviewable on double approve, got %v", err)
	}
}

func TestRequeuePending_RecoversInterruptedProcessing(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 10*ton)

	w, err := f.service.Request(ctx, "alice", testAddress, 2*ton, "", "")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	// Drain the enqueue from Request, then simulate a crash between claiming
	// the withdrawal and recording the broadcast outcome.
	<-f.service.queue
	w.Status = models.WithdrawalProcessing
	if err := f.store.UpdateWithdrawal(ctx, w); err != nil {
		t.Fatalf("UpdateWithdrawal failed: %v", err)
	}

	if err := f.service.requeuePending(ctx); err != nil {
		t.Fatalf("requeuePending failed: %v", err)
	}

	stored, _ := f.store.GetWithdrawal(ctx, w.Id)
	if stored.Status != models.WithdrawalPending {
		t.Fatalf("Expected interrupted withdrawal back in pending, got %s", stored.Status)
	}

	select {
	case id := <-f.service.queue:
		if id != w.Id {
			t.Errorf("Expected %s requeued, got %s", w.Id, id)
		}
	default:
		t.Fatal("Expected recovered withdrawal in the queue")
	}

	// The recovered row processes normally from here.
	if err := f.service.Process(ctx, w.Id); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	final, _ := f.store.GetWithdrawal(ctx, w.Id)
	if final.Status != models.WithdrawalCompleted {
		t.Errorf("Expected completed after recovery, got %s", final.Status)
	}
}

func TestReject_RefundsHold(t *testing.T) {
	f := setupWithdrawal(t, testConfig())
	ctx := context.Background()
	f.seedUser(t, "alice", 100*ton)

	w, err := f.service.Request(ctx, "alice", testAddress, 6*ton, "", "")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	rejected, err := f.service.Reject(ctx, w.Id, "admin-1", "sanctioned address")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if rejected.Status != models.WithdrawalRejected || rejected.FailureReason != "sanctioned address" {
		t.Errorf("Expected rejected with reason, got %+v", rejected)
	}

	balance, _ := f.ledger.Balance(ctx, "alice")
	if balance != 100*ton {
		t.Errorf("Expected full refund after rejection, got %d", balance)
	}
	if f.broadcaster.calls != 0 {
		t.Errorf("Expected no broadcast for rejected withdrawal, got %d", f.broadcaster.calls)
	}
}
