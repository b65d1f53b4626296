package audit

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"channel-escrow-go/internal/database"
	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"
)

func setupLogger(t *testing.T) (*Logger, store.Store, string) {
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

	filePath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewLogger(context.Background(), st, filePath)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	t.Cleanup(logger.Close)

	return logger, st, filePath
}

func amountPtr(v int64) *int64 { return &v }

func TestAppend_BuildsLinkedChain(t *testing.T) {
	logger, st, _ := setupLogger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := logger.Append(ctx, Entry{
			EventType:  EventEscrowHeld,
			UserId:     "alice",
			AmountNano: amountPtr(-100),
			RefId:      "p1",
		}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	entries, err := st.ListAuditEntries(ctx, 1, 3)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].PreviousHash != "" {
		t.Errorf("Expected genesis entry to have empty previous hash, got %q", entries[0].PreviousHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousHash != entries[i-1].Hash {
			t.Errorf("Entry %d previous hash does not match entry %d hash", i+1, i)
		}
	}

	result, err := logger.VerifyChain(ctx, 1, 3)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !result.Ok {
		t.Errorf("Expected intact chain, got %+v", result)
	}
}

func TestAppend_Concurrent(t *testing.T) {
	logger, st, _ := setupLogger(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := logger.Append(ctx, Entry{
				EventType: EventSuspiciousActivity,
				UserId:    "bob",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Concurrent append failed: %v", err)
		}
	}

	max, err := st.MaxAuditSeq(ctx)
	if err != nil {
		t.Fatalf("MaxAuditSeq failed: %v", err)
	}
	if max != workers {
		t.Errorf("Expected max seq %d, got %d", workers, max)
	}

	result, err := Verify(ctx, st, 1, 0)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Ok {
		t.Errorf("Expected intact chain after concurrent appends, got %+v", result)
	}
}

func TestNewLogger_ResumesCursor(t *testing.T) {
	logger, st, filePath := setupLogger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := logger.Append(ctx, Entry{EventType: EventEscrowHeld, UserId: "alice"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// A fresh logger over the same store must continue at seq 3, not fork.
	resumed, err := NewLogger(ctx, st, filePath)
	if err != nil {
		t.Fatalf("Failed to create resumed logger: %v", err)
	}
	defer resumed.Close()

	if _, err := resumed.Append(ctx, Entry{EventType: EventEscrowReleased, UserId: "bob"}); err != nil {
		t.Fatalf("Append on resumed logger failed: %v", err)
	}

	result, err := Verify(ctx, st, 1, 0)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Ok || result.Entries != 3 {
		t.Errorf("Expected intact 3-entry chain after resume, got %+v", result)
	}
}

func TestAppend_WritesFileLines(t *testing.T) {
	logger, _, filePath := setupLogger(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := logger.Append(ctx, Entry{EventType: EventWithdrawalRequested, UserId: "alice"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	f, err := os.Open(filePath)
	if err != nil {
		t.Fatalf("Failed to open audit file: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if lines != 4 {
		t.Errorf("Expected 4 audit file lines, got %d", lines)
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	e := &models.AuditEntry{
		Seq:          1,
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EventType:    string(EventEscrowHeld),
		UserId:       "alice",
		AmountNano:   amountPtr(-500),
		RefId:        "p1",
		Metadata:     map[string]string{"b": "2", "a": "1"},
		PreviousHash: "",
	}
	first := ComputeHash(e)
	second := ComputeHash(e)
	if first != second {
		t.Errorf("Expected deterministic hash, got %s and %s", first, second)
	}

	e.UserId = "bob"
	if ComputeHash(e) == first {
		t.Error("Expected hash to change when a covered field changes")
	}
}
