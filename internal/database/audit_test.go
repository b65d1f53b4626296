package database

import (
	"context"
	"path/filepath"
	"testing"

	"channel-escrow-go/internal/audit"
)

// Tamper tests live here because they need raw SQL access to the audit table,
// which only this package has.

func appendThree(t *testing.T, service *Service) {
	t.Helper()
	logger, err := audit.NewLogger(context.Background(), service, filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	for _, user := range []string{"alice", "bob", "carol"} {
		if _, err := logger.Append(context.Background(), audit.Entry{
			EventType: audit.EventEscrowHeld,
			UserId:    user,
			RefId:     "p1",
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
}

func TestVerify_DetectsFieldTamper(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	appendThree(t, service)

	if _, err := service.db.ExecContext(ctx, `UPDATE audit_log SET user_id = 'mallory' WHERE seq = 2`); err != nil {
		t.Fatalf("Tamper update failed: %v", err)
	}

	result, err := audit.Verify(ctx, service, 1, 0)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Ok {
		t.Fatal("Expected verification to fail after field tamper")
	}
	if result.FirstBadSeq != 2 {
		t.Errorf("Expected first bad seq 2, got %d", result.FirstBadSeq)
	}
}

func TestVerify_DetectsRehashTamper(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	appendThree(t, service)

	// An attacker who alters a field AND recomputes that entry's hash still
	// breaks the next entry's previous-hash link.
	if _, err := service.db.ExecContext(ctx,
		`UPDATE audit_log SET user_id = 'mallory', hash = 'deadbeef' WHERE seq = 2`); err != nil {
		t.Fatalf("Tamper update failed: %v", err)
	}

	result, err := audit.Verify(ctx, service, 1, 0)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Ok {
		t.Fatal("Expected verification to fail after rehash tamper")
	}
}

func TestVerify_DetectsDeletedEntry(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	appendThree(t, service)

	if _, err := service.db.ExecContext(ctx, `DELETE FROM audit_log WHERE seq = 2`); err != nil {
		t.Fatalf("Tamper delete failed: %v", err)
	}

	result, err := audit.Verify(ctx, service, 1, 0)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Ok {
		t.Fatal("Expected verification to fail after entry deletion")
	}
	if result.FirstBadSeq != 3 {
		t.Errorf("Expected gap detected at seq 3, got %d", result.FirstBadSeq)
	}
}
