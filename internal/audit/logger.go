// Package audit implements the hash-chained, append-only record of financial
// state transitions. Every entry's hash covers its own fields and the previous
// entry's hash, so silently altering any stored entry breaks verification for
// the rest of the chain. Appends are serialized through a single cursor; a
// failed append must abort the financial operation that triggered it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"

	"go.uber.org/zap"
)

// EventType enumerates the financial events that enter the chain.
type EventType string

const (
	EventEscrowHeld          EventType = "escrow_held"
	EventEscrowReleased      EventType = "escrow_released"
	EventEscrowRefunded      EventType = "escrow_refunded"
	EventWithdrawalRequested EventType = "withdrawal_requested"
	EventWithdrawalApproved  EventType = "withdrawal_approved"
	EventWithdrawalRejected  EventType = "withdrawal_rejected"
	EventWithdrawalCompleted EventType = "withdrawal_completed"
	EventWithdrawalFailed    EventType = "withdrawal_failed"
	EventFraudDetected       EventType = "fraud_detected"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
)

// ErrWriteFailed means the entry could not be made durable. The triggering
// financial operation must treat this as fatal and unwind.
var ErrWriteFailed = errors.New("audit write failed")

// Entry is the caller-facing shape of an audit event.
type Entry struct {
	EventType  EventType
	UserId     string
	AmountNano *int64
	RefId      string
	Metadata   map[string]string
}

// Logger appends entries to durable storage and an append-only file. The
// previousHash/seq cursor is the chain's single serialization point; all
// appends go through one mutex or the chain forks.
type Logger struct {
	mu       sync.Mutex
	store    store.Store
	file     *os.File
	prevHash string
	seq      int64
}

// NewLogger opens the append-only file and seeds the cursor from the last
// stored entry.
func NewLogger(ctx context.Context, st store.Store, filePath string) (*Logger, error) {
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("unable to open audit file %s: %w", filePath, err)
	}

	l := &Logger{store: st, file: file}
	last, err := st.LastAuditEntry(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Genesis: empty previous hash, seq starts at 1.
	case err != nil:
		file.Close()
		return nil, fmt.Errorf("unable to load audit cursor: %w", err)
	default:
		l.prevHash = last.Hash
		l.seq = last.Seq
	}

	zap.L().Info("Audit chain logger initialized",
		zap.String("file", filePath),
		zap.Int64("last_seq", l.seq))
	return l, nil
}

func (l *Logger) Close() {
	if err := l.file.Close(); err != nil {
		zap.L().Warn("Failed to close audit file", zap.Error(err))
	}
}

// Append makes the entry durable and returns its hash. On any storage failure
// the caller must fail its own operation; financial events without an audit
// trail are unacceptable.
func (l *Logger) Append(ctx context.Context, e Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &models.AuditEntry{
		Seq: l.seq + 1,
		// Microsecond precision: Postgres timestamps cannot hold nanoseconds,
		// and the hash must survive a storage round trip.
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
		EventType:    string(e.EventType),
		UserId:       e.UserId,
		AmountNano:   e.AmountNano,
		RefId:        e.RefId,
		Metadata:     e.Metadata,
		PreviousHash: l.prevHash,
	}
	rec.Hash = ComputeHash(rec)

	if err := l.store.AppendAuditEntry(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: %s", ErrWriteFailed, err)
	}

	// The row is durable from here on; the cursor advances and the entry
	// counts as committed. The file is a mirror for offline inspection, so a
	// failed file write is logged but does not fail the append; failing here
	// would make the ledger unwind a mutation whose chain entry already
	// exists.
	l.prevHash = rec.Hash
	l.seq = rec.Seq

	line, err := json.Marshal(rec)
	if err == nil {
		_, err = l.file.Write(append(line, '\n'))
	}
	if err != nil {
		zap.L().Error("Audit file write failed",
			zap.Int64("seq", rec.Seq),
			zap.Error(err))
	}

	return rec.Hash, nil
}

// VerifyChain replays entries [fromSeq, toSeq] against the logger's store.
func (l *Logger) VerifyChain(ctx context.Context, fromSeq, toSeq int64) (*VerifyResult, error) {
	return Verify(ctx, l.store, fromSeq, toSeq)
}

// VerifyResult reports the outcome of a chain verification run. FromSeq and
// ToSeq are the resolved bounds actually checked; FirstBadSeq is zero when the
// chain is intact.
type VerifyResult struct {
	Ok          bool
	Entries     int
	FromSeq     int64
	ToSeq       int64
	FirstBadSeq int64
	Reason      string
}

// Verify recomputes every hash in [fromSeq, toSeq] from the stored fields and
// the preceding entry's hash, reporting the first mismatch found. It needs no
// cursor and is safe to run concurrently with appends.
func Verify(ctx context.Context, st store.Store, fromSeq, toSeq int64) (*VerifyResult, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq < fromSeq {
		max, err := st.MaxAuditSeq(ctx)
		if err != nil {
			return nil, err
		}
		toSeq = max
	}

	entries, err := st.ListAuditEntries(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}

	prev := ""
	if fromSeq > 1 {
		seed, err := st.ListAuditEntries(ctx, fromSeq-1, fromSeq-1)
		if err != nil {
			return nil, err
		}
		if len(seed) != 1 {
			return nil, fmt.Errorf("cannot seed verification: entry %d missing", fromSeq-1)
		}
		prev = seed[0].Hash
	}

	result := &VerifyResult{Ok: true, Entries: len(entries), FromSeq: fromSeq, ToSeq: toSeq}
	expectedSeq := fromSeq
	for i := range entries {
		e := &entries[i]
		if e.Seq != expectedSeq {
			result.Ok = false
			result.FirstBadSeq = e.Seq
			result.Reason = fmt.Sprintf("sequence gap: expected %d, found %d", expectedSeq, e.Seq)
			return result, nil
		}
		if e.PreviousHash != prev {
			result.Ok = false
			result.FirstBadSeq = e.Seq
			result.Reason = "previous-hash link broken"
			return result, nil
		}
		if recomputed := ComputeHash(e); recomputed != e.Hash {
			result.Ok = false
			result.FirstBadSeq = e.Seq
			result.Reason = "stored hash does not match recomputed hash"
			return result, nil
		}
		prev = e.Hash
		expectedSeq++
	}
	return result, nil
}

// ComputeHash derives the entry hash from a canonical serialization of its
// fields concatenated with the previous entry's hash. encoding/json sorts map
// keys, which keeps the metadata portion deterministic.
func ComputeHash(e *models.AuditEntry) string {
	amount := ""
	if e.AmountNano != nil {
		amount = strconv.FormatInt(*e.AmountNano, 10)
	}
	meta, _ := json.Marshal(e.Metadata)

	canonical := strings.Join([]string{
		strconv.FormatInt(e.Seq, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.EventType,
		e.UserId,
		amount,
		e.RefId,
		string(meta),
	}, "|")

	sum := sha256.Sum256([]byte(canonical + e.PreviousHash))
	return hex.EncodeToString(sum[:])
}
