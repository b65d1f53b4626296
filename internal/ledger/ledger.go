// Package ledger is the single entry point for mutating user balances. Every
// hold and credit is a conditional update fenced by the balance row's version
// counter, retried a bounded number of times on conflict, and committed only
// once the matching audit entry is durable.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channel-escrow-go/internal/audit"
	"channel-escrow-go/internal/store"

	"go.uber.org/zap"
)

const (
	// Bounded retries absorb transient optimistic-lock conflicts without
	// letting a contended row stall the request indefinitely.
	maxAttempts = 3
	backoffBase = 100 * time.Millisecond

	compensateAttempts = 5
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

type Ledger struct {
	store store.Store
	audit *audit.Logger
}

func New(st store.Store, al *audit.Logger) *Ledger {
	return &Ledger{store: st, audit: al}
}

// Hold deducts amount from the user's spendable balance, failing with
// ErrInsufficientFunds when the balance would go negative. The event names the
// business meaning of the deduction (escrow held, withdrawal requested) and
// ref ties it to the purchase or withdrawal. Returns the new balance.
func (l *Ledger) Hold(ctx context.Context, userId string, amount int64, event audit.EventType, ref string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.mutate(ctx, userId, -amount, event, ref)
}

// Credit adds amount to the user's spendable balance. Returns the new balance.
func (l *Ledger) Credit(ctx context.Context, userId string, amount int64, event audit.EventType, ref string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.mutate(ctx, userId, amount, event, ref)
}

// Balance returns the user's current spendable balance.
func (l *Ledger) Balance(ctx context.Context, userId string) (int64, error) {
	rec, err := l.store.GetBalance(ctx, userId)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Balance, nil
}

func (l *Ledger) mutate(ctx context.Context, userId string, delta int64, event audit.EventType, ref string) (int64, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec, err := l.store.GetBalance(ctx, userId)
		if errors.Is(err, store.ErrNotFound) {
			if err := l.store.EnsureBalance(ctx, userId); err != nil {
				return 0, err
			}
			rec, err = l.store.GetBalance(ctx, userId)
			if err != nil {
				return 0, err
			}
		} else if err != nil {
			return 0, err
		}

		newBalance := rec.Balance + delta
		if newBalance < 0 {
			return 0, fmt.Errorf("balance %d cannot cover %d: %w", rec.Balance, -delta, ErrInsufficientFunds)
		}

		applied, err := l.store.UpdateBalanceCAS(ctx, userId, newBalance, ref, rec.Version)
		if err != nil {
			return 0, err
		}
		if !applied {
			zap.L().Debug("Balance mutation lost optimistic-lock race, retrying",
				zap.String("user_id", userId),
				zap.Int("attempt", attempt))
			if err := sleepCtx(ctx, backoffBase*time.Duration(attempt)); err != nil {
				return 0, err
			}
			continue
		}

		// The mutation is not committed until the audit entry is durable. If
		// the audit write fails, the balance change is reversed and the caller
		// sees the operation fail as a whole.
		amt := delta
		if _, err := l.audit.Append(ctx, audit.Entry{
			EventType:  event,
			UserId:     userId,
			AmountNano: &amt,
			RefId:      ref,
		}); err != nil {
			l.compensate(ctx, userId, -delta, ref)
			return 0, err
		}

		return newBalance, nil
	}

	return 0, fmt.Errorf("balance mutation for %s: retries exhausted: %w", userId, store.ErrConcurrentModification)
}

// compensate reverses a balance change whose audit entry could not be written.
// It deliberately bypasses the audit fence: the original mutation was never
// committed from the caller's point of view.
func (l *Ledger) compensate(ctx context.Context, userId string, delta int64, ref string) {
	for attempt := 1; attempt <= compensateAttempts; attempt++ {
		rec, err := l.store.GetBalance(ctx, userId)
		if err != nil {
			zap.L().Error("Compensation read failed", zap.String("user_id", userId), zap.Error(err))
			return
		}
		applied, err := l.store.UpdateBalanceCAS(ctx, userId, rec.Balance+delta, ref+"-unwind", rec.Version)
		if err != nil {
			zap.L().Error("Compensation write failed", zap.String("user_id", userId), zap.Error(err))
			return
		}
		if applied {
			return
		}
		if err := sleepCtx(ctx, backoffBase*time.Duration(attempt)); err != nil {
			return
		}
	}
	zap.L().Error("Compensation retries exhausted; balance requires manual reconciliation",
		zap.String("user_id", userId),
		zap.Int64("delta", delta),
		zap.String("ref", ref))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
