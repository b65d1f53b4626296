package store

import (
	"context"
	"errors"
	"time"

	"channel-escrow-go/internal/models"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNotFound               = errors.New("record not found")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrDuplicate              = errors.New("conflicting record already exists")
)

// Store defines the contract that every storage backend (SQLite, Postgres)
// must satisfy. Balances are only ever mutated through UpdateBalanceCAS; the
// ledger owns the retry policy around it.
type Store interface {
	// --- Accounts ---
	CreateAccount(ctx context.Context, userId string) error
	GetAccount(ctx context.Context, userId string) (*models.Account, error)
	SetBanned(ctx context.Context, userId string, banned bool) error

	// --- Balances ---
	// GetBalance returns ErrNotFound when the user has no balance row yet;
	// EnsureBalance creates the zero row if absent (insert-if-missing).
	GetBalance(ctx context.Context, userId string) (*models.BalanceRecord, error)
	EnsureBalance(ctx context.Context, userId string) error
	// UpdateBalanceCAS applies the new balance only if the row's version still
	// equals expectedVersion, incrementing the version by one. It reports
	// whether exactly one row changed; false means a concurrent writer won.
	UpdateBalanceCAS(ctx context.Context, userId string, newBalance int64, ref string, expectedVersion int64) (bool, error)

	// --- Channels ---
	CreateChannel(ctx context.Context, ch *models.Channel) error
	GetChannel(ctx context.Context, channelId string) (*models.Channel, error)
	SetChannelStatus(ctx context.Context, channelId string, status models.ChannelStatus) error

	// --- Purchases ---
	// CreatePurchase fails with ErrDuplicate when the channel already has a
	// purchase in HELD or SELLER_CONFIRMED (enforced in a single statement).
	CreatePurchase(ctx context.Context, p *models.Purchase) error
	GetPurchase(ctx context.Context, purchaseId string) (*models.Purchase, error)
	UpdatePurchase(ctx context.Context, p *models.Purchase) error
	// TransitionPurchase writes p only if the stored row is still in the from
	// status, in the same rows-affected idiom as UpdateBalanceCAS. It returns
	// ErrConcurrentModification when another writer moved the purchase first;
	// exactly one of two racing transitions can win.
	TransitionPurchase(ctx context.Context, p *models.Purchase, from models.PurchaseStatus) error
	ListDuePurchases(ctx context.Context, before time.Time, limit int) ([]models.Purchase, error)

	// --- Withdrawals ---
	CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error
	GetWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error
	ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus, limit int) ([]models.Withdrawal, error)
	CountOpenWithdrawals(ctx context.Context, userId string) (int, error)
	LastWithdrawalAt(ctx context.Context, userId string) (*time.Time, error)
	SumCompletedWithdrawalsSince(ctx context.Context, userId string, since time.Time) (int64, error)

	// --- Warnings ---
	// AddWarning records the warning and returns the user's total warning count.
	AddWarning(ctx context.Context, w *models.UserWarning) (int, error)
	WarningCount(ctx context.Context, userId string) (int, error)

	// --- Audit chain ---
	AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error
	LastAuditEntry(ctx context.Context) (*models.AuditEntry, error)
	ListAuditEntries(ctx context.Context, fromSeq, toSeq int64) ([]models.AuditEntry, error)
	MaxAuditSeq(ctx context.Context) (int64, error)

	// --- Lifecycle ---
	Close()
}
