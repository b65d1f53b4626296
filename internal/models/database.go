package models

import "time"

// Account represents a marketplace user as the ledger sees them.
type Account struct {
	Id        string    `db:"id"`
	IsBanned  bool      `db:"banned"`
	CreatedAt time.Time `db:"created_at"`
}

// BalanceRecord represents the current spendable balance for a user (hot data).
// Balance is in nanotons and must never go negative. Version is incremented by
// exactly one on every successful mutation and is the optimistic-concurrency
// fence for the conditional update.
type BalanceRecord struct {
	UserId    string    `db:"user_id"`
	Balance   int64     `db:"balance"`
	Version   int64     `db:"version"`
	LastRef   string    `db:"last_ref"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ChannelStatus is the listing state of a channel on the marketplace.
type ChannelStatus string

const (
	ChannelListed   ChannelStatus = "listed"
	ChannelFrozen   ChannelStatus = "frozen"
	ChannelSold     ChannelStatus = "sold"
	ChannelDelisted ChannelStatus = "delisted"
)

// Channel is the minimal channel view the escrow engine needs: who owns it,
// what it costs and whether it can be bought right now. Search, filtering and
// presentation live elsewhere.
type Channel struct {
	Id        string        `db:"id"`
	OwnerId   string        `db:"owner_id"`
	PriceNano int64         `db:"price"`
	Status    ChannelStatus `db:"status"`
	CreatedAt time.Time     `db:"created_at"`
}

// PurchaseStatus is the escrow lifecycle state of a purchase.
type PurchaseStatus string

const (
	PurchaseHeld            PurchaseStatus = "HELD"
	PurchaseSellerConfirmed PurchaseStatus = "SELLER_CONFIRMED"
	PurchaseVerified        PurchaseStatus = "VERIFIED"
	PurchaseCompleted       PurchaseStatus = "COMPLETED"
	PurchaseCancelled       PurchaseStatus = "CANCELLED"
	PurchaseRefunded        PurchaseStatus = "REFUNDED"
	PurchaseExpired         PurchaseStatus = "EXPIRED"
)

// Purchase is one escrow transaction for one channel sale. Purchases are never
// deleted, only transitioned to a terminal status.
type Purchase struct {
	Id                   string         `db:"id"`
	ChannelId            string         `db:"channel_id"`
	BuyerId              string         `db:"buyer_id"`
	SellerId             string         `db:"seller_id"`
	PriceNano            int64          `db:"price"`
	HeldAmountNano       int64          `db:"held_amount"`
	Status               PurchaseStatus `db:"status"`
	VerificationToken    string         `db:"verification_token"`
	VerificationDeadline time.Time      `db:"verification_deadline"`
	OriginalAssetIds     []string       `db:"original_assets"`
	SellerConfirmedAt    *time.Time     `db:"seller_confirmed_at"`
	FraudDetected        bool           `db:"fraud_detected"`
	RefundReason         string         `db:"refund_reason"`
	OwnershipVerified    bool           `db:"ownership_verified"`
	GiftsVerified        bool           `db:"gifts_verified"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// IsTerminal reports whether the purchase has reached a final state.
func (p *Purchase) IsTerminal() bool {
	switch p.Status {
	case PurchaseCompleted, PurchaseCancelled, PurchaseRefunded, PurchaseExpired:
		return true
	}
	return false
}

// IsActive reports whether the purchase still blocks the channel from being
// sold to someone else.
func (p *Purchase) IsActive() bool {
	return p.Status == PurchaseHeld || p.Status == PurchaseSellerConfirmed
}

// WithdrawalStatus is the settlement state of an outgoing-funds request.
type WithdrawalStatus string

const (
	WithdrawalPending     WithdrawalStatus = "pending"
	WithdrawalProcessing  WithdrawalStatus = "processing"
	WithdrawalAdminReview WithdrawalStatus = "admin_review"
	WithdrawalCompleted   WithdrawalStatus = "completed"
	WithdrawalFailed      WithdrawalStatus = "failed"
	WithdrawalCancelled   WithdrawalStatus = "cancelled"
	WithdrawalRejected    WithdrawalStatus = "rejected"
)

// Withdrawal is one outgoing-funds request. Funds are deducted at creation
// time, before any external broadcast is attempted; a failed broadcast credits
// back exactly the held amount.
type Withdrawal struct {
	Id                 string           `db:"id"`
	UserId             string           `db:"user_id"`
	DestinationAddress string           `db:"destination_address"`
	AmountNano         int64            `db:"amount"`
	Status             WithdrawalStatus `db:"status"`
	Message            string           `db:"message"`
	TxHash             string           `db:"tx_hash"`
	FailureReason      string           `db:"failure_reason"`
	Ip                 string           `db:"ip"`
	NeedsApproval      bool             `db:"needs_approval"`
	DailyUsedSnapshot  int64            `db:"daily_used_snapshot"`
	CreatedAt          time.Time        `db:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at"`
}

// AuditEntry is one immutable record of a financial event. Hash covers every
// field above it plus PreviousHash, so altering any stored entry breaks chain
// verification from that entry onward.
type AuditEntry struct {
	Seq          int64             `db:"seq" json:"seq"`
	Timestamp    time.Time         `db:"ts" json:"ts"`
	EventType    string            `db:"event_type" json:"event_type"`
	UserId       string            `db:"user_id" json:"user_id"`
	AmountNano   *int64            `db:"amount" json:"amount,omitempty"`
	RefId        string            `db:"ref_id" json:"ref_id,omitempty"`
	Metadata     map[string]string `db:"metadata" json:"metadata,omitempty"`
	Hash         string            `db:"hash" json:"hash"`
	PreviousHash string            `db:"previous_hash" json:"previous_hash"`
}

// UserWarning is one accumulated fraud/abuse record against a user. Reaching
// the configured warning threshold bans the user from creating purchases.
type UserWarning struct {
	Id                string    `db:"id"`
	UserId            string    `db:"user_id"`
	Reason            string    `db:"reason"`
	Description       string    `db:"description"`
	RelatedPurchaseId string    `db:"related_purchase_id"`
	CreatedAt         time.Time `db:"created_at"`
}
