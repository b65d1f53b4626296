// Package escrow owns the purchase lifecycle: hold buyer funds, collect the
// seller's confirmation, verify the transfer against externally-observed
// facts, then settle to the seller or refund the buyer. All money movement
// goes through the balance ledger; every transition that moves money is
// audited or it does not commit.
package escrow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"channel-escrow-go/internal/audit"
	"channel-escrow-go/internal/fraud"
	"channel-escrow-go/internal/ledger"
	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"

	"go.uber.org/zap"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrStateConflict       = errors.New("operation invalid for current purchase status")
	ErrDeadlineExpired     = errors.New("verification deadline expired")
	ErrFraudDetected       = errors.New("fraud detected")
	ErrBuyerBanned         = errors.New("buyer is banned from purchasing")
	ErrExternalUnavailable = errors.New("external service unavailable")
)

// GracePeriodError is returned when verification is attempted before the
// post-confirmation grace period has elapsed. The caller should retry after
// MinutesLeft.
type GracePeriodError struct {
	MinutesLeft int
}

func (e *GracePeriodError) Error() string {
	return fmt.Sprintf("verification locked for %d more minutes", e.MinutesLeft)
}

// OwnershipOracle supplies the externally-observed channel owner fact. It may
// be stale or temporarily unavailable; unavailability is never treated as
// fraud.
type OwnershipOracle interface {
	IsCurrentOwner(ctx context.Context, channelId, candidateUserId string) (bool, error)
}

// SnapshotSource supplies a channel's current collectible-asset id list. Read
// once at purchase creation (frozen) and again at verification time.
type SnapshotSource interface {
	CurrentAssetIds(ctx context.Context, channelId string) ([]string, error)
}

// Notifier is fire-and-forget; the core never blocks on it.
type Notifier interface {
	Notify(ctx context.Context, userId, event string, payload map[string]string)
}

type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	audit    *audit.Logger
	oracle   OwnershipOracle
	snapshot SnapshotSource
	notifier Notifier
	cfg      models.EscrowConfig
}

func NewService(st store.Store, lg *ledger.Ledger, al *audit.Logger,
	oracle OwnershipOracle, snapshot SnapshotSource, notifier Notifier,
	cfg models.EscrowConfig) *Service {
	return &Service{
		store:    st,
		ledger:   lg,
		audit:    al,
		oracle:   oracle,
		snapshot: snapshot,
		notifier: notifier,
		cfg:      cfg,
	}
}

// CreatePurchase opens an escrow purchase: it gates on ban status, listing
// state and price bounds, freezes the channel's asset snapshot, holds the
// buyer's funds and creates the HELD purchase record. The channel is frozen so
// it cannot be bought twice.
func (s *Service) CreatePurchase(ctx context.Context, buyerId, channelId string) (*models.Purchase, error) {
	acct, err := s.store.GetAccount(ctx, buyerId)
	if err != nil {
		return nil, err
	}
	if acct.IsBanned {
		return nil, ErrBuyerBanned
	}

	ch, err := s.store.GetChannel(ctx, channelId)
	if err != nil {
		return nil, err
	}
	if ch.Status != models.ChannelListed {
		return nil, fmt.Errorf("channel %s is %s: %w", channelId, ch.Status, ErrStateConflict)
	}
	if ch.OwnerId == buyerId {
		return nil, fmt.Errorf("cannot buy own channel: %w", ErrValidation)
	}
	if ch.PriceNano < s.cfg.MinPriceNano || ch.PriceNano > s.cfg.MaxPriceNano {
		return nil, fmt.Errorf("price %d outside allowed bounds: %w", ch.PriceNano, ErrValidation)
	}

	assetIds, err := s.snapshot.CurrentAssetIds(ctx, channelId)
	if err != nil {
		return nil, fmt.Errorf("%w: asset snapshot: %s", ErrExternalUnavailable, err)
	}

	token, err := newVerificationToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &models.Purchase{
		Id:                   purchaseId(channelId, buyerId, ch.OwnerId, ch.PriceNano, now),
		ChannelId:            channelId,
		BuyerId:              buyerId,
		SellerId:             ch.OwnerId,
		PriceNano:            ch.PriceNano,
		HeldAmountNano:       ch.PriceNano,
		Status:               models.PurchaseHeld,
		VerificationToken:    token,
		VerificationDeadline: now.Add(s.cfg.VerificationWindow),
		OriginalAssetIds:     assetIds,
		CreatedAt:            now,
	}

	// Funds first: the hold carries the balance check. If the purchase record
	// cannot be created afterwards, the hold is released again.
	if _, err := s.ledger.Hold(ctx, buyerId, p.HeldAmountNano, audit.EventEscrowHeld, p.Id); err != nil {
		return nil, err
	}

	if err := s.store.CreatePurchase(ctx, p); err != nil {
		if _, cerr := s.ledger.Credit(ctx, buyerId, p.HeldAmountNano, audit.EventEscrowRefunded, p.Id); cerr != nil {
			zap.L().Error("Failed to release hold after purchase creation failure",
				zap.String("purchase_id", p.Id),
				zap.Error(cerr))
		}
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("channel already has an open purchase: %w", ErrStateConflict)
		}
		return nil, err
	}

	if err := s.store.SetChannelStatus(ctx, channelId, models.ChannelFrozen); err != nil {
		zap.L().Warn("Failed to freeze channel after purchase creation",
			zap.String("channel_id", channelId),
			zap.Error(err))
	}

	zap.L().Info("Purchase created",
		zap.String("purchase_id", p.Id),
		zap.String("channel_id", channelId),
		zap.String("buyer_id", buyerId),
		zap.String("seller_id", p.SellerId),
		zap.Int64("price", p.PriceNano))

	s.notifyAsync(ctx, p.SellerId, "purchase_created", map[string]string{"purchase_id": p.Id})
	return p, nil
}

// ConfirmTransfer records the seller's claim that the channel has been handed
// over. Only the seller may confirm; no funds move.
func (s *Service) ConfirmTransfer(ctx context.Context, purchaseId, callerId string) (*models.Purchase, error) {
	p, err := s.store.GetPurchase(ctx, purchaseId)
	if err != nil {
		return nil, err
	}
	if callerId != p.SellerId {
		return nil, fmt.Errorf("only the seller may confirm transfer: %w", ErrUnauthorized)
	}
	if p.Status != models.PurchaseHeld {
		return nil, fmt.Errorf("cannot confirm transfer from %s: %w", p.Status, ErrStateConflict)
	}

	now := time.Now().UTC()
	p.Status = models.PurchaseSellerConfirmed
	p.SellerConfirmedAt = &now
	if err := s.transition(ctx, p, models.PurchaseHeld); err != nil {
		return nil, err
	}

	zap.L().Info("Seller confirmed transfer",
		zap.String("purchase_id", p.Id),
		zap.String("seller_id", p.SellerId))

	s.notifyAsync(ctx, p.BuyerId, "transfer_confirmed", map[string]string{"purchase_id": p.Id})
	return p, nil
}

// VerifyParams are the inputs to a verification attempt.
type VerifyParams struct {
	PurchaseId string
	Token      string
	// Override skips the grace period and token check; reserved for
	// admin/system callers.
	Override bool
}

// VerifyResult reports how a verification attempt ended. Exactly one of
// Completed, RetryLater or FraudDetected is set on a non-error return path;
// the fraud path additionally returns ErrFraudDetected.
type VerifyResult struct {
	Purchase      *models.Purchase
	Completed     bool
	RetryLater    bool
	Reason        string
	FraudDetected bool
	FeeNano       int64
}

// VerifyPurchase runs the full verification protocol: grace period, token,
// ownership transfer, asset integrity. Success settles funds to the seller
// minus the platform fee; asset tampering cancels the purchase, refunds the
// buyer in full and records a warning against the seller.
func (s *Service) VerifyPurchase(ctx context.Context, params VerifyParams) (*VerifyResult, error) {
	p, err := s.store.GetPurchase(ctx, params.PurchaseId)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case models.PurchaseSellerConfirmed:
		// proceed
	case models.PurchaseExpired:
		return nil, fmt.Errorf("purchase %s: %w", p.Id, ErrDeadlineExpired)
	case models.PurchaseHeld:
		return nil, fmt.Errorf("seller has not confirmed transfer yet: %w", ErrStateConflict)
	default:
		// Re-verifying a settled purchase is a no-op conflict, never a
		// second credit.
		return nil, fmt.Errorf("purchase already %s: %w", p.Status, ErrStateConflict)
	}

	if !params.Override {
		elapsed := time.Since(*p.SellerConfirmedAt)
		if elapsed < s.cfg.GracePeriod {
			left := int(math.Ceil((s.cfg.GracePeriod - elapsed).Minutes()))
			return nil, &GracePeriodError{MinutesLeft: left}
		}
		if subtle.ConstantTimeCompare([]byte(params.Token), []byte(p.VerificationToken)) != 1 {
			return nil, fmt.Errorf("verification token mismatch: %w", ErrUnauthorized)
		}
	}

	currentOwner, err := s.observeOwner(ctx, p)
	if err != nil {
		return nil, err
	}
	ownership := fraud.VerifyOwnershipTransfer(p.BuyerId, currentOwner, p.SellerId)
	if !ownership.Verified {
		if ownership.Reason == fraud.ReasonWrongOwner {
			// Channel went to a third party: suspicious, but ownership facts
			// can be stale, so the purchase stays open for retry.
			if _, aerr := s.audit.Append(ctx, audit.Entry{
				EventType: audit.EventSuspiciousActivity,
				UserId:    p.SellerId,
				RefId:     p.Id,
				Metadata:  map[string]string{"reason": "ownership_wrong_party", "observed_owner": currentOwner},
			}); aerr != nil {
				return nil, aerr
			}
		}
		return &VerifyResult{Purchase: p, RetryLater: true, Reason: ownership.Reason}, nil
	}

	currentAssets, err := s.snapshot.CurrentAssetIds(ctx, p.ChannelId)
	if err != nil {
		return nil, fmt.Errorf("%w: asset snapshot: %s", ErrExternalUnavailable, err)
	}
	assets := fraud.VerifyAssetIntegrity(p.OriginalAssetIds, currentAssets)
	if !assets.Verified {
		return s.cancelForFraud(ctx, p, assets)
	}

	return s.settle(ctx, p)
}

// settle releases escrow to the seller. The purchase passes through VERIFIED
// before the credit so a crash mid-settlement leaves evidence of where it
// stopped. The fenced transition out of SELLER_CONFIRMED is what makes
// settlement exclusive: a refund or second verification that won the race
// already moved the row, and this caller backs off before any credit.
func (s *Service) settle(ctx context.Context, p *models.Purchase) (*VerifyResult, error) {
	p.Status = models.PurchaseVerified
	p.OwnershipVerified = true
	p.GiftsVerified = true
	if err := s.transition(ctx, p, models.PurchaseSellerConfirmed); err != nil {
		return nil, err
	}

	fee := s.platformFee(p.PriceNano)
	payout := p.PriceNano - fee
	if payout > 0 {
		if _, err := s.ledger.Credit(ctx, p.SellerId, payout, audit.EventEscrowReleased, p.Id); err != nil {
			return nil, err
		}
	}

	p.Status = models.PurchaseCompleted
	p.VerificationToken = "" // single use, consumed
	if err := s.transition(ctx, p, models.PurchaseVerified); err != nil {
		zap.L().Error("Failed to mark purchase completed after settlement",
			zap.String("purchase_id", p.Id),
			zap.Error(err))
		return nil, err
	}

	if err := s.store.SetChannelStatus(ctx, p.ChannelId, models.ChannelSold); err != nil {
		zap.L().Warn("Failed to mark channel sold",
			zap.String("channel_id", p.ChannelId),
			zap.Error(err))
	}

	zap.L().Info("Purchase settled",
		zap.String("purchase_id", p.Id),
		zap.String("seller_id", p.SellerId),
		zap.Int64("payout", payout),
		zap.Int64("fee", fee))

	s.notifyAsync(ctx, p.SellerId, "escrow_released", map[string]string{"purchase_id": p.Id})
	return &VerifyResult{Purchase: p, Completed: true, FeeNano: fee}, nil
}

// cancelForFraud is the security-critical branch: the asset snapshot no longer
// matches, so the seller must not profit. The purchase is cancelled, the buyer
// refunded in full, and the seller accrues a warning that can escalate to a
// ban. All compensating actions complete before this returns.
func (s *Service) cancelForFraud(ctx context.Context, p *models.Purchase, assets fraud.AssetCheck) (*VerifyResult, error) {
	p.Status = models.PurchaseCancelled
	p.FraudDetected = true
	p.RefundReason = "asset_modification"
	p.VerificationToken = ""
	if err := s.transition(ctx, p, models.PurchaseSellerConfirmed); err != nil {
		return nil, err
	}

	if _, err := s.ledger.Credit(ctx, p.BuyerId, p.HeldAmountNano, audit.EventEscrowRefunded, p.Id); err != nil {
		zap.L().Error("Refund failed on fraud cancellation; balance requires manual reconciliation",
			zap.String("purchase_id", p.Id),
			zap.String("buyer_id", p.BuyerId),
			zap.Error(err))
		return nil, err
	}

	if _, err := s.audit.Append(ctx, audit.Entry{
		EventType: audit.EventFraudDetected,
		UserId:    p.SellerId,
		RefId:     p.Id,
		Metadata: map[string]string{
			"reason":  "asset_modification",
			"missing": strings.Join(assets.Missing, ","),
			"added":   strings.Join(assets.Added, ","),
		},
	}); err != nil {
		return nil, err
	}

	count, err := s.store.AddWarning(ctx, &models.UserWarning{
		UserId:            p.SellerId,
		Reason:            "asset_modification",
		Description:       fmt.Sprintf("assets changed after sale: missing=%v added=%v", assets.Missing, assets.Added),
		RelatedPurchaseId: p.Id,
	})
	if err != nil {
		return nil, err
	}
	if count >= s.cfg.BanThreshold {
		if err := s.store.SetBanned(ctx, p.SellerId, true); err != nil {
			return nil, err
		}
		zap.L().Warn("Seller banned after reaching warning threshold",
			zap.String("seller_id", p.SellerId),
			zap.Int("warnings", count))
	}

	if err := s.store.SetChannelStatus(ctx, p.ChannelId, models.ChannelDelisted); err != nil {
		zap.L().Warn("Failed to delist channel after fraud",
			zap.String("channel_id", p.ChannelId),
			zap.Error(err))
	}

	zap.L().Warn("Purchase cancelled for asset tampering",
		zap.String("purchase_id", p.Id),
		zap.String("seller_id", p.SellerId),
		zap.Strings("missing", assets.Missing),
		zap.Strings("added", assets.Added))

	s.notifyAsync(ctx, p.BuyerId, "purchase_cancelled_fraud", map[string]string{"purchase_id": p.Id})
	return &VerifyResult{Purchase: p, FraudDetected: true, Reason: "asset_modification"}, ErrFraudDetected
}

// RefundPurchase is the manual refund path, open to the buyer and to
// operators while the purchase is HELD or SELLER_CONFIRMED. Always refunds
// the held amount in full and delists the channel.
func (s *Service) RefundPurchase(ctx context.Context, purchaseId, callerId, reason string, asOperator bool) (*models.Purchase, error) {
	p, err := s.store.GetPurchase(ctx, purchaseId)
	if err != nil {
		return nil, err
	}
	if !asOperator && callerId != p.BuyerId {
		return nil, fmt.Errorf("only the buyer or an operator may refund: %w", ErrUnauthorized)
	}
	if !p.IsActive() {
		return nil, fmt.Errorf("cannot refund purchase in %s: %w", p.Status, ErrStateConflict)
	}

	from := p.Status
	p.Status = models.PurchaseRefunded
	p.RefundReason = reason
	p.VerificationToken = ""
	if err := s.transition(ctx, p, from); err != nil {
		return nil, err
	}

	if _, err := s.ledger.Credit(ctx, p.BuyerId, p.HeldAmountNano, audit.EventEscrowRefunded, p.Id); err != nil {
		zap.L().Error("Refund credit failed; balance requires manual reconciliation",
			zap.String("purchase_id", p.Id),
			zap.Error(err))
		return nil, err
	}

	if err := s.store.SetChannelStatus(ctx, p.ChannelId, models.ChannelDelisted); err != nil {
		zap.L().Warn("Failed to delist channel after refund",
			zap.String("channel_id", p.ChannelId),
			zap.Error(err))
	}

	zap.L().Info("Purchase refunded",
		zap.String("purchase_id", p.Id),
		zap.String("reason", reason))

	s.notifyAsync(ctx, p.SellerId, "purchase_refunded", map[string]string{"purchase_id": p.Id, "reason": reason})
	return p, nil
}

// ExpireIfDue force-expires a HELD purchase past its verification deadline,
// refunding the buyer and relisting the channel. Idempotent: purchases in any
// other state, or not yet due, are left alone. Once the seller has confirmed,
// forced expiry stops; the manual refund path stays open instead.
func (s *Service) ExpireIfDue(ctx context.Context, purchaseId string) (bool, error) {
	p, err := s.store.GetPurchase(ctx, purchaseId)
	if err != nil {
		return false, err
	}
	if p.Status != models.PurchaseHeld {
		return false, nil
	}
	if time.Now().UTC().Before(p.VerificationDeadline) {
		return false, nil
	}

	p.Status = models.PurchaseExpired
	p.RefundReason = "verification_deadline_expired"
	p.VerificationToken = ""
	if err := s.transition(ctx, p, models.PurchaseHeld); err != nil {
		// A concurrent refund or confirmation won; nothing to expire.
		if errors.Is(err, ErrStateConflict) {
			return false, nil
		}
		return false, err
	}

	if _, err := s.ledger.Credit(ctx, p.BuyerId, p.HeldAmountNano, audit.EventEscrowRefunded, p.Id); err != nil {
		zap.L().Error("Refund credit failed on expiry; balance requires manual reconciliation",
			zap.String("purchase_id", p.Id),
			zap.Error(err))
		return false, err
	}

	// Relist so the channel can be sold again.
	if err := s.store.SetChannelStatus(ctx, p.ChannelId, models.ChannelListed); err != nil {
		zap.L().Warn("Failed to relist channel after expiry",
			zap.String("channel_id", p.ChannelId),
			zap.Error(err))
	}

	zap.L().Info("Purchase expired", zap.String("purchase_id", p.Id))
	s.notifyAsync(ctx, p.BuyerId, "purchase_expired", map[string]string{"purchase_id": p.Id})
	return true, nil
}

// ExpireDuePurchases scans for HELD purchases past deadline and expires each.
// Called periodically by the deadline sweeper.
func (s *Service) ExpireDuePurchases(ctx context.Context, batchSize int) (int, error) {
	due, err := s.store.ListDuePurchases(ctx, time.Now().UTC(), batchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range due {
		ok, err := s.ExpireIfDue(ctx, due[i].Id)
		if err != nil {
			zap.L().Error("Failed to expire purchase",
				zap.String("purchase_id", due[i].Id),
				zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// GetPurchase returns the purchase for read-only callers.
func (s *Service) GetPurchase(ctx context.Context, purchaseId string) (*models.Purchase, error) {
	return s.store.GetPurchase(ctx, purchaseId)
}

// transition applies a status-fenced purchase write. Losing the fence means
// another operation moved the purchase first; the caller must not touch the
// ledger and reports the race as a state conflict.
func (s *Service) transition(ctx context.Context, p *models.Purchase, from models.PurchaseStatus) error {
	if err := s.store.TransitionPurchase(ctx, p, from); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			return fmt.Errorf("purchase %s left %s concurrently: %w", p.Id, from, ErrStateConflict)
		}
		return err
	}
	return nil
}

// observeOwner reduces the oracle's boolean facts to an owner identity the
// fraud check can consume: buyer, seller, or unknown/third party.
func (s *Service) observeOwner(ctx context.Context, p *models.Purchase) (string, error) {
	buyerOwns, err := s.oracle.IsCurrentOwner(ctx, p.ChannelId, p.BuyerId)
	if err != nil {
		return "", fmt.Errorf("%w: ownership oracle: %s", ErrExternalUnavailable, err)
	}
	if buyerOwns {
		return p.BuyerId, nil
	}
	sellerOwns, err := s.oracle.IsCurrentOwner(ctx, p.ChannelId, p.SellerId)
	if err != nil {
		return "", fmt.Errorf("%w: ownership oracle: %s", ErrExternalUnavailable, err)
	}
	if sellerOwns {
		return p.SellerId, nil
	}
	return "", nil
}

func (s *Service) platformFee(price int64) int64 {
	fee := price * s.cfg.FeeBps / 10_000
	if fee < s.cfg.MinFeeNano {
		fee = s.cfg.MinFeeNano
	}
	if fee > price {
		fee = price
	}
	return fee
}

func (s *Service) notifyAsync(ctx context.Context, userId, event string, payload map[string]string) {
	if s.notifier == nil {
		return
	}
	go s.notifier.Notify(context.WithoutCancel(ctx), userId, event, payload)
}

// purchaseId derives a collision-resistant id from the purchase's content.
func purchaseId(channelId, buyerId, sellerId string, price int64, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%d",
		channelId, buyerId, sellerId, price, createdAt.UnixNano())))
	return hex.EncodeToString(sum[:16])
}

// newVerificationToken returns a single-use secret bound to one purchase.
func newVerificationToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("unable to generate verification token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
