// Package withdrawal implements the outgoing-funds settlement pipeline:
// limit and cooldown gates, hold-before-broadcast accounting, an async
// processing queue, and the admin review path for large amounts. The core
// safety rule is that funds leave the balance before any broadcast is
// attempted, and a failed broadcast credits back exactly the held amount.
package withdrawal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"channel-escrow-go/internal/audit"
	"channel-escrow-go/internal/ledger"
	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"

	"go.uber.org/zap"
)

var (
	ErrBelowMinimum      = errors.New("amount below minimum withdrawal")
	ErrOverPerTxLimit    = errors.New("amount exceeds per-transaction limit")
	ErrOverDailyLimit    = errors.New("daily withdrawal limit exceeded")
	ErrTooManyPending    = errors.New("too many unfinished withdrawals")
	ErrCooldownActive    = errors.New("withdrawal cooldown still active")
	ErrInvalidAddress    = errors.New("destination address is not a valid TON address")
	ErrNotReviewable     = errors.New("withdrawal is not awaiting review")
	ErrQueueFull         = errors.New("withdrawal queue is full")
	ErrAlreadyProcessing = errors.New("withdrawal is already being processed")
)

// Accepts the friendly base64url form (48 chars) and the raw form
// (workchain:hex64, workchain 0 or -1).
var tonAddressPattern = regexp.MustCompile(`^(?:[A-Za-z0-9_-]{48}|-?0:[0-9a-fA-F]{64})$`)

// Broadcaster submits a signed transfer to the TON network and returns the
// transaction hash. Implementations must be idempotent per withdrawal id.
type Broadcaster interface {
	Broadcast(ctx context.Context, w *models.Withdrawal) (txHash string, err error)
}

type Service struct {
	store       store.Store
	ledger      *ledger.Ledger
	audit       *audit.Logger
	broadcaster Broadcaster
	cfg         models.WithdrawalConfig

	queue    chan string
	inflight *inflightGuard
}

func NewService(st store.Store, lg *ledger.Ledger, al *audit.Logger,
	broadcaster Broadcaster, cfg models.WithdrawalConfig) *Service {
	size := cfg.QueueSize
	if size <= 0 {
		size = 128
	}
	return &Service{
		store:       st,
		ledger:      lg,
		audit:       al,
		broadcaster: broadcaster,
		cfg:         cfg,
		queue:       make(chan string, size),
		inflight:    newInflightGuard(),
	}
}

// Request validates a withdrawal against all gates in a fixed order (cheapest
// checks first), holds the funds, and creates the withdrawal record. No record
// is created for a request that fails any gate. Withdrawals over the review
// threshold park in admin_review and never reach the queue on their own.
func (s *Service) Request(ctx context.Context, userId, destination string, amount int64, ip, message string) (*models.Withdrawal, error) {
	if amount < s.cfg.MinAmountNano {
		return nil, fmt.Errorf("minimum is %d nanotons: %w", s.cfg.MinAmountNano, ErrBelowMinimum)
	}
	if amount > s.cfg.PerTxLimitNano {
		return nil, fmt.Errorf("per-transaction limit is %d nanotons: %w", s.cfg.PerTxLimitNano, ErrOverPerTxLimit)
	}
	if !tonAddressPattern.MatchString(destination) {
		return nil, ErrInvalidAddress
	}

	open, err := s.store.CountOpenWithdrawals(ctx, userId)
	if err != nil {
		return nil, err
	}
	if open >= s.cfg.MaxPending {
		return nil, fmt.Errorf("%d withdrawals still open: %w", open, ErrTooManyPending)
	}

	if last, err := s.store.LastWithdrawalAt(ctx, userId); err != nil {
		return nil, err
	} else if last != nil {
		if wait := s.cfg.Cooldown - time.Since(*last); wait > 0 {
			if _, aerr := s.audit.Append(ctx, audit.Entry{
				EventType: audit.EventRateLimitExceeded,
				UserId:    userId,
				Metadata:  map[string]string{"gate": "cooldown", "wait": wait.Round(time.Second).String()},
			}); aerr != nil {
				return nil, aerr
			}
			return nil, fmt.Errorf("try again in %s: %w", wait.Round(time.Second), ErrCooldownActive)
		}
	}

	since := time.Now().UTC().Truncate(24 * time.Hour)
	usedToday, err := s.store.SumCompletedWithdrawalsSince(ctx, userId, since)
	if err != nil {
		return nil, err
	}
	if usedToday+amount > s.cfg.DailyLimitNano {
		return nil, fmt.Errorf("used %d of %d nanotons today: %w", usedToday, s.cfg.DailyLimitNano, ErrOverDailyLimit)
	}

	now := time.Now().UTC()
	w := &models.Withdrawal{
		Id:                 withdrawalId(userId, destination, amount, now),
		UserId:             userId,
		DestinationAddress: destination,
		AmountNano:         amount,
		Status:             models.WithdrawalPending,
		Message:            message,
		Ip:                 ip,
		NeedsApproval:      amount > s.cfg.AdminReviewNano,
		DailyUsedSnapshot:  usedToday,
		CreatedAt:          now,
	}
	if w.NeedsApproval {
		w.Status = models.WithdrawalAdminReview
	}

	// Hold before anything external: the deduction carries the balance check,
	// and a withdrawal record only exists once funds are locked.
	if _, err := s.ledger.Hold(ctx, userId, amount, audit.EventWithdrawalRequested, w.Id); err != nil {
		return nil, err
	}

	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		if _, cerr := s.ledger.Credit(ctx, userId, amount, audit.EventWithdrawalFailed, w.Id); cerr != nil {
			zap.L().Error("Failed to release hold after withdrawal creation failure",
				zap.String("withdrawal_id", w.Id),
				zap.Error(cerr))
		}
		return nil, err
	}

	zap.L().Info("Withdrawal requested",
		zap.String("withdrawal_id", w.Id),
		zap.String("user_id", userId),
		zap.Int64("amount", amount),
		zap.Bool("needs_approval", w.NeedsApproval))

	if !w.NeedsApproval {
		if err := s.enqueue(w.Id); err != nil {
			// Funds stay held; the startup requeue or an operator retry will
			// pick the pending row back up.
			zap.L().Warn("Withdrawal queue full, leaving request pending",
				zap.String("withdrawal_id", w.Id))
		}
	}
	return w, nil
}

// Approve releases an admin_review withdrawal into the processing queue.
func (s *Service) Approve(ctx context.Context, withdrawalId, adminId string) (*models.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, withdrawalId)
	if err != nil {
		return nil, err
	}
	if w.Status != models.WithdrawalAdminReview {
		return nil, fmt.Errorf("withdrawal is %s: %w", w.Status, ErrNotReviewable)
	}

	w.Status = models.WithdrawalPending
	if err := s.store.UpdateWithdrawal(ctx, w); err != nil {
		return nil, err
	}
	if _, err := s.audit.Append(ctx, audit.Entry{
		EventType: audit.EventWithdrawalApproved,
		UserId:    w.UserId,
		RefId:     w.Id,
		Metadata:  map[string]string{"admin_id": adminId},
	}); err != nil {
		return nil, err
	}

	zap.L().Info("Withdrawal approved",
		zap.String("withdrawal_id", w.Id),
		zap.String("admin_id", adminId))

	if err := s.enqueue(w.Id); err != nil {
		zap.L().Warn("Withdrawal queue full after approval, leaving request pending",
			zap.String("withdrawal_id", w.Id))
	}
	return w, nil
}

// Reject terminates an admin_review withdrawal and returns the held funds.
func (s *Service) Reject(ctx context.Context, withdrawalId, adminId, reason string) (*models.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, withdrawalId)
	if err != nil {
		return nil, err
	}
	if w.Status != models.WithdrawalAdminReview {
		return nil, fmt.Errorf("withdrawal is %s: %w", w.Status, ErrNotReviewable)
	}

	w.Status = models.WithdrawalRejected
	w.FailureReason = reason
	if err := s.store.UpdateWithdrawal(ctx, w); err != nil {
		return nil, err
	}

	if _, err := s.ledger.Credit(ctx, w.UserId, w.AmountNano, audit.EventWithdrawalRejected, w.Id); err != nil {
		zap.L().Error("Refund credit failed on rejection; balance requires manual reconciliation",
			zap.String("withdrawal_id", w.Id),
			zap.Error(err))
		return nil, err
	}

	zap.L().Info("Withdrawal rejected",
		zap.String("withdrawal_id", w.Id),
		zap.String("admin_id", adminId),
		zap.String("reason", reason))
	return w, nil
}

// Process drives one withdrawal from pending through broadcast to a terminal
// status. It is safe to call concurrently and repeatedly: the in-flight guard
// drops duplicate callers and the status check drops stale queue entries.
func (s *Service) Process(ctx context.Context, withdrawalId string) error {
	if !s.inflight.TryAcquire(withdrawalId) {
		return ErrAlreadyProcessing
	}
	defer s.inflight.Release(withdrawalId)

	w, err := s.store.GetWithdrawal(ctx, withdrawalId)
	if err != nil {
		return err
	}
	if w.Status != models.WithdrawalPending {
		zap.L().Debug("Skipping withdrawal not in pending",
			zap.String("withdrawal_id", w.Id),
			zap.String("status", string(w.Status)))
		return nil
	}

	w.Status = models.WithdrawalProcessing
	if err := s.store.UpdateWithdrawal(ctx, w); err != nil {
		return err
	}

	bctx, cancel := context.WithTimeout(ctx, s.cfg.BroadcastTimeout)
	txHash, berr := s.broadcaster.Broadcast(bctx, w)
	cancel()
	if berr != nil {
		return s.failAndRefund(ctx, w, berr)
	}

	w.Status = models.WithdrawalCompleted
	w.TxHash = txHash
	if err := s.store.UpdateWithdrawal(ctx, w); err != nil {
		return err
	}
	// No balance change here (funds were held at request time), so the
	// completion event goes to the chain directly rather than via the ledger.
	if _, err := s.audit.Append(ctx, audit.Entry{
		EventType: audit.EventWithdrawalCompleted,
		UserId:    w.UserId,
		RefId:     w.Id,
		Metadata:  map[string]string{"tx_hash": txHash},
	}); err != nil {
		return err
	}

	zap.L().Info("Withdrawal completed",
		zap.String("withdrawal_id", w.Id),
		zap.String("tx_hash", txHash))
	return nil
}

func (s *Service) failAndRefund(ctx context.Context, w *models.Withdrawal, cause error) error {
	w.Status = models.WithdrawalFailed
	w.FailureReason = cause.Error()
	if err := s.store.UpdateWithdrawal(ctx, w); err != nil {
		return err
	}

	if _, err := s.ledger.Credit(ctx, w.UserId, w.AmountNano, audit.EventWithdrawalFailed, w.Id); err != nil {
		zap.L().Error("Refund credit failed after broadcast failure; balance requires manual reconciliation",
			zap.String("withdrawal_id", w.Id),
			zap.Error(err))
		return err
	}

	zap.L().Warn("Withdrawal failed, funds returned",
		zap.String("withdrawal_id", w.Id),
		zap.Error(cause))
	return fmt.Errorf("broadcast failed: %w", cause)
}

// Run consumes the queue until ctx is cancelled. On startup it optionally
// requeues pending withdrawals left over from a previous run.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.RequeueOnStartup {
		if err := s.requeuePending(ctx); err != nil {
			zap.L().Error("Startup requeue failed", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-s.queue:
			if err := s.Process(ctx, id); err != nil && !errors.Is(err, ErrAlreadyProcessing) {
				zap.L().Error("Withdrawal processing failed",
					zap.String("withdrawal_id", id),
					zap.Error(err))
			}
		}
	}
}

// requeuePending refills the queue from rows a previous run left behind. A row
// stuck in processing means the process died between claiming the withdrawal
// and recording the broadcast outcome; the worker has not started yet, so no
// live caller holds it, and the gateway's idempotency key makes a second
// broadcast of the same withdrawal safe.
func (s *Service) requeuePending(ctx context.Context) error {
	stale, err := s.store.ListWithdrawalsByStatus(ctx, models.WithdrawalProcessing, s.cfg.QueueSize)
	if err != nil {
		return err
	}
	for i := range stale {
		w := &stale[i]
		w.Status = models.WithdrawalPending
		if err := s.store.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		zap.L().Warn("Recovered withdrawal interrupted mid-broadcast",
			zap.String("withdrawal_id", w.Id))
	}

	pending, err := s.store.ListWithdrawalsByStatus(ctx, models.WithdrawalPending, s.cfg.QueueSize)
	if err != nil {
		return err
	}
	for i := range pending {
		if err := s.enqueue(pending[i].Id); err != nil {
			zap.L().Warn("Queue full during startup requeue",
				zap.String("withdrawal_id", pending[i].Id))
			return nil
		}
	}
	if len(pending) > 0 {
		zap.L().Info("Requeued pending withdrawals", zap.Int("count", len(pending)))
	}
	return nil
}

// GetWithdrawal returns the withdrawal for read-only callers.
func (s *Service) GetWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error) {
	return s.store.GetWithdrawal(ctx, withdrawalId)
}

func (s *Service) enqueue(id string) error {
	select {
	case s.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func withdrawalId(userId, destination string, amount int64, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d",
		userId, destination, amount, createdAt.UnixNano())))
	return hex.EncodeToString(sum[:16])
}
