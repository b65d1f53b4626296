/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

func (s *Service) CreateAccount(ctx context.Context, userId string) error {
	if _, err := s.pool.Exec(ctx, queryInsertAccount, userId); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Service) GetAccount(ctx context.Context, userId string) (*models.Account, error) {
	var acct models.Account
	err := s.pool.QueryRow(ctx, queryGetAccount, userId).
		Scan(&acct.Id, &acct.IsBanned, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

func (s *Service) SetBanned(ctx context.Context, userId string, banned bool) error {
	tag, err := s.pool.Exec(ctx, querySetBanned, banned, userId)
	if err != nil {
		return fmt.Errorf("failed to update ban flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Service) GetBalance(ctx context.Context, userId string) (*models.BalanceRecord, error) {
	var rec models.BalanceRecord
	err := s.pool.QueryRow(ctx, queryGetBalance, userId).
		Scan(&rec.UserId, &rec.Balance, &rec.Version, &rec.LastRef, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &rec, nil
}

func (s *Service) EnsureBalance(ctx context.Context, userId string) error {
	if _, err := s.pool.Exec(ctx, queryEnsureBalance, userId); err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}
	return nil
}

func (s *Service) UpdateBalanceCAS(ctx context.Context, userId string, newBalance int64, ref string, expectedVersion int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, queryUpdateBalanceCAS, newBalance, ref, userId, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		zap.L().Debug("Balance CAS lost race",
			zap.String("user_id", userId),
			zap.Int64("expected_version", expectedVersion))
		return false, nil
	}
	return true, nil
}

func (s *Service) CreateChannel(ctx context.Context, ch *models.Channel) error {
	if ch.Status == "" {
		ch.Status = models.ChannelListed
	}
	if _, err := s.pool.Exec(ctx, queryInsertChannel, ch.Id, ch.OwnerId, ch.PriceNano, ch.Status); err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

func (s *Service) GetChannel(ctx context.Context, channelId string) (*models.Channel, error) {
	var ch models.Channel
	err := s.pool.QueryRow(ctx, queryGetChannel, channelId).
		Scan(&ch.Id, &ch.OwnerId, &ch.PriceNano, &ch.Status, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &ch, nil
}

func (s *Service) SetChannelStatus(ctx context.Context, channelId string, status models.ChannelStatus) error {
	tag, err := s.pool.Exec(ctx, querySetChannelStatus, status, channelId)
	if err != nil {
		return fmt.Errorf("failed to set channel status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Service) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	assets, err := json.Marshal(p.OriginalAssetIds)
	if err != nil {
		return fmt.Errorf("failed to encode asset snapshot: %w", err)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	tag, err := s.pool.Exec(ctx, queryInsertPurchase,
		p.Id, p.ChannelId, p.BuyerId, p.SellerId, p.PriceNano, p.HeldAmountNano,
		p.Status, p.VerificationToken, p.VerificationDeadline, string(assets),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel %s already has an open purchase: %w", p.ChannelId, store.ErrDuplicate)
	}
	return nil
}

func (s *Service) GetPurchase(ctx context.Context, purchaseId string) (*models.Purchase, error) {
	row := s.pool.QueryRow(ctx, queryGetPurchase, purchaseId)
	p, err := scanPurchase(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

func (s *Service) UpdatePurchase(ctx context.Context, p *models.Purchase) error {
	tag, err := s.pool.Exec(ctx, queryUpdatePurchase,
		p.Status, p.VerificationToken, p.SellerConfirmedAt,
		p.FraudDetected, p.RefundReason, p.OwnershipVerified, p.GiftsVerified,
		p.Id)
	if err != nil {
		return fmt.Errorf("failed to update purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TransitionPurchase is the fenced variant of UpdatePurchase: the write only
// lands if the stored status still equals from. Zero rows affected means a
// concurrent transition won the race.
func (s *Service) TransitionPurchase(ctx context.Context, p *models.Purchase, from models.PurchaseStatus) error {
	tag, err := s.pool.Exec(ctx, queryTransitionPurchase,
		p.Status, p.VerificationToken, p.SellerConfirmedAt,
		p.FraudDetected, p.RefundReason, p.OwnershipVerified, p.GiftsVerified,
		p.Id, from)
	if err != nil {
		return fmt.Errorf("failed to transition purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purchase %s no longer in %s: %w", p.Id, from, store.ErrConcurrentModification)
	}
	return nil
}

func (s *Service) ListDuePurchases(ctx context.Context, before time.Time, limit int) ([]models.Purchase, error) {
	rows, err := s.pool.Query(ctx, queryListDuePurchases, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due purchases: %w", err)
	}
	defer rows.Close()

	var purchases []models.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchase rows: %w", err)
	}
	return purchases, nil
}

func (s *Service) CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	_, err := s.pool.Exec(ctx, queryInsertWithdrawal,
		w.Id, w.UserId, w.DestinationAddress, w.AmountNano, w.Status, w.Message,
		w.Ip, w.NeedsApproval, w.DailyUsedSnapshot, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

func (s *Service) GetWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error) {
	row := s.pool.QueryRow(ctx, queryGetWithdrawal, withdrawalId)
	w, err := scanWithdrawal(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return w, nil
}

func (s *Service) UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	tag, err := s.pool.Exec(ctx, queryUpdateWithdrawal,
		w.Status, w.TxHash, w.FailureReason, w.Id)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Service) ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus, limit int) ([]models.Withdrawal, error) {
	rows, err := s.pool.Query(ctx, queryListWithdrawalsByStatus, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating withdrawal rows: %w", err)
	}
	return withdrawals, nil
}

func (s *Service) CountOpenWithdrawals(ctx context.Context, userId string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, queryCountOpenWithdrawals, userId).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open withdrawals: %w", err)
	}
	return count, nil
}

func (s *Service) LastWithdrawalAt(ctx context.Context, userId string) (*time.Time, error) {
	var last *time.Time
	if err := s.pool.QueryRow(ctx, queryLastWithdrawalAt, userId).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to get last withdrawal time: %w", err)
	}
	return last, nil
}

func (s *Service) SumCompletedWithdrawalsSince(ctx context.Context, userId string, since time.Time) (int64, error) {
	var sum int64
	if err := s.pool.QueryRow(ctx, querySumCompletedWithdrawalsSince, userId, since).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum completed withdrawals: %w", err)
	}
	return sum, nil
}

func (s *Service) AddWarning(ctx context.Context, w *models.UserWarning) (int, error) {
	if w.Id == "" {
		w.Id = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, queryInsertWarning,
		w.Id, w.UserId, w.Reason, w.Description, w.RelatedPurchaseId); err != nil {
		return 0, fmt.Errorf("failed to insert warning: %w", err)
	}
	return s.WarningCount(ctx, w.UserId)
}

func (s *Service) WarningCount(ctx context.Context, userId string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, queryWarningCount, userId).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count warnings: %w", err)
	}
	return count, nil
}

func (s *Service) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, queryInsertAuditEntry,
		e.Seq, e.Timestamp, e.EventType, e.UserId, e.AmountNano, e.RefId,
		string(meta), e.Hash, e.PreviousHash)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *Service) LastAuditEntry(ctx context.Context) (*models.AuditEntry, error) {
	row := s.pool.QueryRow(ctx, queryLastAuditEntry)
	e, err := scanAuditEntry(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last audit entry: %w", err)
	}
	return e, nil
}

func (s *Service) ListAuditEntries(ctx context.Context, fromSeq, toSeq int64) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, queryListAuditEntries, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return entries, nil
}

func (s *Service) MaxAuditSeq(ctx context.Context) (int64, error) {
	var max int64
	if err := s.pool.QueryRow(ctx, queryMaxAuditSeq).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get max audit seq: %w", err)
	}
	return max, nil
}

func scanPurchase(scan func(dest ...any) error) (*models.Purchase, error) {
	var p models.Purchase
	var assets []byte
	err := scan(&p.Id, &p.ChannelId, &p.BuyerId, &p.SellerId, &p.PriceNano,
		&p.HeldAmountNano, &p.Status, &p.VerificationToken, &p.VerificationDeadline,
		&assets, &p.SellerConfirmedAt, &p.FraudDetected, &p.RefundReason,
		&p.OwnershipVerified, &p.GiftsVerified, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(assets, &p.OriginalAssetIds); err != nil {
		return nil, fmt.Errorf("failed to decode asset snapshot %q: %w", assets, err)
	}
	return &p, nil
}

func scanWithdrawal(scan func(dest ...any) error) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := scan(&w.Id, &w.UserId, &w.DestinationAddress, &w.AmountNano, &w.Status,
		&w.Message, &w.TxHash, &w.FailureReason, &w.Ip, &w.NeedsApproval,
		&w.DailyUsedSnapshot, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanAuditEntry(scan func(dest ...any) error) (*models.AuditEntry, error) {
	var e models.AuditEntry
	var meta []byte
	err := scan(&e.Seq, &e.Timestamp, &e.EventType, &e.UserId, &e.AmountNano,
		&e.RefId, &meta, &e.Hash, &e.PreviousHash)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode audit metadata %q: %w", meta, err)
	}
	return &e, nil
}
