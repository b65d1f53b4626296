package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"
)

func (s *Service) CreateChannel(ctx context.Context, ch *models.Channel) error {
	if ch.Status == "" {
		ch.Status = models.ChannelListed
	}
	if _, err := s.db.ExecContext(ctx, queryInsertChannel, ch.Id, ch.OwnerId, ch.PriceNano, ch.Status); err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

func (s *Service) GetChannel(ctx context.Context, channelId string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.QueryRowContext(ctx, queryGetChannel, channelId).
		Scan(&ch.Id, &ch.OwnerId, &ch.PriceNano, &ch.Status, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &ch, nil
}

func (s *Service) SetChannelStatus(ctx context.Context, channelId string, status models.ChannelStatus) error {
	result, err := s.db.ExecContext(ctx, querySetChannelStatus, status, channelId)
	if err != nil {
		return fmt.Errorf("failed to set channel status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
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

	result, err := s.db.ExecContext(ctx, queryInsertPurchase,
		p.Id, p.ChannelId, p.BuyerId, p.SellerId, p.PriceNano, p.HeldAmountNano,
		p.Status, p.VerificationToken, p.VerificationDeadline, string(assets),
		p.CreatedAt, p.UpdatedAt,
		p.ChannelId)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("channel %s already has an open purchase: %w", p.ChannelId, store.ErrDuplicate)
	}
	return nil
}

func (s *Service) GetPurchase(ctx context.Context, purchaseId string) (*models.Purchase, error) {
	row := s.db.QueryRowContext(ctx, queryGetPurchase, purchaseId)
	p, err := scanPurchase(row.Scan)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

func (s *Service) UpdatePurchase(ctx context.Context, p *models.Purchase) error {
	var confirmedAt interface{}
	if p.SellerConfirmedAt != nil {
		confirmedAt = *p.SellerConfirmedAt
	}
	result, err := s.db.ExecContext(ctx, queryUpdatePurchase,
		p.Status, p.VerificationToken, confirmedAt,
		boolToInt(p.FraudDetected), p.RefundReason,
		boolToInt(p.OwnershipVerified), boolToInt(p.GiftsVerified),
		p.Id)
	if err != nil {
		return fmt.Errorf("failed to update purchase: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TransitionPurchase is the fenced variant of UpdatePurchase: the write only
// lands if the stored status still equals from. Zero rows affected means a
// concurrent transition won the race.
func (s *Service) TransitionPurchase(ctx context.Context, p *models.Purchase, from models.PurchaseStatus) error {
	var confirmedAt interface{}
	if p.SellerConfirmedAt != nil {
		confirmedAt = *p.SellerConfirmedAt
	}
	result, err := s.db.ExecContext(ctx, queryTransitionPurchase,
		p.Status, p.VerificationToken, confirmedAt,
		boolToInt(p.FraudDetected), p.RefundReason,
		boolToInt(p.OwnershipVerified), boolToInt(p.GiftsVerified),
		p.Id, from)
	if err != nil {
		return fmt.Errorf("failed to transition purchase: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("purchase %s no longer in %s: %w", p.Id, from, store.ErrConcurrentModification)
	}
	return nil
}

func (s *Service) ListDuePurchases(ctx context.Context, before time.Time, limit int) ([]models.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, queryListDuePurchases, before, limit)
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

func scanPurchase(scan func(dest ...interface{}) error) (*models.Purchase, error) {
	var p models.Purchase
	var assets string
	var confirmedAt sql.NullTime
	var fraud, ownership, gifts int
	err := scan(&p.Id, &p.ChannelId, &p.BuyerId, &p.SellerId, &p.PriceNano,
		&p.HeldAmountNano, &p.Status, &p.VerificationToken, &p.VerificationDeadline,
		&assets, &confirmedAt, &fraud, &p.RefundReason, &ownership, &gifts,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(assets), &p.OriginalAssetIds); err != nil {
		return nil, fmt.Errorf("failed to decode asset snapshot %q: %w", assets, err)
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		p.SellerConfirmedAt = &t
	}
	p.FraudDetected = fraud != 0
	p.OwnershipVerified = ownership != 0
	p.GiftsVerified = gifts != 0
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
