package database

import (
	"context"
	"fmt"
	"time"

	"channel-escrow-go/internal/models"

	"github.com/google/uuid"
)

// AddWarning records the warning and returns the user's total warning count so
// the caller can apply the ban threshold without a second round trip.
func (s *Service) AddWarning(ctx context.Context, w *models.UserWarning) (int, error) {
	if w.Id == "" {
		w.Id = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, queryInsertWarning,
		w.Id, w.UserId, w.Reason, w.Description, w.RelatedPurchaseId); err != nil {
		return 0, fmt.Errorf("failed to insert warning: %w", err)
	}
	return s.WarningCount(ctx, w.UserId)
}

func (s *Service) WarningCount(ctx context.Context, userId string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryWarningCount, userId).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count warnings: %w", err)
	}
	return count, nil
}
