package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"
)

func (s *Service) CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, queryInsertWithdrawal,
		w.Id, w.UserId, w.DestinationAddress, w.AmountNano, w.Status, w.Message,
		w.Ip, boolToInt(w.NeedsApproval), w.DailyUsedSnapshot, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

func (s *Service) GetWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error) {
	row := s.db.QueryRowContext(ctx, queryGetWithdrawal, withdrawalId)
	w, err := scanWithdrawal(row.Scan)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return w, nil
}

func (s *Service) UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	result, err := s.db.ExecContext(ctx, queryUpdateWithdrawal,
		w.Status, w.TxHash, w.FailureReason, w.Id)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
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

func (s *Service) ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus, limit int) ([]models.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, queryListWithdrawalsByStatus, status, limit)
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
	if err := s.db.QueryRowContext(ctx, queryCountOpenWithdrawals, userId).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open withdrawals: %w", err)
	}
	return count, nil
}

func (s *Service) LastWithdrawalAt(ctx context.Context, userId string) (*time.Time, error) {
	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx, queryLastWithdrawalAt, userId).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to get last withdrawal time: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

func (s *Service) SumCompletedWithdrawalsSince(ctx context.Context, userId string, since time.Time) (int64, error) {
	var sum int64
	if err := s.db.QueryRowContext(ctx, querySumCompletedWithdrawalsSince, userId, since).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum completed withdrawals: %w", err)
	}
	return sum, nil
}

func scanWithdrawal(scan func(dest ...interface{}) error) (*models.Withdrawal, error) {
	var w models.Withdrawal
	var needsApproval int
	err := scan(&w.Id, &w.UserId, &w.DestinationAddress, &w.AmountNano, &w.Status,
		&w.Message, &w.TxHash, &w.FailureReason, &w.Ip, &needsApproval,
		&w.DailyUsedSnapshot, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.NeedsApproval = needsApproval != 0
	return &w, nil
}
