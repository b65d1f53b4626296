package database

import (
	"context"
	"database/sql"
	"fmt"

	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"

	"go.uber.org/zap"
)

func (s *Service) CreateAccount(ctx context.Context, userId string) error {
	if _, err := s.db.ExecContext(ctx, queryInsertAccount, userId); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Service) GetAccount(ctx context.Context, userId string) (*models.Account, error) {
	var acct models.Account
	var banned int
	err := s.db.QueryRowContext(ctx, queryGetAccount, userId).Scan(&acct.Id, &banned, &acct.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acct.IsBanned = banned != 0
	return &acct, nil
}

func (s *Service) SetBanned(ctx context.Context, userId string, banned bool) error {
	flag := 0
	if banned {
		flag = 1
	}
	result, err := s.db.ExecContext(ctx, querySetBanned, flag, userId)
	if err != nil {
		return fmt.Errorf("failed to update ban flag: %w", err)
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

func (s *Service) GetBalance(ctx context.Context, userId string) (*models.BalanceRecord, error) {
	var rec models.BalanceRecord
	err := s.db.QueryRowContext(ctx, queryGetBalance, userId).
		Scan(&rec.UserId, &rec.Balance, &rec.Version, &rec.LastRef, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &rec, nil
}

func (s *Service) EnsureBalance(ctx context.Context, userId string) error {
	if _, err := s.db.ExecContext(ctx, queryEnsureBalance, userId); err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}
	return nil
}

// UpdateBalanceCAS performs the single conditional write that every balance
// mutation funnels through. The WHERE clause carries the version predicate;
// zero rows affected means another writer committed first.
func (s *Service) UpdateBalanceCAS(ctx context.Context, userId string, newBalance int64, ref string, expectedVersion int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryUpdateBalanceCAS, newBalance, ref, userId, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		zap.L().Debug("Balance CAS lost race",
			zap.String("user_id", userId),
			zap.Int64("expected_version", expectedVersion))
		return false, nil
	}
	return true, nil
}
