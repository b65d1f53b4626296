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

// Package postgres is the pgx-backed storage implementation, used for shared
// deployments where SQLite's single-writer model is not enough. Semantics
// match the SQLite backend exactly; the ledger and audit layers cannot tell
// them apart.
package postgres

import (
	"context"
	"fmt"

	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.Store.
var _ store.Store = (*Service)(nil)

type Service struct {
	pool *pgxpool.Pool
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{pool: pool}
	if err := service.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Postgres store initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	s.pool.Close()
}

func (s *Service) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		banned BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY REFERENCES accounts(id),
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		version BIGINT NOT NULL DEFAULT 1,
		last_ref TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		price BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'listed',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_channels_owner ON channels(owner_id);
	CREATE INDEX IF NOT EXISTS idx_channels_status ON channels(status);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		price BIGINT NOT NULL,
		held_amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		verification_token TEXT NOT NULL DEFAULT '',
		verification_deadline TIMESTAMPTZ NOT NULL,
		original_assets JSONB NOT NULL DEFAULT '[]',
		seller_confirmed_at TIMESTAMPTZ,
		fraud_detected BOOLEAN NOT NULL DEFAULT FALSE,
		refund_reason TEXT NOT NULL DEFAULT '',
		ownership_verified BOOLEAN NOT NULL DEFAULT FALSE,
		gifts_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_channel ON purchases(channel_id);
	CREATE INDEX IF NOT EXISTS idx_purchases_buyer ON purchases(buyer_id);
	CREATE INDEX IF NOT EXISTS idx_purchases_status ON purchases(status);
	CREATE INDEX IF NOT EXISTS idx_purchases_deadline ON purchases(verification_deadline);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		destination_address TEXT NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		tx_hash TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		needs_approval BOOLEAN NOT NULL DEFAULT FALSE,
		daily_used_snapshot BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_created_at ON withdrawals(created_at);

	CREATE TABLE IF NOT EXISTS user_warnings (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		related_purchase_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_user_warnings_user ON user_warnings(user_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGINT PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		amount BIGINT,
		ref_id TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_event ON audit_log(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}
