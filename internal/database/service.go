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

package database

import (
	"context"
	"database/sql"
	"fmt"

	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.Store.
var _ store.Store = (*Service)(nil)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		banned INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Balance rows carry the optimistic-concurrency version; the CHECK is a
	-- second line of defense behind the ledger's own funds check.
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY REFERENCES accounts(id),
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		version INTEGER NOT NULL DEFAULT 1,
		last_ref TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		price INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'listed',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_channels_owner ON channels(owner_id);
	CREATE INDEX IF NOT EXISTS idx_channels_status ON channels(status);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		price INTEGER NOT NULL,
		held_amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		verification_token TEXT NOT NULL DEFAULT '',
		verification_deadline TIMESTAMP NOT NULL,
		original_assets TEXT NOT NULL DEFAULT '[]',
		seller_confirmed_at TIMESTAMP,
		fraud_detected INTEGER NOT NULL DEFAULT 0,
		refund_reason TEXT NOT NULL DEFAULT '',
		ownership_verified INTEGER NOT NULL DEFAULT 0,
		gifts_verified INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_channel ON purchases(channel_id);
	CREATE INDEX IF NOT EXISTS idx_purchases_buyer ON purchases(buyer_id);
	CREATE INDEX IF NOT EXISTS idx_purchases_status ON purchases(status);
	CREATE INDEX IF NOT EXISTS idx_purchases_deadline ON purchases(verification_deadline);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		destination_address TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		tx_hash TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		needs_approval INTEGER NOT NULL DEFAULT 0,
		daily_used_snapshot INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
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
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_user_warnings_user ON user_warnings(user_id);

	-- Append-only; seq is assigned by the audit logger's serialized cursor so
	-- the hash can cover it.
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		event_type TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		amount INTEGER,
		ref_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_event ON audit_log(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
