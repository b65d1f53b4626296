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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"channel-escrow-go/internal/models"
)

func Load() (*models.Config, error) {
	shutdownTimeout, err := getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	sweepInterval, err := getEnvDuration("ESCROW_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	verificationWindow, err := getEnvDuration("ESCROW_VERIFICATION_WINDOW", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	gracePeriod, err := getEnvDuration("ESCROW_GRACE_PERIOD", 30*time.Minute)
	if err != nil {
		return nil, err
	}

	cooldown, err := getEnvDuration("WITHDRAWAL_COOLDOWN", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	broadcastTimeout, err := getEnvDuration("WITHDRAWAL_BROADCAST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	requestTimeout, err := getEnvDuration("COLLAB_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{
		Server: models.ServerConfig{
			Port:            getEnvString("SERVER_PORT", "8080"),
			ShutdownTimeout: shutdownTimeout,
			SweepInterval:   sweepInterval,
		},
		Database: models.DatabaseConfig{
			Backend:         getEnvString("DATABASE_BACKEND", "sqlite"),
			Path:            getEnvString("DATABASE_PATH", "escrow.db"),
			URL:             getEnvString("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
		},
		Audit: models.AuditConfig{
			FilePath: getEnvString("AUDIT_FILE_PATH", "audit.jsonl"),
		},
		Escrow: models.EscrowConfig{
			MinPriceNano:       getEnvInt64("ESCROW_MIN_PRICE_NANO", 1_000_000_000),
			MaxPriceNano:       getEnvInt64("ESCROW_MAX_PRICE_NANO", 100_000_000_000_000),
			FeeBps:             getEnvInt64("ESCROW_FEE_BPS", 250),
			MinFeeNano:         getEnvInt64("ESCROW_MIN_FEE_NANO", 100_000_000),
			VerificationWindow: verificationWindow,
			GracePeriod:        gracePeriod,
			BanThreshold:       getEnvInt("ESCROW_BAN_THRESHOLD", 5),
		},
		Withdrawal: models.WithdrawalConfig{
			MinAmountNano:    getEnvInt64("WITHDRAWAL_MIN_NANO", 1_000_000_000),
			PerTxLimitNano:   getEnvInt64("WITHDRAWAL_PER_TX_LIMIT_NANO", 10_000_000_000_000),
			DailyLimitNano:   getEnvInt64("WITHDRAWAL_DAILY_LIMIT_NANO", 50_000_000_000_000),
			AdminReviewNano:  getEnvInt64("WITHDRAWAL_ADMIN_REVIEW_NANO", 5_000_000_000_000),
			MaxPending:       getEnvInt("WITHDRAWAL_MAX_PENDING", 3),
			Cooldown:         cooldown,
			BroadcastTimeout: broadcastTimeout,
			QueueSize:        getEnvInt("WITHDRAWAL_QUEUE_SIZE", 128),
			RequeueOnStartup: getEnvBool("WITHDRAWAL_REQUEUE_ON_STARTUP", true),
		},
		Collab: models.CollabConfig{
			OracleBaseURL:    getEnvString("ORACLE_BASE_URL", "http://localhost:9090"),
			BroadcastBaseURL: getEnvString("BROADCAST_BASE_URL", "http://localhost:9091"),
			AdminToken:       getEnvString("COLLAB_ADMIN_TOKEN", ""),
			RequestTimeout:   requestTimeout,
		},
	}

	if limitsFile := getEnvString("LIMITS_FILE", ""); limitsFile != "" {
		if err := ApplyLimitsFile(cfg, limitsFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
