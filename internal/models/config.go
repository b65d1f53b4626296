package models

import "time"

// Config represents the application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Audit      AuditConfig
	Escrow     EscrowConfig
	Withdrawal WithdrawalConfig
	Collab     CollabConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
	SweepInterval   time.Duration
}

// DatabaseConfig holds storage backend settings. Backend selects between the
// SQLite and Postgres implementations; Path is used by SQLite, URL by Postgres.
type DatabaseConfig struct {
	Backend         string
	Path            string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// AuditConfig holds audit chain logger settings
type AuditConfig struct {
	FilePath string
}

// EscrowConfig holds purchase escrow settings. All amounts are nanotons.
type EscrowConfig struct {
	MinPriceNano       int64
	MaxPriceNano       int64
	FeeBps             int64
	MinFeeNano         int64
	VerificationWindow time.Duration
	GracePeriod        time.Duration
	BanThreshold       int
}

// WithdrawalConfig holds withdrawal pipeline settings. All amounts are nanotons.
type WithdrawalConfig struct {
	MinAmountNano      int64
	PerTxLimitNano     int64
	DailyLimitNano     int64
	AdminReviewNano    int64
	MaxPending         int
	Cooldown           time.Duration
	BroadcastTimeout   time.Duration
	QueueSize          int
	RequeueOnStartup   bool
}

// CollabConfig holds endpoints for the external collaborators.
type CollabConfig struct {
	OracleBaseURL    string
	BroadcastBaseURL string
	AdminToken       string
	RequestTimeout   time.Duration
}
