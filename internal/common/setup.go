package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"channel-escrow-go/internal/audit"
	"channel-escrow-go/internal/database"
	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/postgres"
	"channel-escrow-go/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	}
}

type Services struct {
	Store       store.Store
	AuditLogger *audit.Logger
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices opens the configured storage backend and seeds the audit
// chain cursor from it.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	st, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	auditLogger, err := audit.NewLogger(ctx, st, cfg.Audit.FilePath)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Services{
		Store:       st,
		AuditLogger: auditLogger,
	}, nil
}

// OpenStore selects the storage backend by configuration. SQLite is the
// default for single-node deployments; Postgres for anything shared.
func OpenStore(ctx context.Context, cfg models.DatabaseConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return database.NewService(ctx, cfg)
	case "postgres":
		return postgres.NewService(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}

func (cs *Services) Close() {
	if cs.AuditLogger != nil {
		cs.AuditLogger.Close()
	}
	if cs.Store != nil {
		cs.Store.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
