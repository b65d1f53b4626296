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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"channel-escrow-go/internal/api"
	"channel-escrow-go/internal/collab"
	"channel-escrow-go/internal/common"
	"channel-escrow-go/internal/config"
	"channel-escrow-go/internal/escrow"
	"channel-escrow-go/internal/ledger"
	"channel-escrow-go/internal/withdrawal"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	zap.L().Info("Starting channel escrow service")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	oracle := collab.NewOracleClient(cfg.Collab)
	broadcaster := collab.NewBroadcastClient(cfg.Collab)

	ledgerSvc := ledger.New(services.Store, services.AuditLogger)
	escrowSvc := escrow.NewService(services.Store, ledgerSvc, services.AuditLogger,
		oracle, oracle, collab.LogNotifier{}, cfg.Escrow)
	withdrawalSvc := withdrawal.NewService(services.Store, ledgerSvc, services.AuditLogger,
		broadcaster, cfg.Withdrawal)

	handler := api.NewHandler(escrowSvc, withdrawalSvc, ledgerSvc, services.AuditLogger)
	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.NewRouter(handler),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		zap.L().Info("HTTP server listening", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		err := withdrawalSvc.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		return runDeadlineSweeper(groupCtx, escrowSvc, cfg.Server.SweepInterval)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Fatal("Service exited with error", zap.Error(err))
	}
	zap.L().Info("Service stopped")
}

// runDeadlineSweeper periodically expires HELD purchases past their
// verification deadline, refunding buyers.
func runDeadlineSweeper(ctx context.Context, escrowSvc *escrow.Service, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := escrowSvc.ExpireDuePurchases(ctx, 100)
			if err != nil {
				zap.L().Error("Deadline sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				zap.L().Info("Expired overdue purchases", zap.Int("count", expired))
			}
		}
	}
}
