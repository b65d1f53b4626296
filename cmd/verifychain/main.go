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

// verifychain replays the audit chain offline and reports the first broken
// link, if any. Intended for operators and scheduled integrity checks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"channel-escrow-go/internal/audit"
	"channel-escrow-go/internal/common"
	"channel-escrow-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	fromSeq := flag.Int64("from", 1, "First sequence number to verify")
	toSeq := flag.Int64("to", 0, "Last sequence number to verify (0 = chain head)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx := context.Background()

	st, err := common.OpenStore(ctx, cfg.Database)
	if err != nil {
		zap.L().Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	result, err := audit.Verify(ctx, st, *fromSeq, *toSeq)
	if err != nil {
		zap.L().Fatal("Chain verification could not run", zap.Error(err))
	}

	if result.Ok {
		fmt.Printf("audit chain intact: %d entries verified\n", result.Entries)
		return
	}

	fmt.Printf("audit chain BROKEN at seq %d: %s\n", result.FirstBadSeq, result.Reason)
	os.Exit(1)
}
