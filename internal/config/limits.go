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
	"path/filepath"

	"channel-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// LimitsFile is the optional operator-editable limits overlay. Amounts are
// decimal TON strings; zero values leave the env/default value in place.
type LimitsFile struct {
	Escrow struct {
		MinPrice   string `yaml:"min_price"`
		MaxPrice   string `yaml:"max_price"`
		FeePercent string `yaml:"fee_percent"`
		MinFee     string `yaml:"min_fee"`
	} `yaml:"escrow"`
	Withdrawal struct {
		MinAmount   string `yaml:"min_amount"`
		PerTxLimit  string `yaml:"per_tx_limit"`
		DailyLimit  string `yaml:"daily_limit"`
		AdminReview string `yaml:"admin_review"`
		MaxPending  int    `yaml:"max_pending"`
	} `yaml:"withdrawal"`
}

// ApplyLimitsFile overlays limits from a YAML file onto cfg.
func ApplyLimitsFile(cfg *models.Config, limitsFile string) error {
	var limitsPath string
	if filepath.IsAbs(limitsFile) {
		limitsPath = limitsFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		limitsPath = filepath.Join(wd, limitsFile)
	}

	data, err := os.ReadFile(limitsPath)
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", limitsFile, err)
	}

	var limits LimitsFile
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return fmt.Errorf("unable to parse %s: %w", limitsFile, err)
	}

	if err := overlayNano(&cfg.Escrow.MinPriceNano, limits.Escrow.MinPrice); err != nil {
		return fmt.Errorf("%s: escrow.min_price: %w", limitsFile, err)
	}
	if err := overlayNano(&cfg.Escrow.MaxPriceNano, limits.Escrow.MaxPrice); err != nil {
		return fmt.Errorf("%s: escrow.max_price: %w", limitsFile, err)
	}
	if err := overlayBps(&cfg.Escrow.FeeBps, limits.Escrow.FeePercent); err != nil {
		return fmt.Errorf("%s: escrow.fee_percent: %w", limitsFile, err)
	}
	if err := overlayNano(&cfg.Escrow.MinFeeNano, limits.Escrow.MinFee); err != nil {
		return fmt.Errorf("%s: escrow.min_fee: %w", limitsFile, err)
	}

	if err := overlayNano(&cfg.Withdrawal.MinAmountNano, limits.Withdrawal.MinAmount); err != nil {
		return fmt.Errorf("%s: withdrawal.min_amount: %w", limitsFile, err)
	}
	if err := overlayNano(&cfg.Withdrawal.PerTxLimitNano, limits.Withdrawal.PerTxLimit); err != nil {
		return fmt.Errorf("%s: withdrawal.per_tx_limit: %w", limitsFile, err)
	}
	if err := overlayNano(&cfg.Withdrawal.DailyLimitNano, limits.Withdrawal.DailyLimit); err != nil {
		return fmt.Errorf("%s: withdrawal.daily_limit: %w", limitsFile, err)
	}
	if err := overlayNano(&cfg.Withdrawal.AdminReviewNano, limits.Withdrawal.AdminReview); err != nil {
		return fmt.Errorf("%s: withdrawal.admin_review: %w", limitsFile, err)
	}
	if limits.Withdrawal.MaxPending > 0 {
		cfg.Withdrawal.MaxPending = limits.Withdrawal.MaxPending
	}

	if cfg.Escrow.MinPriceNano > cfg.Escrow.MaxPriceNano {
		return fmt.Errorf("%s: escrow min_price exceeds max_price", limitsFile)
	}
	return nil
}

func overlayNano(dst *int64, value string) error {
	if value == "" {
		return nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", value, err)
	}
	nano := d.Mul(decimal.NewFromInt(1_000_000_000))
	if d.IsNegative() || !nano.IsInteger() {
		return fmt.Errorf("amount %q is not a whole number of nanotons", value)
	}
	*dst = nano.IntPart()
	return nil
}

func overlayBps(dst *int64, percent string) error {
	if percent == "" {
		return nil
	}
	d, err := decimal.NewFromString(percent)
	if err != nil {
		return fmt.Errorf("invalid percentage %q: %w", percent, err)
	}
	bps := d.Mul(decimal.NewFromInt(100))
	if d.IsNegative() || !bps.IsInteger() {
		return fmt.Errorf("percentage %q finer than a basis point", percent)
	}
	*dst = bps.IntPart()
	return nil
}
