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

package postgres

const (
	// Account queries
	queryInsertAccount = `
		INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`

	queryGetAccount = `
		SELECT id, banned, created_at
		FROM accounts
		WHERE id = $1`

	querySetBanned = `
		UPDATE accounts SET banned = $1 WHERE id = $2`

	// Balance queries
	queryGetBalance = `
		SELECT user_id, balance, version, last_ref, updated_at
		FROM balances
		WHERE user_id = $1`

	queryEnsureBalance = `
		INSERT INTO balances (user_id, balance, version) VALUES ($1, 0, 1)
		ON CONFLICT (user_id) DO NOTHING`

	queryUpdateBalanceCAS = `
		UPDATE balances
		SET balance = $1, last_ref = $2, version = version + 1, updated_at = NOW()
		WHERE user_id = $3 AND version = $4`

	// Channel queries
	queryInsertChannel = `
		INSERT INTO channels (id, owner_id, price, status) VALUES ($1, $2, $3, $4)`

	queryGetChannel = `
		SELECT id, owner_id, price, status, created_at
		FROM channels
		WHERE id = $1`

	querySetChannelStatus = `
		UPDATE channels SET status = $1 WHERE id = $2`

	// Purchase queries; the conditional insert carries the one-active-purchase-
	// per-channel invariant, same as the SQLite backend.
	queryInsertPurchase = `
		INSERT INTO purchases (
			id, channel_id, buyer_id, seller_id, price, held_amount, status,
			verification_token, verification_deadline, original_assets,
			created_at, updated_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE NOT EXISTS (
			SELECT 1 FROM purchases
			WHERE channel_id = $2 AND status IN ('HELD', 'SELLER_CONFIRMED')
		)`

	queryGetPurchase = `
		SELECT id, channel_id, buyer_id, seller_id, price, held_amount, status,
		       verification_token, verification_deadline, original_assets,
		       seller_confirmed_at, fraud_detected, refund_reason,
		       ownership_verified, gifts_verified, created_at, updated_at
		FROM purchases
		WHERE id = $1`

	queryUpdatePurchase = `
		UPDATE purchases
		SET status = $1, verification_token = $2, seller_confirmed_at = $3,
		    fraud_detected = $4, refund_reason = $5, ownership_verified = $6,
		    gifts_verified = $7, updated_at = NOW()
		WHERE id = $8`

	// The status predicate is the lifecycle fence: of two racing transitions
	// reading the same prior status, only one matches the row.
	queryTransitionPurchase = `
		UPDATE purchases
		SET status = $1, verification_token = $2, seller_confirmed_at = $3,
		    fraud_detected = $4, refund_reason = $5, ownership_verified = $6,
		    gifts_verified = $7, updated_at = NOW()
		WHERE id = $8 AND status = $9`

	queryListDuePurchases = `
		SELECT id, channel_id, buyer_id, seller_id, price, held_amount, status,
		       verification_token, verification_deadline, original_assets,
		       seller_confirmed_at, fraud_detected, refund_reason,
		       ownership_verified, gifts_verified, created_at, updated_at
		FROM purchases
		WHERE status = 'HELD' AND verification_deadline < $1
		ORDER BY verification_deadline
		LIMIT $2`

	// Withdrawal queries
	queryInsertWithdrawal = `
		INSERT INTO withdrawals (
			id, user_id, destination_address, amount, status, message,
			ip, needs_approval, daily_used_snapshot, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	queryGetWithdrawal = `
		SELECT id, user_id, destination_address, amount, status, message,
		       tx_hash, failure_reason, ip, needs_approval, daily_used_snapshot,
		       created_at, updated_at
		FROM withdrawals
		WHERE id = $1`

	queryUpdateWithdrawal = `
		UPDATE withdrawals
		SET status = $1, tx_hash = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $4`

	queryListWithdrawalsByStatus = `
		SELECT id, user_id, destination_address, amount, status, message,
		       tx_hash, failure_reason, ip, needs_approval, daily_used_snapshot,
		       created_at, updated_at
		FROM withdrawals
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`

	queryCountOpenWithdrawals = `
		SELECT COUNT(*)
		FROM withdrawals
		WHERE user_id = $1 AND status IN ('pending', 'processing', 'admin_review')`

	queryLastWithdrawalAt = `
		SELECT MAX(created_at)
		FROM withdrawals
		WHERE user_id = $1`

	querySumCompletedWithdrawalsSince = `
		SELECT COALESCE(SUM(amount), 0)
		FROM withdrawals
		WHERE user_id = $1 AND status = 'completed' AND created_at >= $2`

	// Warning queries
	queryInsertWarning = `
		INSERT INTO user_warnings (id, user_id, reason, description, related_purchase_id)
		VALUES ($1, $2, $3, $4, $5)`

	queryWarningCount = `
		SELECT COUNT(*) FROM user_warnings WHERE user_id = $1`

	// Audit chain queries
	queryInsertAuditEntry = `
		INSERT INTO audit_log (seq, ts, event_type, user_id, amount, ref_id, metadata, hash, previous_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	queryLastAuditEntry = `
		SELECT seq, ts, event_type, user_id, amount, ref_id, metadata, hash, previous_hash
		FROM audit_log
		ORDER BY seq DESC
		LIMIT 1`

	queryListAuditEntries = `
		SELECT seq, ts, event_type, user_id, amount, ref_id, metadata, hash, previous_hash
		FROM audit_log
		WHERE seq >= $1 AND seq <= $2
		ORDER BY seq`

	queryMaxAuditSeq = `
		SELECT COALESCE(MAX(seq), 0) FROM audit_log`
)
