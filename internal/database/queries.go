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

const (
	// Account queries
	queryInsertAccount = `
		INSERT OR IGNORE INTO accounts (id) VALUES (?)`

	queryGetAccount = `
		SELECT id, banned, created_at
		FROM accounts
		WHERE id = ?`

	querySetBanned = `
		UPDATE accounts SET banned = ? WHERE id = ?`

	// Balance queries
	queryGetBalance = `
		SELECT user_id, balance, version, last_ref, updated_at
		FROM balances
		WHERE user_id = ?`

	queryEnsureBalance = `
		INSERT OR IGNORE INTO balances (user_id, balance, version) VALUES (?, 0, 1)`

	queryUpdateBalanceCAS = `
		UPDATE balances
		SET balance = ?, last_ref = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND version = ?`

	// Channel queries
	queryInsertChannel = `
		INSERT INTO channels (id, owner_id, price, status) VALUES (?, ?, ?, ?)`

	queryGetChannel = `
		SELECT id, owner_id, price, status, created_at
		FROM channels
		WHERE id = ?`

	querySetChannelStatus = `
		UPDATE channels SET status = ? WHERE id = ?`

	// Purchase queries. The insert is conditional: it is a no-op when the
	// channel already carries an open purchase, which is how the one-active-
	// purchase-per-channel invariant is enforced without a separate read.
	queryInsertPurchase = `
		INSERT INTO purchases (
			id, channel_id, buyer_id, seller_id, price, held_amount, status,
			verification_token, verification_deadline, original_assets,
			created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM purchases
			WHERE channel_id = ? AND status IN ('HELD', 'SELLER_CONFIRMED')
		)`

	queryGetPurchase = `
		SELECT id, channel_id, buyer_id, seller_id, price, held_amount, status,
		       verification_token, verification_deadline, original_assets,
		       seller_confirmed_at, fraud_detected, refund_reason,
		       ownership_verified, gifts_verified, created_at, updated_at
		FROM purchases
		WHERE id = ?`

	queryUpdatePurchase = `
		UPDATE purchases
		SET status = ?, verification_token = ?, seller_confirmed_at = ?,
		    fraud_detected = ?, refund_reason = ?, ownership_verified = ?,
		    gifts_verified = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	// The status predicate is the lifecycle fence: of two racing transitions
	// reading the same prior status, only one matches the row.
	queryTransitionPurchase = `
		UPDATE purchases
		SET status = ?, verification_token = ?, seller_confirmed_at = ?,
		    fraud_detected = ?, refund_reason = ?, ownership_verified = ?,
		    gifts_verified = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`

	queryListDuePurchases = `
		SELECT id, channel_id, buyer_id, seller_id, price, held_amount, status,
		       verification_token, verification_deadline, original_assets,
		       seller_confirmed_at, fraud_detected, refund_reason,
		       ownership_verified, gifts_verified, created_at, updated_at
		FROM purchases
		WHERE status = 'HELD' AND verification_deadline < ?
		ORDER BY verification_deadline
		LIMIT ?`

	// Withdrawal queries
	queryInsertWithdrawal = `
		INSERT INTO withdrawals (
			id, user_id, destination_address, amount, status, message,
			ip, needs_approval, daily_used_snapshot, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetWithdrawal = `
		SELECT id, user_id, destination_address, amount, status, message,
		       tx_hash, failure_reason, ip, needs_approval, daily_used_snapshot,
		       created_at, updated_at
		FROM withdrawals
		WHERE id = ?`

	queryUpdateWithdrawal = `
		UPDATE withdrawals
		SET status = ?, tx_hash = ?, failure_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	queryListWithdrawalsByStatus = `
		SELECT id, user_id, destination_address, amount, status, message,
		       tx_hash, failure_reason, ip, needs_approval, daily_used_snapshot,
		       created_at, updated_at
		FROM withdrawals
		WHERE status = ?
		ORDER BY created_at
		LIMIT ?`

	queryCountOpenWithdrawals = `
		SELECT COUNT(*)
		FROM withdrawals
		WHERE user_id = ? AND status IN ('pending', 'processing', 'admin_review')`

	queryLastWithdrawalAt = `
		SELECT MAX(created_at)
		FROM withdrawals
		WHERE user_id = ?`

	querySumCompletedWithdrawalsSince = `
		SELECT COALESCE(SUM(amount), 0)
		FROM withdrawals
		WHERE user_id = ? AND status = 'completed' AND created_at >= ?`

	// Warning queries
	queryInsertWarning = `
		INSERT INTO user_warnings (id, user_id, reason, description, related_purchase_id)
		VALUES (?, ?, ?, ?, ?)`

	queryWarningCount = `
		SELECT COUNT(*) FROM user_warnings WHERE user_id = ?`

	// Audit chain queries
	queryInsertAuditEntry = `
		INSERT INTO audit_log (seq, ts, event_type, user_id, amount, ref_id, metadata, hash, previous_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryLastAuditEntry = `
		SELECT seq, ts, event_type, user_id, amount, ref_id, metadata, hash, previous_hash
		FROM audit_log
		ORDER BY seq DESC
		LIMIT 1`

	queryListAuditEntries = `
		SELECT seq, ts, event_type, user_id, amount, ref_id, metadata, hash, previous_hash
		FROM audit_log
		WHERE seq >= ? AND seq <= ?
		ORDER BY seq`

	queryMaxAuditSeq = `
		SELECT COALESCE(MAX(seq), 0) FROM audit_log`
)
