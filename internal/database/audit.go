package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"
)

func (s *Service) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	var amount sql.NullInt64
	if e.AmountNano != nil {
		amount = sql.NullInt64{Int64: *e.AmountNano, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, queryInsertAuditEntry,
		e.Seq, e.Timestamp, e.EventType, e.UserId, amount, e.RefId,
		string(meta), e.Hash, e.PreviousHash)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *Service) LastAuditEntry(ctx context.Context) (*models.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, queryLastAuditEntry)
	e, err := scanAuditEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last audit entry: %w", err)
	}
	return e, nil
}

func (s *Service) ListAuditEntries(ctx context.Context, fromSeq, toSeq int64) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, queryListAuditEntries, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return entries, nil
}

func (s *Service) MaxAuditSeq(ctx context.Context) (int64, error) {
	var max int64
	if err := s.db.QueryRowContext(ctx, queryMaxAuditSeq).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get max audit seq: %w", err)
	}
	return max, nil
}

func scanAuditEntry(scan func(dest ...interface{}) error) (*models.AuditEntry, error) {
	var e models.AuditEntry
	var amount sql.NullInt64
	var meta string
	err := scan(&e.Seq, &e.Timestamp, &e.EventType, &e.UserId, &amount, &e.RefId,
		&meta, &e.Hash, &e.PreviousHash)
	if err != nil {
		return nil, err
	}
	if amount.Valid {
		v := amount.Int64
		e.AmountNano = &v
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode audit metadata %q: %w", meta, err)
	}
	return &e, nil
}
