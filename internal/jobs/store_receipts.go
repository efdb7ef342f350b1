package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Receipt statuses. A receipt exists only after a processing attempt
// concluded; in-flight events have no row.
const (
	ReceiptProcessed = "processed"
	ReceiptFailed    = "failed"
)

// Receipt records the outcome of one webhook event for idempotent ingestion.
type Receipt struct {
	EventID     string
	EventType   string
	ResourceURN string
	Status      string
	Attempts    int
	LastError   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// GetReceipt returns the stored receipt for an event, or nil when unseen.
func (s *Store) GetReceipt(ctx context.Context, eventID string) (*Receipt, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT event_id, event_type, resource_urn, status, attempts, last_error, received_at, processed_at
         FROM webhook_receipts WHERE event_id = ?`,
		eventID,
	)

	var (
		receipt      Receipt
		lastError    sql.NullString
		receivedRaw  string
		processedRaw sql.NullString
	)
	err := row.Scan(
		&receipt.EventID,
		&receipt.EventType,
		&receipt.ResourceURN,
		&receipt.Status,
		&receipt.Attempts,
		&lastError,
		&receivedRaw,
		&processedRaw,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	receipt.LastError = lastError.String
	if received, err := parseTimeString(receivedRaw); err == nil {
		receipt.ReceivedAt = received
	}
	if processedRaw.Valid {
		if processed, err := parseTimeString(processedRaw.String); err == nil {
			receipt.ProcessedAt = &processed
		}
	}
	return &receipt, nil
}

// RecordReceipt upserts the outcome of a webhook event. Re-recording an event
// (a failed receipt being retried) replaces the previous outcome.
func (s *Store) RecordReceipt(ctx context.Context, receipt Receipt) error {
	now := time.Now().UTC()
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = now
	}
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO webhook_receipts (event_id, event_type, resource_urn, status, attempts, last_error, received_at, processed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(event_id) DO UPDATE SET
             status = excluded.status,
             attempts = excluded.attempts,
             last_error = excluded.last_error,
             processed_at = excluded.processed_at`,
		receipt.EventID,
		receipt.EventType,
		receipt.ResourceURN,
		receipt.Status,
		receipt.Attempts,
		nullableString(receipt.LastError),
		receipt.ReceivedAt.Format(time.RFC3339Nano),
		nullableTime(receipt.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("record receipt: %w", err)
	}
	return nil
}

// PruneReceipts removes receipts received before cutoff.
func (s *Store) PruneReceipts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM webhook_receipts WHERE received_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune receipts: %w", err)
	}
	return res.RowsAffected()
}
