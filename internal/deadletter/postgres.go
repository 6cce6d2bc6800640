package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresSink appends dead-lettered batches to a secondary table in the same
// database the writer targets. The insert is idempotent on sequence_id so a
// crash between dead-lettering and acknowledging cannot double-append.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Append(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry.Records)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter payload: %w", err)
	}

	query := `
		INSERT INTO dead_letter_batches (sequence_id, attempt_count, cause, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence_id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		int64(entry.SequenceID), entry.AttemptCount, entry.Cause, payload, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append dead-letter batch: %w", err)
	}

	return nil
}

func (s *PostgresSink) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_batches`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead-letter batches: %w", err)
	}
	return count, nil
}
