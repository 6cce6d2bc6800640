package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"sawmill/internal/model"
)

// Store is the durable sink for batches. WriteBatch must be all-or-nothing:
// either every record in the batch commits or none do, and it must be safely
// re-appliable for the same batch (ambiguous-timeout retries may re-send a
// batch that already committed).
type Store interface {
	WriteBatch(ctx context.Context, batch *model.Batch) (int, error)
	CountRecords(ctx context.Context) (int64, error)
}

const recordColumns = 7

// PostgresStore persists batches into the log_records table in a single
// transaction per batch. Rows carry (sequence_id, seq_no) under a primary key
// so replays insert nothing instead of duplicating.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) WriteBatch(ctx context.Context, batch *model.Batch) (int, error) {
	if batch.Len() == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := buildInsert(batch)
	if err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert batch %d: %w", batch.SequenceID, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch %d: %w", batch.SequenceID, err)
	}

	return int(inserted), nil
}

func buildInsert(batch *model.Batch) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO log_records (sequence_id, seq_no, ts, source, level, message, attributes) VALUES `)

	args := make([]any, 0, batch.Len()*recordColumns)
	for i, rec := range batch.Records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * recordColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)

		var attrs []byte
		if rec.Attributes != nil {
			var err error
			attrs, err = json.Marshal(rec.Attributes)
			if err != nil {
				return "", nil, fmt.Errorf("failed to marshal attributes for batch %d record %d: %w", batch.SequenceID, i, err)
			}
		}

		args = append(args,
			int64(batch.SequenceID), i, rec.Timestamp, rec.Source, string(rec.Level), rec.Message, nullableJSON(attrs),
		)
	}

	sb.WriteString(` ON CONFLICT (sequence_id, seq_no) DO NOTHING`)
	return sb.String(), args, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *PostgresStore) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_records`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}
