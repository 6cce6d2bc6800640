package deadletter

import (
	"context"
	"time"

	"sawmill/internal/model"
)

// Entry is what a dead-lettered batch looks like at the sink: the original
// payload plus enough context (sequence id, attempts, cause) for manual
// replay.
type Entry struct {
	SequenceID   uint64         `json:"sequence_id"`
	AttemptCount int            `json:"attempt_count"`
	Cause        string         `json:"cause"`
	Records      []model.Record `json:"records"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Sink is an append-only target for batches that can never succeed.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
	Count(ctx context.Context) (int64, error)
}

func NewEntry(batch *model.Batch, cause error) Entry {
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	return Entry{
		SequenceID:   batch.SequenceID,
		AttemptCount: batch.AttemptCount,
		Cause:        causeText,
		Records:      batch.Records,
		CreatedAt:    time.Now(),
	}
}
