package model

import "time"

// BatchState tracks a batch through its lifecycle:
// Pending -> InFlight -> {Committed | Pending (requeued) | DeadLettered}.
type BatchState string

const (
	BatchPending      BatchState = "pending"
	BatchInFlight     BatchState = "in_flight"
	BatchCommitted    BatchState = "committed"
	BatchDeadLettered BatchState = "dead_lettered"
)

// Batch is an ordered group of records committed together in one transaction.
// It is owned exclusively by the batcher until handed to the writer, then
// exclusively by the writer until it reaches a terminal state.
type Batch struct {
	SequenceID   uint64     `json:"sequence_id"`
	CreatedAt    time.Time  `json:"created_at"`
	AttemptCount int        `json:"attempt_count"`
	Records      []Record   `json:"records"`
	State        BatchState `json:"state"`
}

func NewBatch(sequenceID uint64, records []Record) *Batch {
	return &Batch{
		SequenceID: sequenceID,
		CreatedAt:  time.Now(),
		Records:    records,
		State:      BatchPending,
	}
}

func (b *Batch) Len() int {
	return len(b.Records)
}

// OutcomeKind classifies the result of a write attempt.
type OutcomeKind int

const (
	OutcomeCommitted OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// WriteOutcome is the terminal result of the write phase for a batch. A
// Retryable outcome at this level means the retry budget was exhausted.
type WriteOutcome struct {
	Kind     OutcomeKind
	BatchID  uint64
	RowCount int
	Cause    error
}

func Committed(batchID uint64, rowCount int) WriteOutcome {
	return WriteOutcome{Kind: OutcomeCommitted, BatchID: batchID, RowCount: rowCount}
}

func Retryable(batchID uint64, cause error) WriteOutcome {
	return WriteOutcome{Kind: OutcomeRetryable, BatchID: batchID, Cause: cause}
}

func Fatal(batchID uint64, cause error) WriteOutcome {
	return WriteOutcome{Kind: OutcomeFatal, BatchID: batchID, Cause: cause}
}
