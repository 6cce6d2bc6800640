package pipeline

import (
	"sync/atomic"
	"time"
)

// Stats holds the pipeline's live counters. All fields are atomics so the
// snapshot path never touches pipeline locks.
type Stats struct {
	start time.Time

	submitted         atomic.Uint64
	rejected          atomic.Uint64
	committedRecords  atomic.Uint64
	committedBatches  atomic.Uint64
	deadLetterRecords atomic.Uint64
	deadLetterBatches atomic.Uint64
	spilledBatches    atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

// Snapshot is a read-only view of pipeline state, served to producers for
// backpressure-aware throttling decisions.
type Snapshot struct {
	BufferOccupancy   int     `json:"buffer_occupancy"`
	BufferCapacity    int     `json:"buffer_capacity"`
	RecordsSubmitted  uint64  `json:"records_submitted"`
	RecordsRejected   uint64  `json:"records_rejected"`
	RecordsDropped    uint64  `json:"records_dropped"`
	RecordsCommitted  uint64  `json:"records_committed"`
	BatchesCommitted  uint64  `json:"batches_committed"`
	BatchesDeadLetter uint64  `json:"batches_dead_lettered"`
	RecordsDeadLetter uint64  `json:"records_dead_lettered"`
	BatchesSpilled    uint64  `json:"batches_spilled"`
	RecordsPerSecond  float64 `json:"records_per_second"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

func (s *Stats) snapshot(occupancy, capacity int, dropped uint64) Snapshot {
	uptime := time.Since(s.start).Seconds()
	committed := s.committedRecords.Load()

	var rate float64
	if uptime > 0 {
		rate = float64(committed) / uptime
	}

	return Snapshot{
		BufferOccupancy:   occupancy,
		BufferCapacity:    capacity,
		RecordsSubmitted:  s.submitted.Load(),
		RecordsRejected:   s.rejected.Load(),
		RecordsDropped:    dropped,
		RecordsCommitted:  committed,
		BatchesCommitted:  s.committedBatches.Load(),
		BatchesDeadLetter: s.deadLetterBatches.Load(),
		RecordsDeadLetter: s.deadLetterRecords.Load(),
		BatchesSpilled:    s.spilledBatches.Load(),
		RecordsPerSecond:  rate,
		UptimeSeconds:     uptime,
	}
}
