package batcher

import (
	"context"
	"sync/atomic"
	"time"

	"sawmill/internal/buffer"
	"sawmill/internal/config"
	"sawmill/internal/logger"
	"sawmill/internal/model"
	"sawmill/pkg/metrics"
)

// Batcher drains the ingress buffer and groups records into batches, closing
// a batch when it reaches the record-count threshold or when the time window
// since its first record elapses, whichever happens first. A single Run loop
// preserves the drain order of records within every batch.
type Batcher struct {
	buf        *buffer.Buffer
	out        chan<- *model.Batch
	maxRecords int
	window     time.Duration
	log        logger.Logger

	seq        atomic.Uint64
	forceFlush chan struct{}
}

func New(buf *buffer.Buffer, out chan<- *model.Batch, cfg config.PipelineConfig, log logger.Logger) *Batcher {
	return &Batcher{
		buf:        buf,
		out:        out,
		maxRecords: cfg.BatchMaxRecords,
		window:     cfg.BatchMaxWindow,
		log:        log,
		forceFlush: make(chan struct{}, 1),
	}
}

// SetSequence advances the batch sequence counter so it never reuses an ID
// already present in recovered spill state.
func (b *Batcher) SetSequence(next uint64) {
	b.seq.Store(next)
}

// ForceFlush asks the run loop to close the open batch regardless of size or
// window. Non-blocking; coalesces with a pending request.
func (b *Batcher) ForceFlush() {
	select {
	case b.forceFlush <- struct{}{}:
	default:
	}
}

// Run consumes the buffer until ctx is canceled, then drains whatever remains
// (buffer contents included), forwards the final partial batch, and closes
// the output channel. An empty window emits nothing.
func (b *Batcher) Run(ctx context.Context) error {
	defer close(b.out)

	var pending []model.Record

	timer := time.NewTimer(b.window)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	armTimer := func() {
		if !timerActive {
			timer.Reset(b.window)
			timerActive = true
		}
	}
	disarmTimer := func() {
		if timerActive {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerActive = false
		}
	}

	emit := func() {
		if len(pending) == 0 {
			return
		}
		batch := model.NewBatch(b.seq.Add(1), pending)
		metrics.BatchSizeRecords.Observe(float64(len(pending)))
		pending = nil
		disarmTimer()
		b.out <- batch
	}

	collect := func() {
		for len(pending) < b.maxRecords {
			got := b.buf.Drain(b.maxRecords - len(pending))
			if len(got) == 0 {
				return
			}
			if len(pending) == 0 {
				armTimer()
			}
			pending = append(pending, got...)
		}
	}

	for {
		select {
		case <-ctx.Done():
			b.drainRemaining(&pending)
			emit()
			return nil

		case <-b.buf.Ready():
			collect()
			if len(pending) >= b.maxRecords {
				emit()
				// The buffer may hold more than one batch worth of records
				// after a burst; keep cutting full batches.
				for {
					collect()
					if len(pending) < b.maxRecords {
						break
					}
					emit()
				}
			}

		case <-timer.C:
			timerActive = false
			emit()

		case <-b.forceFlush:
			collect()
			emit()
		}
	}
}

// drainRemaining moves everything still buffered into pending, emitting full
// batches along the way, so shutdown strands no record in the buffer. Intake
// is already closed by the time the run context is canceled.
func (b *Batcher) drainRemaining(pending *[]model.Record) {
	for {
		got := b.buf.Drain(b.maxRecords - len(*pending))
		if len(got) == 0 {
			return
		}
		*pending = append(*pending, got...)
		if len(*pending) >= b.maxRecords {
			batch := model.NewBatch(b.seq.Add(1), *pending)
			metrics.BatchSizeRecords.Observe(float64(len(*pending)))
			*pending = nil
			b.out <- batch
		}
	}
}
