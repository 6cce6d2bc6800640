package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sawmill/internal/batcher"
	"sawmill/internal/buffer"
	"sawmill/internal/config"
	"sawmill/internal/deadletter"
	"sawmill/internal/logger"
	"sawmill/internal/model"
	"sawmill/internal/spill"
	"sawmill/internal/writer"
	"sawmill/pkg/circuitbreaker"
	"sawmill/pkg/metrics"
)

// Pipeline wires buffer, batcher, writer pool, dead-letter sink and spill
// store together and owns their lifecycle. It is the explicit context object
// every component hangs off; there are no package-level singletons.
type Pipeline struct {
	cfg   config.PipelineConfig
	log   logger.Logger
	buf   *buffer.Buffer
	batch *batcher.Batcher
	pool  *writer.Pool
	spill *spill.Store
	sink  deadletter.Sink
	store writer.Store
	stats *Stats

	batchCh       chan *model.Batch
	batcherCancel context.CancelFunc
	batcherDone   chan struct{}
	writerCancel  context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once

	fatalMu  sync.Mutex
	fatalErr error
}

func New(cfg config.PipelineConfig, store writer.Store, sink deadletter.Sink, spillStore *spill.Store, log logger.Logger) *Pipeline {
	buf := buffer.New(cfg.BufferCapacity, cfg.OverflowPolicy, cfg.SubmitTimeout)
	batchCh := make(chan *model.Batch, cfg.WriterConcurrency*2)

	p := &Pipeline{
		cfg:         cfg,
		log:         log,
		buf:         buf,
		batch:       batcher.New(buf, batchCh, cfg, log),
		pool:        writer.NewPool(store, sink, cfg, log),
		spill:       spillStore,
		sink:        sink,
		store:       store,
		stats:       NewStats(),
		batchCh:     batchCh,
		batcherDone: make(chan struct{}),
	}

	p.pool.SetObserver(p)
	p.pool.SetSpill(p.spillBatch)
	return p
}

// SetBreaker installs a circuit breaker around store commits.
func (p *Pipeline) SetBreaker(b *circuitbreaker.Wrapper) {
	p.pool.SetBreaker(b)
}

// Start recovers spilled state from a previous run, then launches the writer
// pool and the batcher.
func (p *Pipeline) Start() error {
	var startErr error
	p.startOnce.Do(func() {
		recovered, err := p.spill.Recover()
		if err != nil {
			startErr = fmt.Errorf("spill recovery failed: %w", err)
			return
		}

		p.batch.SetSequence(spill.MaxSequence(recovered))

		writerCtx, writerCancel := context.WithCancel(context.Background())
		p.writerCancel = writerCancel
		p.pool.Start(writerCtx, p.batchCh)

		if len(recovered) > 0 {
			p.log.Infow("Resubmitting recovered spill batches",
				"batches", len(recovered),
			)
			for _, b := range recovered {
				p.batchCh <- b
			}
		}

		batcherCtx, batcherCancel := context.WithCancel(context.Background())
		p.batcherCancel = batcherCancel
		go func() {
			defer close(p.batcherDone)
			if err := p.batch.Run(batcherCtx); err != nil {
				p.log.Errorw("Batcher stopped with error", "error", err)
			}
		}()
	})
	return startErr
}

// Submit validates and enqueues one record. The returned error is either a
// validation failure or the buffer's explicit rejection signal.
func (p *Pipeline) Submit(ctx context.Context, rec model.Record) error {
	if err := rec.Validate(p.cfg.MaxMessageBytes); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	if err := p.buf.Submit(ctx, rec.Clone()); err != nil {
		p.stats.rejected.Add(1)
		return err
	}

	p.stats.submitted.Add(1)
	return nil
}

// Flush forces the batcher to close its open batch regardless of size or
// window, bounding staleness on demand.
func (p *Pipeline) Flush() {
	p.batch.ForceFlush()
}

// CountCommitted reports how many records the store currently holds.
func (p *Pipeline) CountCommitted(ctx context.Context) (int64, error) {
	return p.store.CountRecords(ctx)
}

// DeadLetterCount reports how many batches the dead-letter sink holds.
func (p *Pipeline) DeadLetterCount(ctx context.Context) (int64, error) {
	return p.sink.Count(ctx)
}

// Shutdown drains the pipeline: intake stops, the batcher forwards its final
// partial batch, and the writers get the configured grace period to finish
// queued work. Whatever cannot commit in time is spilled to disk for the next
// run. Only a spill failure is returned as an error.
func (p *Pipeline) Shutdown() error {
	p.stopOnce.Do(func() {
		p.log.Info("Pipeline shutting down, draining")

		p.buf.Close()
		p.batcherCancel()

		// The grace timer must cover the whole drain, batcher included: the
		// batcher's final sends block until workers take batches, and workers
		// stuck retrying against a down store only release them once the
		// writer context is canceled and remaining batches route to the spill.
		graceExpired := make(chan struct{})
		graceTimer := time.AfterFunc(p.cfg.ShutdownGracePeriod, func() {
			close(graceExpired)
			p.writerCancel()
		})

		<-p.batcherDone
		p.pool.Wait()
		graceTimer.Stop()
		p.writerCancel()

		select {
		case <-graceExpired:
			p.log.Warnw("Shutdown grace period exceeded, remaining batches spilled",
				"grace_period", p.cfg.ShutdownGracePeriod,
				"spilled_batches", p.stats.spilledBatches.Load(),
			)
		default:
		}

		p.log.Infow("Pipeline drained",
			"committed_batches", p.stats.committedBatches.Load(),
			"dead_letter_batches", p.stats.deadLetterBatches.Load(),
			"spilled_batches", p.stats.spilledBatches.Load(),
		)
	})

	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

// Snapshot returns the pollable stats structure for producer throttling.
func (p *Pipeline) Snapshot() Snapshot {
	return p.stats.snapshot(p.buf.Len(), p.buf.Cap(), p.buf.Dropped())
}

// BatchCommitted implements writer.Observer.
func (p *Pipeline) BatchCommitted(batch *model.Batch, rowCount int) {
	p.stats.committedBatches.Add(1)
	p.stats.committedRecords.Add(uint64(batch.Len()))
	p.spill.Discard(batch.SequenceID)
}

// BatchDeadLettered implements writer.Observer.
func (p *Pipeline) BatchDeadLettered(batch *model.Batch, cause error) {
	p.stats.deadLetterBatches.Add(1)
	p.stats.deadLetterRecords.Add(uint64(batch.Len()))
	p.spill.Discard(batch.SequenceID)
}

// spillBatch persists a batch that could not reach a terminal state before
// shutdown. Spill storage failing is the one unrecoverable condition: the
// record would otherwise be lost silently, so it escalates to process level.
func (p *Pipeline) spillBatch(b *model.Batch) {
	if err := p.spill.Write(b); err != nil {
		p.log.Errorw("Spill write failed, data at risk",
			"sequence_id", b.SequenceID,
			"records", b.Len(),
			"error", err,
		)
		p.fatalMu.Lock()
		if p.fatalErr == nil {
			p.fatalErr = fmt.Errorf("spill storage unavailable: %w", err)
		}
		p.fatalMu.Unlock()
		return
	}

	metrics.BatchesTotal.WithLabelValues("spilled").Inc()
	metrics.SpilledBatchesTotal.Inc()
	p.stats.spilledBatches.Add(1)

	p.log.Warnw("Batch spilled for recovery on restart",
		"sequence_id", b.SequenceID,
		"records", b.Len(),
		"attempt_count", b.AttemptCount,
	)
}
