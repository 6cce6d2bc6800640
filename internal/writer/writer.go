package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sawmill/internal/config"
	"sawmill/internal/deadletter"
	"sawmill/internal/logger"
	"sawmill/internal/model"
	"sawmill/pkg/circuitbreaker"
	"sawmill/pkg/metrics"
	"sawmill/pkg/retry"
)

// Observer receives terminal batch outcomes. The pipeline uses it to keep its
// pollable stats snapshot current.
type Observer interface {
	BatchCommitted(batch *model.Batch, rowCount int)
	BatchDeadLettered(batch *model.Batch, cause error)
}

// SpillFunc takes ownership of a batch that could not reach a terminal state
// before shutdown. It must persist the batch durably.
type SpillFunc func(batch *model.Batch)

// Pool runs a fixed set of workers committing batches to the store. Each
// batch is retried with exponential backoff up to the configured attempt
// ceiling; retryable failures past the ceiling are reclassified fatal and
// dead-lettered. Batches interrupted by shutdown are handed to the spill
// function instead.
type Pool struct {
	store    Store
	sink     deadletter.Sink
	breaker  *circuitbreaker.Wrapper
	policy   retry.Policy
	workers  int
	log      logger.Logger
	observer Observer
	spill    SpillFunc

	wg sync.WaitGroup
}

func NewPool(store Store, sink deadletter.Sink, cfg config.PipelineConfig, log logger.Logger) *Pool {
	return &Pool{
		store: store,
		sink:  sink,
		policy: retry.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
		},
		workers: cfg.WriterConcurrency,
		log:     log,
	}
}

// SetBreaker guards store commits with a circuit breaker so a down database
// trips fast instead of burning every batch's retry budget.
func (p *Pool) SetBreaker(b *circuitbreaker.Wrapper) {
	p.breaker = b
}

func (p *Pool) SetObserver(o Observer) {
	p.observer = o
}

func (p *Pool) SetSpill(fn SpillFunc) {
	p.spill = fn
}

// Start launches the workers consuming from in. Workers exit when in is
// closed and drained. ctx bounds how long an individual batch may keep
// retrying; once it is canceled, remaining batches are spilled rather than
// processed.
func (p *Pool) Start(ctx context.Context, in <-chan *model.Batch) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for batch := range in {
				p.process(ctx, batch)
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) process(ctx context.Context, batch *model.Batch) {
	if ctx.Err() != nil {
		p.spillBatch(batch)
		return
	}

	batch.State = model.BatchInFlight

	var rowCount int
	err := retry.Retry(ctx, p.policy, func() error {
		batch.AttemptCount++
		return p.attempt(ctx, batch, &rowCount)
	}, func(attempt int, attemptErr error) {
		metrics.WriteRetriesTotal.Inc()
		p.log.Warnw("Batch write failed, retrying",
			"sequence_id", batch.SequenceID,
			"attempt", attempt,
			"error", attemptErr,
		)
	})

	var outcome model.WriteOutcome
	switch {
	case err == nil:
		outcome = model.Committed(batch.SequenceID, rowCount)

	case retry.IsFatal(err):
		outcome = model.Fatal(batch.SequenceID, err)

	case ctx.Err() != nil:
		// Shutdown grace expired mid-retry. The batch is still viable, so it
		// goes to the spill rather than the dead-letter sink.
		batch.State = model.BatchPending
		p.spillBatch(batch)
		return

	default:
		// The retry budget ran out without the error ever turning fatal.
		outcome = model.Retryable(batch.SequenceID, err)
	}

	p.finish(ctx, batch, outcome)
}

// finish settles a batch according to its write outcome.
func (p *Pool) finish(ctx context.Context, batch *model.Batch, outcome model.WriteOutcome) {
	switch outcome.Kind {
	case model.OutcomeCommitted:
		p.commit(batch, outcome.RowCount)
	case model.OutcomeFatal:
		p.deadLetter(ctx, batch, outcome.Cause, "fatal")
	default:
		p.deadLetter(ctx, batch, outcome.Cause, "retry_exhausted")
	}
}

// attempt performs one transactional write, classifying any failure.
func (p *Pool) attempt(ctx context.Context, batch *model.Batch, rowCount *int) error {
	run := func() error {
		start := time.Now()
		n, err := p.store.WriteBatch(ctx, batch)
		elapsed := float64(time.Since(start).Milliseconds())

		if err != nil {
			metrics.WriteDuration.WithLabelValues("error").Observe(elapsed)
			return classify(err)
		}

		metrics.WriteDuration.WithLabelValues("ok").Observe(elapsed)
		*rowCount = n
		return nil
	}

	if p.breaker == nil {
		return run()
	}

	err := p.breaker.Execute(run)
	if circuitbreaker.IsOpen(err) {
		return retry.NewRetryableError(fmt.Errorf("store circuit breaker open: %w", err))
	}
	return err
}

func (p *Pool) commit(batch *model.Batch, rowCount int) {
	batch.State = model.BatchCommitted

	metrics.BatchesTotal.WithLabelValues("committed").Inc()
	metrics.RecordsCommittedTotal.Add(float64(batch.Len()))

	if rowCount < batch.Len() {
		// Fewer rows than records means a replay of an ambiguously committed
		// batch; the conflict target swallowed the duplicates.
		p.log.Infow("Batch replay resolved idempotently",
			"sequence_id", batch.SequenceID,
			"records", batch.Len(),
			"inserted", rowCount,
		)
	}

	p.log.Debugw("Batch committed",
		"sequence_id", batch.SequenceID,
		"records", batch.Len(),
		"attempts", batch.AttemptCount,
	)

	if p.observer != nil {
		p.observer.BatchCommitted(batch, rowCount)
	}
}

func (p *Pool) deadLetter(ctx context.Context, batch *model.Batch, cause error, reason string) {
	batch.State = model.BatchDeadLettered

	p.log.Errorw("Batch dead-lettered",
		"sequence_id", batch.SequenceID,
		"records", batch.Len(),
		"attempt_count", batch.AttemptCount,
		"reason", reason,
		"cause", cause,
	)

	// The sink append must survive a canceled run context during shutdown.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.sink.Append(appendCtx, deadletter.NewEntry(batch, cause)); err != nil {
		// Losing the sink too means the spill is the last resort.
		p.log.Errorw("Dead-letter sink append failed, spilling batch",
			"sequence_id", batch.SequenceID,
			"error", err,
		)
		p.spillBatch(batch)
		return
	}

	metrics.BatchesTotal.WithLabelValues("dead_lettered").Inc()
	metrics.DeadLetterBatchesTotal.WithLabelValues(reason).Inc()

	if p.observer != nil {
		p.observer.BatchDeadLettered(batch, cause)
	}
}

func (p *Pool) spillBatch(batch *model.Batch) {
	if p.spill == nil {
		p.log.Errorw("No spill target configured, batch stranded",
			"sequence_id", batch.SequenceID,
			"records", batch.Len(),
		)
		return
	}
	p.spill(batch)
}
