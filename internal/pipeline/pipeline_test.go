package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sawmill/internal/config"
	"sawmill/internal/deadletter"
	"sawmill/internal/logger"
	"sawmill/internal/model"
	"sawmill/internal/spill"
)

type memStore struct {
	mu       sync.Mutex
	failing  bool
	messages []string
	written  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{written: make(map[string]bool)}
}

func (s *memStore) WriteBatch(_ context.Context, batch *model.Batch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, errors.New("connection refused")
	}

	inserted := 0
	for i, rec := range batch.Records {
		key := fmt.Sprintf("%d/%d", batch.SequenceID, i)
		if s.written[key] {
			continue
		}
		s.written[key] = true
		s.messages = append(s.messages, rec.Message)
		inserted++
	}
	return inserted, nil
}

func (s *memStore) CountRecords(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.messages)), nil
}

func (s *memStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *memStore) committed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func fastConfig(spillDir string) config.PipelineConfig {
	cfg := config.DefaultPipeline()
	cfg.BufferCapacity = 100
	cfg.BatchMaxRecords = 5
	cfg.BatchMaxWindow = 20 * time.Millisecond
	cfg.WriterConcurrency = 2
	cfg.ShutdownGracePeriod = 2 * time.Second
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 5 * time.Millisecond
	cfg.SpillDir = spillDir
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.PipelineConfig, store *memStore) (*Pipeline, deadletter.Sink) {
	t.Helper()

	spillStore, err := spill.NewStore(cfg.SpillDir, logger.NopLogger())
	require.NoError(t, err)

	sink := deadletter.NewFileSink(filepath.Join(t.TempDir(), "dead_letter.jsonl"))
	return New(cfg, store, sink, spillStore, logger.NopLogger()), sink
}

func record(msg string) model.Record {
	return model.Record{
		Timestamp: time.Now(),
		Source:    "test",
		Level:     model.LevelInfo,
		Message:   msg,
	}
}

func TestPipeline_CommitsSubmittedRecords(t *testing.T) {
	store := newMemStore()
	pipe, _ := newTestPipeline(t, fastConfig(t.TempDir()), store)
	require.NoError(t, pipe.Start())

	for i := 0; i < 10; i++ {
		require.NoError(t, pipe.Submit(context.Background(), record(fmt.Sprintf("m%d", i))))
	}

	require.Eventually(t, func() bool {
		n, err := store.CountRecords(context.Background())
		return err == nil && n == 10
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pipe.Shutdown())

	snap := pipe.Snapshot()
	assert.Equal(t, uint64(10), snap.RecordsSubmitted)
	assert.Equal(t, uint64(10), snap.RecordsCommitted)
	assert.Equal(t, uint64(0), snap.BatchesDeadLetter)
}

func TestPipeline_RejectsInvalidRecord(t *testing.T) {
	store := newMemStore()
	pipe, _ := newTestPipeline(t, fastConfig(t.TempDir()), store)
	require.NoError(t, pipe.Start())
	defer func() { require.NoError(t, pipe.Shutdown()) }()

	err := pipe.Submit(context.Background(), model.Record{Message: "no source or level"})
	require.Error(t, err)

	snap := pipe.Snapshot()
	assert.Equal(t, uint64(0), snap.RecordsSubmitted)
}

func TestPipeline_ShutdownDrainsBufferedRecords(t *testing.T) {
	store := newMemStore()
	cfg := fastConfig(t.TempDir())
	cfg.BatchMaxWindow = time.Hour // only shutdown can move these records
	cfg.BatchMaxRecords = 1000

	pipe, _ := newTestPipeline(t, cfg, store)
	require.NoError(t, pipe.Start())

	for i := 0; i < 10; i++ {
		require.NoError(t, pipe.Submit(context.Background(), record(fmt.Sprintf("m%d", i))))
	}

	require.NoError(t, pipe.Shutdown())

	n, err := store.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestPipeline_SubmitAfterShutdownIsRejected(t *testing.T) {
	store := newMemStore()
	pipe, _ := newTestPipeline(t, fastConfig(t.TempDir()), store)
	require.NoError(t, pipe.Start())
	require.NoError(t, pipe.Shutdown())

	err := pipe.Submit(context.Background(), record("late"))
	assert.Error(t, err)
}

func TestPipeline_DeadLettersAfterRetryExhaustion(t *testing.T) {
	store := newMemStore()
	store.setFailing(true)

	pipe, sink := newTestPipeline(t, fastConfig(t.TempDir()), store)
	require.NoError(t, pipe.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, pipe.Submit(context.Background(), record(fmt.Sprintf("m%d", i))))
	}

	require.Eventually(t, func() bool {
		n, err := sink.Count(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pipe.Shutdown())

	snap := pipe.Snapshot()
	assert.Equal(t, uint64(1), snap.BatchesDeadLetter)
	assert.Equal(t, uint64(5), snap.RecordsDeadLetter)
	assert.Equal(t, uint64(0), snap.RecordsCommitted)
}

func TestPipeline_SpillAndRecoverRoundTrip(t *testing.T) {
	spillDir := t.TempDir()

	// First run: the store is down and the grace period is too short for the
	// retry schedule, so shutdown spills the in-flight batch.
	store := newMemStore()
	store.setFailing(true)

	cfg := fastConfig(spillDir)
	cfg.ShutdownGracePeriod = 50 * time.Millisecond
	cfg.Retry.MaxAttempts = 10
	cfg.Retry.InitialInterval = 100 * time.Millisecond
	cfg.Retry.MaxInterval = time.Second

	pipe, _ := newTestPipeline(t, cfg, store)
	require.NoError(t, pipe.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, pipe.Submit(context.Background(), record(fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, pipe.Shutdown())

	snap := pipe.Snapshot()
	require.Greater(t, snap.BatchesSpilled, uint64(0), "shutdown should have spilled the stuck batch")

	// Second run against the same spill dir with a healthy store: the spilled
	// batch is recovered and committed, losing nothing.
	store.setFailing(false)

	pipe2, _ := newTestPipeline(t, fastConfig(spillDir), store)
	require.NoError(t, pipe2.Start())

	require.Eventually(t, func() bool {
		n, err := store.CountRecords(context.Background())
		return err == nil && n == 5
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pipe2.Shutdown())
	assert.ElementsMatch(t, []string{"m0", "m1", "m2", "m3", "m4"}, store.committed())

	// The spill file is discarded after its batch commits.
	spillStore, err := spill.NewStore(spillDir, logger.NopLogger())
	require.NoError(t, err)
	leftover, err := spillStore.Recover()
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestPipeline_RecoveredSequenceIDsAreNotReused(t *testing.T) {
	spillDir := t.TempDir()

	store := newMemStore()
	store.setFailing(true)

	cfg := fastConfig(spillDir)
	cfg.ShutdownGracePeriod = 50 * time.Millisecond
	cfg.Retry.MaxAttempts = 10
	cfg.Retry.InitialInterval = 100 * time.Millisecond

	pipe, _ := newTestPipeline(t, cfg, store)
	require.NoError(t, pipe.Start())
	require.NoError(t, pipe.Submit(context.Background(), record("stuck")))
	require.NoError(t, pipe.Shutdown())
	require.Greater(t, pipe.Snapshot().BatchesSpilled, uint64(0))

	store.setFailing(false)

	pipe2, _ := newTestPipeline(t, fastConfig(spillDir), store)
	require.NoError(t, pipe2.Start())
	require.NoError(t, pipe2.Submit(context.Background(), record("fresh")))

	require.Eventually(t, func() bool {
		n, err := store.CountRecords(context.Background())
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pipe2.Shutdown())

	// Idempotent store keys are (sequence_id, position); both records landing
	// proves the fresh batch did not collide with the recovered one.
	assert.ElementsMatch(t, []string{"stuck", "fresh"}, store.committed())
}

func TestPipeline_ShutdownGraceBoundsDrainWithDownStore(t *testing.T) {
	spillDir := t.TempDir()

	store := newMemStore()
	store.setFailing(true)

	// Many single-record batches against a single stuck worker: the drain time
	// must be governed by the grace period, not by the number of queued
	// batches times their retry schedules.
	cfg := fastConfig(spillDir)
	cfg.BatchMaxRecords = 1
	cfg.BatchMaxWindow = time.Hour
	cfg.WriterConcurrency = 1
	cfg.ShutdownGracePeriod = 100 * time.Millisecond
	cfg.Retry.MaxAttempts = 10
	cfg.Retry.InitialInterval = 200 * time.Millisecond
	cfg.Retry.MaxInterval = time.Second

	pipe, _ := newTestPipeline(t, cfg, store)
	require.NoError(t, pipe.Start())

	for i := 0; i < 40; i++ {
		require.NoError(t, pipe.Submit(context.Background(), record(fmt.Sprintf("m%d", i))))
	}

	start := time.Now()
	require.NoError(t, pipe.Shutdown())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second,
		"drain of 40 queued batches must be bounded by the grace period, took %v", elapsed)

	// Nothing committed, nothing lost: every record is recoverable from spill.
	spillStore, err := spill.NewStore(spillDir, logger.NopLogger())
	require.NoError(t, err)
	recovered, err := spillStore.Recover()
	require.NoError(t, err)

	total := 0
	for _, b := range recovered {
		total += b.Len()
	}
	assert.Equal(t, 40, total)
}

func TestPipeline_FlushClosesPartialBatchEarly(t *testing.T) {
	store := newMemStore()
	cfg := fastConfig(t.TempDir())
	cfg.BatchMaxWindow = time.Hour
	cfg.BatchMaxRecords = 1000

	pipe, _ := newTestPipeline(t, cfg, store)
	require.NoError(t, pipe.Start())
	defer func() { require.NoError(t, pipe.Shutdown()) }()

	require.NoError(t, pipe.Submit(context.Background(), record("a")))
	require.NoError(t, pipe.Submit(context.Background(), record("b")))

	// Without a flush neither the window nor the size threshold would fire.
	require.Eventually(t, func() bool { return pipe.Snapshot().BufferOccupancy == 0 }, time.Second, 5*time.Millisecond)
	pipe.Flush()

	require.Eventually(t, func() bool {
		n, err := store.CountRecords(context.Background())
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)
}
