package spill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"sawmill/internal/logger"
	"sawmill/internal/model"
)

const (
	filePrefix = "batch-"
	fileSuffix = ".json.gz"
)

// Store persists batches that could not be committed before shutdown as
// gzipped JSON files, one per batch, so a restart can recover and resubmit
// them. Files are removed only after their batch reaches a terminal state,
// which keeps the spill crash-safe; re-application is idempotent at the
// database.
type Store struct {
	dir string
	log logger.Logger
}

func NewStore(dir string, log logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spill dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) path(sequenceID uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", filePrefix, sequenceID, fileSuffix))
}

// Write durably persists one batch. Spill failure is the only unrecoverable
// condition in the pipeline, so the caller escalates a non-nil error.
func (s *Store) Write(batch *model.Batch) error {
	tmp := s.path(batch.SequenceID) + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create spill file: %w", err)
	}

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(batch); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode spill batch %d: %w", batch.SequenceID, err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush spill batch %d: %w", batch.SequenceID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync spill batch %d: %w", batch.SequenceID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close spill file: %w", err)
	}

	if err := os.Rename(tmp, s.path(batch.SequenceID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize spill file: %w", err)
	}
	return nil
}

// Recover loads every spilled batch, oldest sequence first. Unreadable files
// are renamed aside with a .corrupt suffix and skipped rather than blocking
// startup.
func (s *Store) Recover() ([]*model.Batch, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spill dir: %w", err)
	}

	var batches []*model.Batch
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		if _, ok := sequenceFromName(name); !ok {
			continue
		}

		full := filepath.Join(s.dir, name)
		batch, err := s.readFile(full)
		if err != nil {
			s.log.Warnw("Skipping unreadable spill file",
				"file", name,
				"error", err,
			)
			_ = os.Rename(full, full+".corrupt")
			continue
		}
		batches = append(batches, batch)
	}

	sort.Slice(batches, func(i, j int) bool {
		return batches[i].SequenceID < batches[j].SequenceID
	})
	return batches, nil
}

func (s *Store) readFile(path string) (*model.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	var batch model.Batch
	if err := json.NewDecoder(gz).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}

	batch.State = model.BatchPending
	return &batch, nil
}

// Discard removes the spill file for a batch that reached a terminal state.
func (s *Store) Discard(sequenceID uint64) {
	if err := os.Remove(s.path(sequenceID)); err != nil && !os.IsNotExist(err) {
		s.log.Warnw("Failed to remove spill file",
			"sequence_id", sequenceID,
			"error", err,
		)
	}
}

// MaxSequence returns the highest sequence id among the given batches, used
// to seed the batcher's counter above recovered state.
func MaxSequence(batches []*model.Batch) uint64 {
	var max uint64
	for _, b := range batches {
		if b.SequenceID > max {
			max = b.SequenceID
		}
	}
	return max
}

// sequenceFromName parses the sequence id out of a spill file name.
func sequenceFromName(name string) (uint64, bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	seq, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
