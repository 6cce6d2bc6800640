package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"sawmill/internal/buffer"
	"sawmill/internal/config"
	"sawmill/internal/logger"
	"sawmill/internal/model"
	"sawmill/internal/pipeline"
	"sawmill/pkg/metrics"
)

// KafkaSource consumes JSON records from a topic and feeds them into the
// pipeline. An offset is committed only after the buffer accepts the record:
// when the buffer is full, consumption stalls instead of dropping, which
// pushes the backpressure out to the broker.
type KafkaSource struct {
	cfg    config.KafkaConfig
	pipe   *pipeline.Pipeline
	logger logger.Logger
	reader *kafka.Reader
}

func NewKafkaSource(cfg config.KafkaConfig, pipe *pipeline.Pipeline, log logger.Logger) *KafkaSource {
	return &KafkaSource{
		cfg:    cfg,
		pipe:   pipe,
		logger: log,
	}
}

func (s *KafkaSource) Run(ctx context.Context) error {
	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.cfg.Brokers,
		GroupID:  s.cfg.GroupID,
		Topic:    s.cfg.Topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer s.reader.Close()

	s.logger.Infow("Started consuming records",
		"topic", s.cfg.Topic,
		"brokers", s.cfg.Brokers,
		"group_id", s.cfg.GroupID,
	)

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Infow("Stopped consuming records",
					"topic", s.cfg.Topic,
					"reason", "context canceled",
				)
				return nil
			}
			s.logger.Errorw("Error fetching kafka message",
				"error", err,
				"topic", s.cfg.Topic,
			)
			time.Sleep(time.Second)
			continue
		}

		var rec model.Record
		if err := json.Unmarshal(m.Value, &rec); err != nil {
			// Malformed payloads cannot ever succeed; skip past them.
			s.logger.Warnw("Skipping malformed record",
				"topic", s.cfg.Topic,
				"offset", m.Offset,
				"error", err,
			)
			metrics.SourceRecordsTotal.WithLabelValues("kafka", "malformed").Inc()
			if err := s.reader.CommitMessages(ctx, m); err != nil {
				s.logger.Errorw("Failed to commit offset", "error", err)
			}
			continue
		}

		if err := s.submitWithBackpressure(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warnw("Skipping unacceptable record",
				"topic", s.cfg.Topic,
				"offset", m.Offset,
				"error", err,
			)
			metrics.SourceRecordsTotal.WithLabelValues("kafka", "rejected").Inc()
		} else {
			metrics.SourceRecordsTotal.WithLabelValues("kafka", "accepted").Inc()
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Errorw("Failed to commit offset", "error", err)
		}
	}
}

// submitWithBackpressure retries ErrBufferFull until the buffer accepts the
// record or ctx ends. Validation failures are returned immediately; they can
// never succeed on retry.
func (s *KafkaSource) submitWithBackpressure(ctx context.Context, rec model.Record) error {
	for {
		err := s.pipe.Submit(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, buffer.ErrBufferFull) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
