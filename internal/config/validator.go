package config

import (
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validatePipeline(cfg.Pipeline); err != nil {
		errors = append(errors, err)
	}

	if err := validateDeadLetter(cfg.DeadLetter); err != nil {
		errors = append(errors, err)
	}

	if err := validateSource(cfg.Source); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validatePipeline(cfg PipelineConfig) error {
	if cfg.BufferCapacity <= 0 {
		return &ValidationError{
			Field:   "pipeline.buffer_capacity",
			Message: fmt.Sprintf("buffer capacity must be positive, got %d", cfg.BufferCapacity),
		}
	}

	switch cfg.OverflowPolicy {
	case OverflowBlock, OverflowFailFast, OverflowDropOldest:
	default:
		return &ValidationError{
			Field:   "pipeline.overflow_policy",
			Message: fmt.Sprintf("unknown overflow policy %q", cfg.OverflowPolicy),
		}
	}

	if cfg.OverflowPolicy == OverflowBlock && cfg.SubmitTimeout <= 0 {
		return &ValidationError{
			Field:   "pipeline.submit_timeout",
			Message: "submit timeout must be positive when overflow policy is block",
		}
	}

	if cfg.BatchMaxRecords <= 0 {
		return &ValidationError{
			Field:   "pipeline.batch_max_records",
			Message: fmt.Sprintf("batch max records must be positive, got %d", cfg.BatchMaxRecords),
		}
	}

	if cfg.BatchMaxWindow <= 0 {
		return &ValidationError{
			Field:   "pipeline.batch_max_window",
			Message: "batch max window must be positive",
		}
	}

	if cfg.WriterConcurrency <= 0 {
		return &ValidationError{
			Field:   "pipeline.writer_concurrency",
			Message: fmt.Sprintf("writer concurrency must be positive, got %d", cfg.WriterConcurrency),
		}
	}

	if cfg.ShutdownGracePeriod <= 0 {
		return &ValidationError{
			Field:   "pipeline.shutdown_grace_period",
			Message: "shutdown grace period must be positive",
		}
	}

	if cfg.Retry.MaxAttempts <= 0 {
		return &ValidationError{
			Field:   "pipeline.retry.max_attempts",
			Message: fmt.Sprintf("retry max attempts must be positive, got %d", cfg.Retry.MaxAttempts),
		}
	}

	if cfg.Retry.Multiplier < 1.0 {
		return &ValidationError{
			Field:   "pipeline.retry.multiplier",
			Message: "retry multiplier must be at least 1.0",
		}
	}

	if cfg.SpillDir == "" {
		return &ValidationError{
			Field:   "pipeline.spill_dir",
			Message: "spill directory is required",
		}
	}

	return nil
}

func validateDeadLetter(cfg DeadLetterConfig) error {
	switch cfg.Sink {
	case "postgres":
	case "file":
		if cfg.FilePath == "" {
			return &ValidationError{
				Field:   "deadletter.file_path",
				Message: "file path is required for the file sink",
			}
		}
	default:
		return &ValidationError{
			Field:   "deadletter.sink",
			Message: fmt.Sprintf("unknown dead-letter sink %q", cfg.Sink),
		}
	}

	return nil
}

func validateSource(cfg SourceConfig) error {
	if !cfg.Kafka.Enabled {
		return nil
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return &ValidationError{
			Field:   "source.kafka.brokers",
			Message: "at least one broker is required when the kafka source is enabled",
		}
	}

	if cfg.Kafka.Topic == "" {
		return &ValidationError{
			Field:   "source.kafka.topic",
			Message: "topic is required when the kafka source is enabled",
		}
	}

	return nil
}
