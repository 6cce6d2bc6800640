package model

import (
	"fmt"
	"time"
)

// Level is the severity of a log record.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

func (l Level) Valid() bool {
	switch l {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// Record is one immutable log entry accepted for ingestion. After a record is
// accepted into the buffer it is never mutated, only copied between ownership
// boundaries (buffer, batch, write payload).
type Record struct {
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`
	Level      Level          `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Validate checks the record against the ingestion contract. maxMessageBytes
// bounds the message length; zero means no bound.
func (r Record) Validate(maxMessageBytes int) error {
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record timestamp is required")
	}
	if r.Source == "" {
		return fmt.Errorf("record source is required")
	}
	if !r.Level.Valid() {
		return fmt.Errorf("unknown record level %q", r.Level)
	}
	if maxMessageBytes > 0 && len(r.Message) > maxMessageBytes {
		return fmt.Errorf("record message exceeds %d bytes", maxMessageBytes)
	}
	for key, value := range r.Attributes {
		switch value.(type) {
		case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		default:
			return fmt.Errorf("attribute %q has non-scalar value %T", key, value)
		}
	}
	return nil
}

// Clone copies the record including its attribute map, so that downstream
// owners can never observe mutation through a shared map reference.
func (r Record) Clone() Record {
	out := r
	if r.Attributes != nil {
		out.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
