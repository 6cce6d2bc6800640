package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validRecord() Record {
	return Record{
		Timestamp: time.Now(),
		Source:    "app",
		Level:     LevelInfo,
		Message:   "hello",
		Attributes: map[string]any{
			"host":  "vps-1",
			"count": 3,
			"ratio": 0.5,
			"ok":    true,
		},
	}
}

func TestRecord_Validate(t *testing.T) {
	assert.NoError(t, validRecord().Validate(0))
}

func TestRecord_ValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Record)
	}{
		{"zero timestamp", func(r *Record) { r.Timestamp = time.Time{} }},
		{"empty source", func(r *Record) { r.Source = "" }},
		{"unknown level", func(r *Record) { r.Level = "shout" }},
		{"empty level", func(r *Record) { r.Level = "" }},
		{"map attribute", func(r *Record) { r.Attributes["nested"] = map[string]any{"a": 1} }},
		{"slice attribute", func(r *Record) { r.Attributes["list"] = []string{"a"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := validRecord()
			tc.mutate(&rec)
			assert.Error(t, rec.Validate(0))
		})
	}
}

func TestRecord_ValidateMessageBound(t *testing.T) {
	rec := validRecord()
	rec.Message = strings.Repeat("x", 100)

	assert.NoError(t, rec.Validate(100))
	assert.Error(t, rec.Validate(99))
	assert.NoError(t, rec.Validate(0), "zero means unbounded")
}

func TestRecord_CloneIsolatesAttributes(t *testing.T) {
	rec := validRecord()
	clone := rec.Clone()

	clone.Attributes["host"] = "mutated"
	assert.Equal(t, "vps-1", rec.Attributes["host"])

	var empty Record
	assert.Nil(t, empty.Clone().Attributes)
}

func TestLevel_Valid(t *testing.T) {
	for _, l := range []Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal} {
		assert.True(t, l.Valid(), string(l))
	}
	assert.False(t, Level("verbose").Valid())
	assert.False(t, Level("").Valid())
}
