package writer

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"sawmill/pkg/retry"
)

func TestClassify_Nil(t *testing.T) {
	assert.NoError(t, classify(nil))
}

func TestClassify_Retryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"context deadline", context.DeadlineExceeded},
		{"context canceled", context.Canceled},
		{"bad connection", driver.ErrBadConn},
		{"wrapped bad connection", fmt.Errorf("write batch: %w", driver.ErrBadConn)},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("timeout")}},
		{"pq connection exception", &pq.Error{Code: "08006"}},
		{"pq deadlock", &pq.Error{Code: "40P01"}},
		{"pq out of memory", &pq.Error{Code: "53200"}},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}},
		{"pq io error", &pq.Error{Code: "58030"}},
		{"dial refused string", errors.New("dial tcp 127.0.0.1:5432: connection refused")},
		{"unknown error", errors.New("something new")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			assert.False(t, retry.IsFatal(got), "expected retryable classification")
			var retryable retry.RetryableError
			assert.True(t, errors.As(got, &retryable))
		})
	}
}

func TestClassify_Fatal(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"data exception", &pq.Error{Code: "22001"}},
		{"not null violation", &pq.Error{Code: "23502"}},
		{"unique violation", &pq.Error{Code: "23505"}},
		{"undefined table", &pq.Error{Code: "42P01"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			assert.True(t, retry.IsFatal(got))
		})
	}
}

func TestClassify_PreservesCause(t *testing.T) {
	cause := &pq.Error{Code: "23502", Message: "null value"}
	got := classify(cause)

	var pqErr *pq.Error
	assert.True(t, errors.As(got, &pqErr))
	assert.Equal(t, cause.Message, pqErr.Message)
}
