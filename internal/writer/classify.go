package writer

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/lib/pq"

	"sawmill/pkg/retry"
)

// classify maps a store error onto the retry taxonomy: connectivity and
// resource faults are retryable, data and constraint faults are fatal for the
// batch. Unknown errors default to retryable so a new failure mode degrades
// into bounded retries instead of instant dead-lettering.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return retry.NewRetryableError(err)
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.EOF) {
		return retry.NewRetryableError(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.NewRetryableError(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback (deadlock, serialization)
			"53", // insufficient resources
			"57", // operator intervention (admin shutdown etc)
			"58": // system error (io)
			return retry.NewRetryableError(err)
		case "22", // data exception
			"23", // integrity constraint violation
			"42": // syntax error or undefined object
			return retry.NewFatalError(err)
		}
		return retry.NewRetryableError(err)
	}

	// lib/pq surfaces some dial failures as plain errors.
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "connection reset") {
		return retry.NewRetryableError(err)
	}

	return retry.NewRetryableError(err)
}
