package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"sawmill/internal/model"
)

// ParseNginxLine converts one nginx access-log line in the combined format
// into a record. The raw line is preserved as the message; parsed fields land
// in attributes.
func ParseNginxLine(line string) (model.Record, error) {
	parts := strings.Fields(line)
	if len(parts) < 9 {
		return model.Record{}, fmt.Errorf("nginx line has %d fields, need at least 9", len(parts))
	}

	method := strings.Trim(parts[5], `"`)
	path := parts[6]

	status, err := strconv.Atoi(parts[8])
	if err != nil {
		return model.Record{}, fmt.Errorf("nginx status code %q is not numeric", parts[8])
	}

	level := model.LevelInfo
	switch {
	case status >= 500:
		level = model.LevelError
	case status >= 400:
		level = model.LevelWarn
	}

	return model.Record{
		Timestamp: time.Now(),
		Source:    "nginx",
		Level:     level,
		Message:   strings.TrimSpace(line),
		Attributes: map[string]any{
			"remote_addr": parts[0],
			"method":      method,
			"path":        path,
			"status_code": status,
		},
	}, nil
}
