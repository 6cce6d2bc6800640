package parser

import (
	"fmt"
	"strings"
	"time"

	"sawmill/internal/model"
)

// ParseSSHLine converts one sshd auth-log line into a record. The parser is
// deliberately lenient: action, user and source address are best-effort, but
// a line with no recognizable auth event is rejected.
func ParseSSHLine(line string) (model.Record, error) {
	action := ""
	switch {
	case strings.Contains(line, "Accepted"):
		action = "accepted"
	case strings.Contains(line, "Failed"):
		action = "failed"
	default:
		return model.Record{}, fmt.Errorf("ssh line has no auth event")
	}

	tokens := strings.Fields(line)

	ipAddress := ""
	for _, tok := range tokens {
		if strings.Count(tok, ".") == 3 {
			ipAddress = tok
			break
		}
	}

	user := ""
	for i, tok := range tokens {
		if tok == "for" && i+1 < len(tokens) {
			user = tokens[i+1]
			// "Failed password for invalid user bob" puts the name one
			// token further.
			if user == "invalid" && i+3 < len(tokens) && tokens[i+2] == "user" {
				user = tokens[i+3]
			}
			break
		}
	}

	level := model.LevelInfo
	if action == "failed" {
		level = model.LevelWarn
	}

	return model.Record{
		Timestamp: time.Now(),
		Source:    "ssh",
		Level:     level,
		Message:   strings.TrimSpace(line),
		Attributes: map[string]any{
			"user":       user,
			"ip_address": ipAddress,
			"action":     action,
		},
	}, nil
}
