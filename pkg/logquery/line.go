package logquery

import (
	"encoding/json"
	"strings"
	"time"
)

// Line kinds.
const (
	KindLog   = "log"
	KindEvent = "event"
)

// Line is a single merged entry, either a container log line or a cluster
// event, immutable once created.
type Line struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Namespace string    `json:"namespace"`
	Pod       string    `json:"pod"`
	Container string    `json:"container,omitempty"`
	Message   string    `json:"message"`
	Payload   any       `json:"payload,omitempty"`
}

// Scope renders "namespace/pod[/container]", the grouping key used by the
// text output style.
func (l *Line) Scope() string {
	scope := l.Namespace + "/" + l.Pod
	if l.Container != "" {
		scope += "/" + l.Container
	}
	return scope
}

// lineSignature is the dedupe key for a container's poll cursor. Comparing
// the timestamp first keeps the cursor monotone even when distinct messages
// share an instant.
type lineSignature struct {
	ts  time.Time
	msg string
}

func (s lineSignature) String() string {
	return s.ts.Format(time.RFC3339Nano) + "|" + s.msg
}

// after reports whether s strictly exceeds o.
func (s lineSignature) after(o lineSignature) bool {
	if s.ts.After(o.ts) {
		return true
	}
	if s.ts.Equal(o.ts) {
		return s.msg > o.msg
	}
	return false
}

// parseLogLine splits a raw log line into timestamp and message. Kubernetes
// prefixes each line with an RFC3339Nano timestamp when Timestamps is
// requested; lines without a recognizable timestamp are stamped with the
// fetch time so they still sort into the merged result.
func parseLogLine(raw string, fetchedAt time.Time) (time.Time, string) {
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) == 2 {
		if ts, err := time.Parse(time.RFC3339Nano, parts[0]); err == nil {
			return ts, parts[1]
		}
	}
	return fetchedAt, raw
}

// parsePayload attempts a JSON parse of the message. The parse is only
// attempted when the trimmed message looks like a JSON document; anything
// malformed is treated as plain text.
func parsePayload(message string) any {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return nil
	}
	var payload any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil
	}
	return payload
}
