// Package audit implements C12 AdminAudit & Logs: the bounded in-memory
// ring buffer of runtime log lines that powers UI tailing, fanning every
// append out to EventBus so remote UIs see a live stream, plus the
// durable admin-event/activity-log sinks already implemented in
// internal/store. Grounded on the teacher's internal/server/logbroadcast.go
// ring-buffer-plus-subscribers pattern, adapted from per-client channel
// fan-out to the eventbus publish/subscribe model already used everywhere
// else in this daemon (spec.md §9 "Cyclic relationships").
package audit

import (
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/mroxso/signet/internal/eventbus"
)

// ringSize bounds the in-memory tail; older lines are dropped.
const ringSize = 1000

// Entry is one parsed runtime log line (§4.12: "level, message, structured
// fields, timestamp").
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Raw       string         `json:"-"`
}

// RingBuffer is an io.Writer meant to wrap the slog JSON handler's output:
// every Write call is expected to be one JSON log line. It keeps a bounded
// tail for `GET /logs`-style snapshots and emits each line to EventBus as
// `log:entry` so SSE subscribers see a live stream.
type RingBuffer struct {
	out io.Writer
	bus *eventbus.Bus

	mu  sync.Mutex
	buf []Entry
}

// NewRingBuffer returns a RingBuffer that also writes every byte through to
// out (typically os.Stdout, so journald/docker logs still see everything).
func NewRingBuffer(out io.Writer, bus *eventbus.Bus) *RingBuffer {
	return &RingBuffer{out: out, bus: bus, buf: make([]Entry, 0, ringSize)}
}

// Write implements io.Writer for slog's JSON handler.
func (r *RingBuffer) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	entry := parseLine(line)

	r.mu.Lock()
	r.buf = append(r.buf, entry)
	if len(r.buf) > ringSize {
		r.buf = r.buf[len(r.buf)-ringSize:]
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(eventbus.KindLogEntry, entry)
	}
	return r.out.Write(p)
}

// parseLine decodes one slog JSON line into an Entry. slog.JSONHandler
// writes "time", "level", "msg" plus every attribute as a top-level key;
// anything that isn't valid JSON (shouldn't happen with JSONHandler, but
// third-party libraries sometimes write raw lines to stdout/stderr
// directly) is kept as a best-effort Entry with the raw line as Message.
func parseLine(line string) Entry {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{Message: line, Raw: line}
	}
	entry := Entry{Fields: make(map[string]any), Raw: line}
	for k, v := range raw {
		switch k {
		case "time":
			if s, ok := v.(string); ok {
				entry.Timestamp = s
			}
		case "level":
			if s, ok := v.(string); ok {
				entry.Level = s
			}
		case "msg":
			if s, ok := v.(string); ok {
				entry.Message = s
			}
		default:
			entry.Fields[k] = v
		}
	}
	return entry
}

// Snapshot returns a filtered, newest-last copy of the current buffer for
// `GET /logs?level=&search=&limit=` (§6).
func (r *RingBuffer) Snapshot(level, search string, limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []Entry
	for _, e := range r.buf {
		if level != "" && !strings.EqualFold(e.Level, level) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Raw), strings.ToLower(search)) {
			continue
		}
		filtered = append(filtered, e)
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}
