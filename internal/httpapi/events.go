package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mroxso/signet/internal/eventbus"
)

// handleEvents streams every bus event as `event: <kind>\ndata: <json>\n\n`
// to a single long-lived connection (§6 `GET /events`). Modeled on
// vcavallo-nostr-hypermedia's sendSSEEvent/ping-ticker/context-cancellation
// shape, the only SSE implementation in the reference set.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	events := make(chan eventbus.Event, 32)
	cancel := s.bus.Subscribe(func(ev eventbus.Event) {
		select {
		case events <- ev:
		default:
			// Slow consumer: drop rather than block the bus.
		}
	})
	defer cancel()

	writeSSE(w, flusher, string(eventbus.KindConnected), map[string]string{"status": "connected"})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			writeSSE(w, flusher, string(ev.Kind), ev.Data)
		case <-pingTicker.C:
			writeSSE(w, flusher, string(eventbus.KindPing), nil)
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("sse marshal failed", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
