package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashita-ai/kensa/internal/progress"
)

// keepaliveInterval bounds how long an idle event stream stays silent.
var keepaliveInterval = 15 * time.Second

// eventSource is the part of the control service the event stream needs.
type eventSource interface {
	Subscribe(runnerID string) *progress.Subscription
	Unsubscribe(sub *progress.Subscription)
	LastEvent(runnerID string) (progress.Event, bool)
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}

// streamEvents relays bus events to an SSE client until the client goes
// away or the subscription ends. When runnerID is set the last known event
// of that runner is replayed first, so late joiners start from the current
// state. A subscriber dropped for falling behind gets a final "dropped"
// event and must reconnect.
func streamEvents(w http.ResponseWriter, r *http.Request, src eventSource, runnerID string) {
	sub := src.Subscribe(runnerID)
	defer src.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	flush := func() bool { return rc.Flush() == nil }
	if !flush() {
		return
	}
	// Disable the server's WriteTimeout for this long-lived connection.
	_ = rc.SetWriteDeadline(time.Time{})

	send := func(ev progress.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		_, err = w.Write(formatSSE("progress", data))
		return err == nil
	}

	if runnerID != "" {
		if ev, ok := src.LastEvent(runnerID); ok && !send(ev) {
			return
		}
		flush()
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flush()
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					_, _ = w.Write(formatSSE("dropped", []byte(`{"detail":"subscriber fell behind; reconnect"}`)))
					flush()
				}
				return
			}
			if !send(ev) {
				return
			}
			flush()
		}
	}
}
