package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashita-ai/mure/internal/model"
)

// HandleEvents handles GET /v1/events (SSE): a live feed of colony
// broadcasts. Delivery is best-effort; a client that stops reading loses
// events rather than backpressuring the engine.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before the 200 goes out: a client that has seen the
	// headers is guaranteed to receive every broadcast from then on.
	ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
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
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("sse: marshal event", "type", event.Type, "error", err)
				continue
			}
			if _, err := w.Write(formatSSE(string(event.Type), data)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE frames one event: "event: <type>\ndata: <payload>\n\n".
func formatSSE(eventType string, data []byte) []byte {
	buf := make([]byte, 0, len(eventType)+len(data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, eventType...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}
