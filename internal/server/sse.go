package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// streamSSE forwards orchestrator events as server-sent events, flushing
// after each one. The channel is always drained so the producer can reach
// its terminal state even when the client goes away mid-stream.
func streamSSE(w http.ResponseWriter, events <-chan chattypes.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	writable := true
	for ev := range events {
		if !writable {
			continue
		}
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			logger.Warn("Failed to marshal stream event", "type", ev.Type, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			writable = false
			continue
		}
		if canFlush {
			flusher.Flush()
		}
	}
}
