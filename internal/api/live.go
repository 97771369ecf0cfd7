package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fallmark-data/fallmark/internal/monitoring"
)

// streamLive issues Server-Sent Events (SSE), one event per reading,
// for as long as the client stays connected and the session runs.
// Delivery is best-effort; a slow client misses readings rather than
// slowing the capture.
func (s *Server) streamLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.source.Subscribe()
	defer s.source.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case reading, ok := <-c:
			if !ok {
				// Session over, close the stream gracefully
				return
			}
			payload, err := json.Marshal(s.convertReading(reading))
			if err != nil {
				monitoring.Logf("live stream: failed to marshal reading: %v", err)
				continue
			}
			if _, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload))); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
