package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/events"
)

// eventFrame is the SSE data payload for one orchestrator event.
type eventFrame struct {
	Type      events.EventType  `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// handleEvents streams orchestrator events as server-sent events until the
// client disconnects. Slow consumers miss events rather than stall the
// broker; the stream is a tail, not a journal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		fail(w, errdefs.Internal("connection does not support streaming"))
		return
	}

	sub := s.deps.Broker.Subscribe()
	defer s.deps.Broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Periodic comment lines keep idle proxies from closing the stream.
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(eventFrame{
				Type:      event.Type,
				Timestamp: event.Timestamp,
				Message:   event.Message,
				Metadata:  event.Metadata,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
