package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/joseph-ayodele/casewatch/internal/realtime"
)

// events streams caseUpdate and jobUpdate messages for one case as SSE.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetRaw(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.stream(w, r, realtime.Filter{CaseID: id})
}

// allEvents streams every case and the full job list.
func (s *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, realtime.Filter{})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, filter realtime.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	conn := s.hub.Connect(filter)
	defer conn.Close()

	// Send initial ping to establish connection
	if _, err := w.Write([]byte(": ping\n\n")); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-conn.Messages():
			if !ok {
				return
			}
			b, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("sse marshal failed", "event", msg.Event, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
