package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
)

// handleTailEvents implements GET /api/ctx/tail, wrapping
// eventlog.Store.Tail.
func (s *Server) handleTailEvents(w http.ResponseWriter, r *http.Request) {
	n := parseIntQuery(r, "n", 50)
	convID := r.URL.Query().Get("conv_id")
	var acts []string
	if raw := r.URL.Query().Get("acts"); raw != "" {
		acts = strings.Split(raw, ",")
	}

	events, err := s.store.Tail(n, eventlog.TailFilter{ConvID: convID, Acts: acts})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleStreamEvents implements GET /api/ctx/stream: an SSE stream of
// newly appended events, preceded by a catch-up of anything committed
// before the client connected. Any event appended before the stream
// starts is delivered exactly once, followed in commit order by anything
// appended after, until the client disconnects.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	convID := r.URL.Query().Get("conv_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.metrics.StreamsTotal.WithLabelValues("/api/ctx/stream").Inc()

	var cursor uint64
	sendEvent := func(e eventlog.Event) bool {
		data, err := json.Marshal(e)
		if err != nil {
			return true
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		cursor = e.Seq
		return true
	}

	// Catch-up: anything already on disk when the client connected.
	if err := s.store.Stream(0, convID, sendEvent); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-ticker.C:
			if err := s.store.Stream(cursor, convID, sendEvent); err != nil {
				return
			}
		}
	}
}
