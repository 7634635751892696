package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/gatewaybuddy/forgekeeper/internal/apierr"
	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/hints"
	"github.com/gatewaybuddy/forgekeeper/internal/orchestrator"
	"github.com/gatewaybuddy/forgekeeper/internal/upstream"
)

// chatMessage is the wire shape of one message in a /api/chat body.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the wire body of POST /api/chat and /api/chat/stream.
type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	Model    string        `json:"model"`
	Mode     string        `json:"mode"`
	ConvID   string        `json:"conv_id"`
}

func toUpstreamMessages(in []chatMessage) []upstream.Message {
	out := make([]upstream.Message, 0, len(in))
	for _, m := range in {
		out = append(out, upstream.Message{Role: upstream.Role(m.Role), Content: m.Content})
	}
	return out
}

func lastUserText(in []chatMessage) string {
	for i := len(in) - 1; i >= 0; i-- {
		if in[i].Role == string(upstream.RoleUser) {
			return in[i].Content
		}
	}
	return ""
}

// resolveMode applies the caller override if present (it always wins),
// otherwise runs the mode heuristic and logs the decision
// either way, since the decision is useful telemetry even when overridden.
func (s *Server) resolveMode(store *eventlog.Store, convID, traceID, userText, override string) orchestrator.Mode {
	decision := orchestrator.ClassifyMode(userText, s.cfg.ModeHeuristic)

	mode := decision.Mode
	overridden := false
	if override != "" {
		mode = orchestrator.Mode(override)
		overridden = true
	}

	if store != nil {
		_, _ = store.Append(eventlog.Event{
			ConvID: convID, TraceID: traceID, Actor: eventlog.ActorSystem, Act: "mode_decision",
			Fields: map[string]any{
				"mode": string(mode), "heuristic_mode": string(decision.Mode),
				"confidence": decision.Confidence, "chunk_signal": decision.ChunkSignal,
				"review_signal": decision.ReviewSignal, "overridden": overridden,
			},
		})
	}
	return mode
}

// applyHints runs the hint injector over the conversation's recent
// window and, if active, appends a steering system message.
func (s *Server) applyHints(messages []upstream.Message, convID, traceID string) []upstream.Message {
	if !s.cfg.HintsEnabled || s.store == nil {
		return messages
	}
	decision, err := hints.Evaluate(s.store, convID, s.cfg.Hints)
	if err != nil || !decision.Active {
		return messages
	}
	_ = hints.Apply(s.store, convID, traceID, decision)
	return append(messages, upstream.Message{Role: upstream.RoleSystem, Content: decision.Hint})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON body: " + err.Error()})
		return
	}
	if req.ConvID == "" {
		req.ConvID = uuid.NewString()
	}
	traceID := uuid.NewString()

	mode := s.resolveMode(s.store, req.ConvID, traceID, lastUserText(req.Messages), req.Mode)
	messages := s.applyHints(toUpstreamMessages(req.Messages), req.ConvID, traceID)

	impl := s.orch.pick(mode)
	if impl == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"content": "", "debug": map[string]any{"error": "orchestrator not configured for mode " + string(mode)},
			"conv_id": req.ConvID, "trace_id": traceID,
		})
		return
	}

	result, err := impl.Run(r.Context(), orchestrator.Request{
		Messages: messages, ConvID: req.ConvID, TraceID: traceID,
	})

	debug := map[string]any{
		"mode":                 result.Debug.Mode,
		"tool_loop_iterations": result.Debug.ToolLoopIterations,
		"review":               result.Debug.Review,
		"chunked":              result.Debug.Chunked,
	}
	if err != nil {
		kind := apierr.UpstreamError
		if k, ok := apierr.KindOf(err); ok {
			kind = k
		}
		debug["error"] = map[string]any{"kind": string(kind), "message": err.Error()}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"content":   result.Content,
		"reasoning": result.Reasoning,
		"debug":     debug,
		"conv_id":   req.ConvID,
		"trace_id":  traceID,
	})
}

// handleChatStream implements POST /api/chat/stream. The underlying
// orchestrators (H/I/J/K) resolve a turn's full content before returning,
// per their own Upstream.Complete-based contract (loop.go, review.go,
// chunked.go), so this handler streams the finished answer out as SSE
// content-delta frames rather than true token-level streaming -- the wire
// contract is preserved even though the content arrives as one chunk per
// call instead of many.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ConvID == "" {
		req.ConvID = uuid.NewString()
	}
	traceID := uuid.NewString()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.metrics.StreamsTotal.WithLabelValues("/api/chat/stream").Inc()

	mode := s.resolveMode(s.store, req.ConvID, traceID, lastUserText(req.Messages), req.Mode)
	messages := s.applyHints(toUpstreamMessages(req.Messages), req.ConvID, traceID)

	impl := s.orch.pick(mode)
	if impl == nil {
		writeSSEFrame(w, flusher, map[string]any{"event": "error", "done": true})
		return
	}

	result, err := impl.Run(r.Context(), orchestrator.Request{
		Messages: messages, ConvID: req.ConvID, TraceID: traceID,
	})
	if err != nil {
		writeSSEFrame(w, flusher, map[string]any{"event": "error:" + err.Error()})
	}

	if result.Reasoning != "" {
		for _, part := range chunkString(result.Reasoning, 256) {
			writeSSEFrame(w, flusher, map[string]any{"reasoningDelta": part})
		}
	}
	for _, part := range chunkString(result.Content, 256) {
		writeSSEFrame(w, flusher, map[string]any{"contentDelta": part})
	}
	writeSSEFrame(w, flusher, map[string]any{"done": true})
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}

// chunkString splits s into rune-safe pieces of at most n bytes, used to
// simulate delta framing over an already-complete answer.
func chunkString(s string, n int) []string {
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > 0 {
		if len(s) <= n {
			out = append(out, s)
			break
		}
		cut := n
		for cut > 0 && !isRuneBoundary(s, cut) {
			cut--
		}
		if cut == 0 {
			cut = n
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return out
}

func isRuneBoundary(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
