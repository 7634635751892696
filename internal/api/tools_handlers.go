package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/gatewaybuddy/forgekeeper/internal/apierr"
	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/toolexec"
)

// toolDescriptorView is the wire shape of a tool descriptor, sans handler
// and sans any secret fields.
type toolDescriptorView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Params      any    `json:"params"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	descriptors := s.registry.List()
	names := make([]string, 0, len(descriptors))
	views := make([]toolDescriptorView, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
		views = append(views, toolDescriptorView{Name: d.Name, Description: d.Description, Params: d.Params})
	}
	writeJSON(w, http.StatusOK, map[string]any{"names": names, "descriptors": views})
}

// runToolRequest is the wire body of POST /api/tools/run.
type runToolRequest struct {
	Name    string         `json:"name"`
	Args    map[string]any `json:"args"`
	ConvID  string         `json:"conv_id"`
	TraceID string         `json:"trace_id"`
}

// errorView is the wire shape of a failed tool run.
type errorView struct {
	Kind    apierr.Kind `json:"kind"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok": false,
			"error": errorView{Kind: apierr.ValidationError, Message: "malformed JSON body: " + err.Error()},
		})
		return
	}
	if req.ConvID == "" {
		req.ConvID = uuid.NewString()
	}

	result, toolErr := s.executor.Run(r.Context(), req.Name, req.Args, toolexec.Meta{
		ConvID: req.ConvID, TraceID: req.TraceID,
	})

	s.writeRateLimitHeaders(w, req.ConvID)

	if toolErr == nil {
		s.metrics.ToolCallsTotal.WithLabelValues(req.Name, "ok").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
		return
	}

	s.metrics.ToolCallsTotal.WithLabelValues(req.Name, "error").Inc()

	status := http.StatusOK
	if toolErr.Kind == apierr.RateLimited {
		status = http.StatusTooManyRequests
		s.metrics.RateLimitedTotal.Inc()
		if retryAfter, ok := toolErr.Details["retry_after_seconds"].(float64); ok {
			w.Header().Set("Retry-After", strconv.Itoa(maxInt(1, int(retryAfter+0.999))))
		} else {
			w.Header().Set("Retry-After", "1")
		}
	}

	writeJSON(w, status, map[string]any{
		"ok": false,
		"error": errorView{Kind: toolErr.Kind, Message: toolErr.Message, Details: toolErr.Details},
	})
}

// rateLimitKey mirrors toolexec.Executor's own key derivation so the
// headers this handler writes describe the same bucket the executor just
// consumed from.
func (s *Server) rateLimitKey(convID string) string {
	if s.cfg.PerConversationKey && convID != "" {
		return convID
	}
	if s.cfg.RateLimitKey != "" {
		return s.cfg.RateLimitKey
	}
	return "process"
}

// writeRateLimitHeaders sets the X-RateLimit-* headers on any affected
// response, reading the bucket's current state without consuming from it
// again.
func (s *Server) writeRateLimitHeaders(w http.ResponseWriter, convID string) {
	if s.limiter == nil {
		return
	}
	key := s.rateLimitKey(convID)
	capacity := s.limiter.Capacity()
	remaining := s.limiter.Tokens(key)
	refill := s.limiter.RefillPerSecond()

	reset := 0
	if refill > 0 && remaining < capacity {
		reset = int((capacity - remaining) / refill)
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(capacity, 'f', -1, 64))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(remaining, 'f', -1, 64))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(reset))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// handleToolExecutions wraps eventlog.Store.Tail filtered to the tool
// execution act family.
func (s *Server) handleToolExecutions(w http.ResponseWriter, r *http.Request) {
	n := parseIntQuery(r, "n", 50)
	convID := r.URL.Query().Get("conv_id")

	events, err := s.store.Tail(n, eventlog.TailFilter{
		ConvID: convID,
		Acts:   []string{"tool_execution_start", "tool_execution_finish", "tool_execution_error", "rate_limited"},
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleRateLimitStatus implements GET /api/ratelimit/status?key=,
// exposing a logical client's current bucket state without consuming
// from it.
func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		key = s.rateLimitKey("")
	}
	if s.limiter == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	totalRequests, totalRejected := s.limiter.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"key":             key,
		"capacity":        s.limiter.Capacity(),
		"tokens":          s.limiter.Tokens(key),
		"refill_per_sec":  s.limiter.RefillPerSecond(),
		"total_requests":  totalRequests,
		"total_rejected":  totalRejected,
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
