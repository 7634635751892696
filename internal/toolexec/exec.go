// Package toolexec implements the tool executor: the component that
// applies the registry, validator, rate limiter, and redactor around a
// single tool invocation, runs the tool body under a timeout and output
// cap, and writes the paired start/finish/error events.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatewaybuddy/forgekeeper/internal/apierr"
	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/ratelimit"
	"github.com/gatewaybuddy/forgekeeper/internal/redact"
	"github.com/gatewaybuddy/forgekeeper/internal/tools"
)

// Meta carries the correlation identifiers for one tool invocation.
type Meta struct {
	ConvID  string
	TraceID string
	Iter    int
}

// Options configures an Executor.
type Options struct {
	Timeout            time.Duration
	MaxOutputBytes     int
	RateLimitCost      float64
	RateLimitKey       string // process-wide key unless per-conversation keying is configured
	PerConversationKey bool
}

// Executor dispatches validated tool calls against their registered
// handler, enforcing rate limiting, timeouts, output size caps, and
// redacted event emission around every call.
type Executor struct {
	registry *tools.Registry
	limiter  *ratelimit.Limiter
	redactor *redact.Redactor
	store    *eventlog.Store
	opts     Options
}

// New builds an Executor. opts.Timeout and opts.MaxOutputBytes default
// to 30s/1MiB when zero.
func New(registry *tools.Registry, limiter *ratelimit.Limiter, redactor *redact.Redactor, store *eventlog.Store, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 1 << 20
	}
	if opts.RateLimitCost <= 0 {
		opts.RateLimitCost = 1
	}
	if opts.RateLimitKey == "" {
		opts.RateLimitKey = "process"
	}
	return &Executor{registry: registry, limiter: limiter, redactor: redactor, store: store, opts: opts}
}

func (e *Executor) rateLimitKey(meta Meta) string {
	if e.opts.PerConversationKey && meta.ConvID != "" {
		return meta.ConvID
	}
	return e.opts.RateLimitKey
}

// Run executes a single tool call: rate-limit, validate, emit start,
// invoke under the deadline and output cap, emit finish/error. It returns
// the tool's unredacted result on success, or a typed *apierr.Error on
// any failure (rate limited, validation, timeout, output-too-large, or
// execution error).
func (e *Executor) Run(ctx context.Context, name string, args map[string]any, meta Meta) (any, *apierr.Error) {
	if meta.TraceID == "" {
		meta.TraceID = uuid.NewString()
	}

	key := e.rateLimitKey(meta)
	decision := e.limiter.TryAcquire(key, e.opts.RateLimitCost)
	if !decision.Admitted {
		e.emit(eventlog.Event{
			ConvID: meta.ConvID, TraceID: meta.TraceID, Iter: meta.Iter, Name: name,
			Actor: eventlog.ActorSystem, Act: "rate_limited", Status: eventlog.StatusError,
			Fields: map[string]any{"retry_after_seconds": decision.RetryAfterSeconds},
		})
		return nil, apierr.Newf(apierr.RateLimited, "rate limit exceeded for %q", name).
			WithDetails(map[string]any{"retry_after_seconds": decision.RetryAfterSeconds})
	}

	if verr := e.registry.Validate(name, args); verr != nil {
		e.emit(eventlog.Event{
			ConvID: meta.ConvID, TraceID: meta.TraceID, Iter: meta.Iter, Name: name,
			Actor: eventlog.ActorTool, Act: "tool_execution_error", Status: eventlog.StatusError,
			Fields: map[string]any{"error": verr.Error(), "kind": string(verr.Kind)},
		})
		return nil, verr
	}

	argsPreview := e.redactor.RedactForLogging(args, 4096)
	e.emit(eventlog.Event{
		ConvID: meta.ConvID, TraceID: meta.TraceID, Iter: meta.Iter, Name: name,
		Actor: eventlog.ActorTool, Act: "tool_execution_start",
		Fields: map[string]any{"args_preview": argsPreview},
	})

	start := time.Now()
	reg, _ := e.registry.Get(name)
	result, runErr := e.invoke(ctx, reg.Handler, args)
	elapsed := time.Since(start).Milliseconds()

	if runErr != nil {
		e.emit(eventlog.Event{
			ConvID: meta.ConvID, TraceID: meta.TraceID, Iter: meta.Iter, Name: name,
			Actor: eventlog.ActorTool, Act: "tool_execution_error", Status: eventlog.StatusError,
			ElapsedMs: elapsed,
			Fields:    map[string]any{"error": runErr.Error(), "kind": string(runErr.Kind)},
		})
		return nil, runErr
	}

	resultPreview := e.redactor.RedactForLogging(result, 4096)
	e.emit(eventlog.Event{
		ConvID: meta.ConvID, TraceID: meta.TraceID, Iter: meta.Iter, Name: name,
		Actor: eventlog.ActorTool, Act: "tool_execution_finish", Status: eventlog.StatusOK,
		ElapsedMs: elapsed,
		Fields:    map[string]any{"result_preview": resultPreview},
	})
	return result, nil
}

type invokeResult struct {
	value any
	err   error
}

// invoke runs handler under a timeout, never leaking the handler's
// goroutine past the deadline: the result channel is buffered by 1 and the
// send is non-blocking from the handler goroutine's perspective, so a late
// result is simply dropped rather than blocking forever.
func (e *Executor) invoke(ctx context.Context, handler tools.Handler, args map[string]any) (any, *apierr.Error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	ch := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- invokeResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := handler(ctx, args)
		ch <- invokeResult{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, apierr.New(apierr.Timeout, fmt.Sprintf("tool exceeded %s deadline", e.opts.Timeout))
	case res := <-ch:
		if res.err != nil {
			return nil, apierr.Wrap(apierr.ExecutionError, "tool body failed", res.err)
		}
		if size, ok := e.encodedSize(res.value); ok && size > e.opts.MaxOutputBytes {
			return nil, apierr.Newf(apierr.OutputTooLarge, "tool output %d bytes exceeds cap %d", size, e.opts.MaxOutputBytes)
		}
		return res.value, nil
	}
}

func (e *Executor) encodedSize(v any) (int, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, false
	}
	return len(data), true
}

func (e *Executor) emit(evt eventlog.Event) {
	if e.store == nil {
		return
	}
	// Event emission failures here are non-fatal: the executor never
	// aborts a tool call because the log couldn't be written; the caller
	// of Run still receives the tool's own result/error.
	_, _ = e.store.Append(evt)
}
