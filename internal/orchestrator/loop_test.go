package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaybuddy/forgekeeper/internal/apierr"
	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/ratelimit"
	"github.com/gatewaybuddy/forgekeeper/internal/redact"
	"github.com/gatewaybuddy/forgekeeper/internal/tools"
	"github.com/gatewaybuddy/forgekeeper/internal/toolexec"
	"github.com/gatewaybuddy/forgekeeper/internal/upstream"
)

type stubCompleter struct {
	responses []upstream.Response
	errs      []error
	calls     int
}

func (s *stubCompleter) Complete(ctx context.Context, req upstream.CompletionRequest) (upstream.Response, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i >= len(s.responses) {
		return upstream.Response{StopReason: upstream.StopStop}, err
	}
	return s.responses[i], err
}

func newTestExecutor(t *testing.T) *toolexec.Executor {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Registered{
		Descriptor: tools.Descriptor{Name: "echo", Description: "echoes", Params: map[string]*tools.ParamSchema{
			"text": {Type: tools.TypeString},
		}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echoed": args["text"]}, nil
		},
	}))
	reg.SetAllowlist([]string{"echo"})

	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	limiter := ratelimit.New(100, 10)
	return toolexec.New(reg, limiter, redact.Default, store, toolexec.Options{})
}

func TestToolLoop_DispatchesToolCallThenStops(t *testing.T) {
	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	completer := &stubCompleter{responses: []upstream.Response{
		{StopReason: upstream.StopToolCalls, ToolCalls: []upstream.ToolCall{
			{ID: "1", Function: upstream.FunctionCall{Name: "echo", Arguments: `{"text":"hi"}`}},
		}},
		{StopReason: upstream.StopStop, Content: "done."},
	}}

	o := &ToolLoopOrchestrator{Upstream: completer, Executor: newTestExecutor(t), Store: store}
	res, err := o.Run(context.Background(), Request{ConvID: "c1", Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "done.", res.Content)
	assert.Equal(t, upstream.StopStop, res.StopReason)
	assert.Equal(t, 1, res.Debug.ToolLoopIterations)
}

func TestToolLoop_RateLimitedToolAbortsTurn(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Registered{
		Descriptor: tools.Descriptor{Name: "echo", Description: "echoes"},
		Handler:    func(ctx context.Context, args map[string]any) (any, error) { return "ok", nil },
	}))
	reg.SetAllowlist([]string{"echo"})

	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	limiter := ratelimit.New(1, 0)
	executor := toolexec.New(reg, limiter, redact.Default, store, toolexec.Options{})

	completer := &stubCompleter{responses: []upstream.Response{
		{StopReason: upstream.StopToolCalls, ToolCalls: []upstream.ToolCall{
			{ID: "1", Function: upstream.FunctionCall{Name: "echo", Arguments: `{}`}},
			{ID: "2", Function: upstream.FunctionCall{Name: "echo", Arguments: `{}`}},
		}},
	}}

	o := &ToolLoopOrchestrator{Upstream: completer, Executor: executor, Store: store}
	_, err = o.Run(context.Background(), Request{ConvID: "c2", Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.RateLimited, kind)
}

func TestToolLoop_ContinuesOnIncompleteOutput(t *testing.T) {
	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	completer := &stubCompleter{responses: []upstream.Response{
		{StopReason: upstream.StopLength, Content: "this response trails off without punctuation"},
		{StopReason: upstream.StopStop, Content: " and now it finishes properly."},
	}}

	o := &ToolLoopOrchestrator{Upstream: completer, Executor: newTestExecutor(t), Store: store}
	res, err := o.Run(context.Background(), Request{ConvID: "c3", Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "trails off")
	assert.Contains(t, res.Content, "finishes properly")

	events, err := store.Tail(10, eventlog.TailFilter{ConvID: "c3", Acts: []string{"auto_continue"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	attempt, ok := events[0].Get("attempt")
	require.True(t, ok)
	assert.Equal(t, 1, int(attempt.(float64)))
}

func TestToolLoop_StopsAfterMaxContinuationAttempts(t *testing.T) {
	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	short := upstream.Response{StopReason: upstream.StopLength, Content: "short"}
	completer := &stubCompleter{responses: []upstream.Response{short, short, short, short}}

	cfg := DefaultLoopConfig()
	cfg.MaxContinuationAttempts = 2
	o := &ToolLoopOrchestrator{Upstream: completer, Executor: newTestExecutor(t), Store: store, Config: cfg}
	res, err := o.Run(context.Background(), Request{ConvID: "c4", Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, 3, completer.calls, "initial call plus exactly MaxContinuationAttempts continuations")
	assert.Equal(t, upstream.StopLength, res.StopReason)
}

func TestToolLoop_IterationBudgetExhausted(t *testing.T) {
	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	toolCallResp := upstream.Response{StopReason: upstream.StopToolCalls, ToolCalls: []upstream.ToolCall{
		{ID: "1", Function: upstream.FunctionCall{Name: "echo", Arguments: `{"text":"x"}`}},
	}}
	responses := make([]upstream.Response, 0, 10)
	for i := 0; i < 10; i++ {
		responses = append(responses, toolCallResp)
	}

	cfg := DefaultLoopConfig()
	cfg.MaxIterations = 3
	o := &ToolLoopOrchestrator{Upstream: &stubCompleter{responses: responses}, Executor: newTestExecutor(t), Store: store, Config: cfg}
	res, err := o.Run(context.Background(), Request{ConvID: "c5", Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, upstream.StopLength, res.StopReason)
	assert.Equal(t, 3, res.Debug.ToolLoopIterations)
}

func TestToolLoop_CancellationEmitsTurnAborted(t *testing.T) {
	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := &ToolLoopOrchestrator{Upstream: &stubCompleter{}, Executor: newTestExecutor(t), Store: store}
	_, err = o.Run(ctx, Request{ConvID: "c6", Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "hi"}}})
	require.Error(t, err)

	events, err := store.Tail(10, eventlog.TailFilter{ConvID: "c6", Acts: []string{"turn_aborted"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestToolLoop_UpstreamErrorWrapped(t *testing.T) {
	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	boom := errors.New("boom")
	o := &ToolLoopOrchestrator{Upstream: &stubCompleter{errs: []error{boom}}, Executor: newTestExecutor(t), Store: store}
	_, err = o.Run(context.Background(), Request{ConvID: "c7", Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.UpstreamError, kind)
}

func TestToolLoop_DefaultsAppliedWhenConfigZero(t *testing.T) {
	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	o := &ToolLoopOrchestrator{Upstream: &stubCompleter{responses: []upstream.Response{{StopReason: upstream.StopStop, Content: "ok"}}}, Executor: newTestExecutor(t), Store: store}
	res, err := o.Run(context.Background(), Request{Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.NotEmpty(t, res.TraceID)
}
