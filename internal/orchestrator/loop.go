package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gatewaybuddy/forgekeeper/internal/apierr"
	"github.com/gatewaybuddy/forgekeeper/internal/completeness"
	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/toolexec"
	"github.com/gatewaybuddy/forgekeeper/internal/upstream"
)

// UpstreamCompleter is the subset of *upstream.Client the orchestrators
// depend on, so tests can substitute a stub.
type UpstreamCompleter interface {
	Complete(ctx context.Context, req upstream.CompletionRequest) (upstream.Response, error)
}

// LoopConfig bounds the tool-call loop and its continuation attempts.
type LoopConfig struct {
	MaxIterations           int
	MaxContinuationAttempts int
	CompletenessOptions     completeness.Options
}

// DefaultLoopConfig returns the standard loop bounds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{MaxIterations: 8, MaxContinuationAttempts: 2, CompletenessOptions: completeness.DefaultOptions()}
}

// ToolLoopOrchestrator drives repeated completion→parse→dispatch cycles
// until no tool calls remain, handling incomplete-output continuation via
// the completeness detector.
type ToolLoopOrchestrator struct {
	Upstream UpstreamCompleter
	Executor *toolexec.Executor
	Store    *eventlog.Store
	Config   LoopConfig
}

var _ Orchestrator = (*ToolLoopOrchestrator)(nil)

func (o *ToolLoopOrchestrator) emit(evt eventlog.Event) {
	if o.Store == nil {
		return
	}
	_, _ = o.Store.Append(evt)
}

// Run loops completion, tool dispatch, and continuation until the
// assistant message is final or the iteration budget runs out.
func (o *ToolLoopOrchestrator) Run(ctx context.Context, req Request) (Result, error) {
	cfg := o.Config
	if cfg.MaxIterations <= 0 {
		cfg = DefaultLoopConfig()
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	messages := append([]upstream.Message{}, req.Messages...)
	content := ""
	continuationAttempts := 0
	iter := 0

	for iter < cfg.MaxIterations {
		select {
		case <-ctx.Done():
			o.emit(eventlog.Event{ConvID: req.ConvID, TraceID: traceID, Iter: iter, Actor: eventlog.ActorSystem, Act: "turn_aborted", Fields: map[string]any{"iter": iter}})
			return Result{Content: content, StopReason: upstream.StopCancelled, ConvID: req.ConvID, TraceID: traceID, Debug: Debug{Mode: string(ModeStandard), ToolLoopIterations: iter}}, ctx.Err()
		default:
		}

		resp, err := o.Upstream.Complete(ctx, upstream.CompletionRequest{Messages: messages, Tools: req.Tools, MaxTokens: req.MaxTokens, Temperature: req.Temperature})
		if err != nil {
			return Result{Content: content, StopReason: upstream.StopError, ConvID: req.ConvID, TraceID: traceID, Debug: Debug{Mode: string(ModeStandard), ToolLoopIterations: iter}},
				apierr.Wrap(apierr.UpstreamError, "completion request failed", err)
		}

		if resp.StopReason == upstream.StopToolCalls && len(resp.ToolCalls) > 0 {
			messages = append(messages, upstream.Message{Role: upstream.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

			for _, tc := range resp.ToolCalls {
				childTrace := fmt.Sprintf("%s/%s", traceID, tc.ID)
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					args = map[string]any{}
				}

				result, toolErr := o.Executor.Run(ctx, tc.Function.Name, args, toolexec.Meta{ConvID: req.ConvID, TraceID: childTrace, Iter: iter})
				if toolErr != nil {
					if toolErr.Kind == apierr.RateLimited {
						return Result{Content: content, StopReason: upstream.StopError, ConvID: req.ConvID, TraceID: traceID, Debug: Debug{Mode: string(ModeStandard), ToolLoopIterations: iter}},
							toolErr
					}
					messages = append(messages, upstream.Message{
						Role: upstream.RoleTool, ToolCallID: tc.ID, Name: tc.Function.Name,
						Content: fmt.Sprintf(`{"error":{"kind":%q,"message":%q}}`, toolErr.Kind, toolErr.Message),
					})
					continue
				}

				resultJSON, _ := json.Marshal(result)
				messages = append(messages, upstream.Message{Role: upstream.RoleTool, ToolCallID: tc.ID, Name: tc.Function.Name, Content: string(resultJSON)})
			}

			iter++
			continue
		}

		// Continuation runs against the current response without going back
		// through the tool-call dispatch above: the detector sees the whole
		// assembled draft, not just the latest delta.
		for {
			report := completeness.Classify(content+resp.Content, string(resp.StopReason), cfg.CompletenessOptions)
			if report.Complete || continuationAttempts >= cfg.MaxContinuationAttempts || !isContinuable(report.Reason) {
				break
			}
			continuationAttempts++
			content += resp.Content
			contReq := upstream.ContinueFrom(upstream.CompletionRequest{Messages: messages, Tools: req.Tools}, content, continuationAttempts)
			o.emit(eventlog.Event{
				ConvID: req.ConvID, TraceID: traceID, Iter: iter, Actor: eventlog.ActorSystem, Act: "auto_continue",
				Fields: map[string]any{"attempt": continuationAttempts, "reason": string(report.Reason)},
			})
			contResp, err := o.Upstream.Complete(ctx, contReq)
			if err != nil {
				return Result{Content: content, StopReason: upstream.StopError, ConvID: req.ConvID, TraceID: traceID, Debug: Debug{Mode: string(ModeStandard), ToolLoopIterations: iter}},
					apierr.Wrap(apierr.UpstreamError, "continuation request failed", err)
			}
			resp = contResp
		}

		content += resp.Content
		return Result{
			Content: content, Reasoning: resp.Reasoning, StopReason: resp.StopReason,
			ConvID: req.ConvID, TraceID: traceID,
			Debug: Debug{Mode: string(ModeStandard), ToolLoopIterations: iter},
		}, nil
	}

	return Result{Content: content, StopReason: upstream.StopLength, ConvID: req.ConvID, TraceID: traceID, Debug: Debug{Mode: string(ModeStandard), ToolLoopIterations: iter}}, nil
}

func isContinuable(reason completeness.Reason) bool {
	switch reason {
	case completeness.ReasonShort, completeness.ReasonPunct, completeness.ReasonFence, completeness.ReasonLength:
		return true
	default:
		return false
	}
}
