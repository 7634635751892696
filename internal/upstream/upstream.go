// Package upstream implements the completion client: a small hand-rolled
// HTTP/SSE client talking OpenAI-compatible chat-completions JSON. The
// full vendor SDKs pull in transport machinery this client doesn't need;
// the endpoint stays a swappable base URL spoken to directly over
// net/http, with typed stop reasons and streamed deltas.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Role is an OpenAI-compatible chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// StopReason is the typed completion-termination reason.
type StopReason string

const (
	StopStop      StopReason = "stop"
	StopLength    StopReason = "length"
	StopToolCalls StopReason = "tool_calls"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// FunctionCall is the wire shape of one model-emitted tool invocation.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one entry of an assistant message's tool_calls array.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one chat-completions message.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec is a tool descriptor translated into the upstream's function-
// calling wire shape.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec is the JSON-Schema-bearing function half of a ToolSpec.
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CompletionRequest is the Upstream Client's call contract.
type CompletionRequest struct {
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// Response is a full, non-streaming completion result.
type Response struct {
	Content    string
	Reasoning  string
	ToolCalls  []ToolCall
	StopReason StopReason
}

// Delta is one streamed increment.
type Delta struct {
	ContentDelta   string
	ReasoningDelta string
	ToolCallDelta  *ToolCall
	StopReason     StopReason
	Done           bool
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

// Client is the Upstream Client: a thin OpenAI-compatible chat-completions
// HTTP/SSE client. A token-bucket pacer (golang.org/x/time/rate) throttles
// outbound request *rate* to the upstream provider -- a distinct concern
// from internal/ratelimit's inbound per-conversation admission control,
// which needs a queryable point-in-time token count that x/time/rate
// doesn't expose. Protecting the upstream provider from bursty retries has
// no such observability requirement, so x/time/rate fits here.
type Client struct {
	cfg        Config
	httpClient *http.Client
	pacer      *rate.Limiter
}

// New builds a Client. pacer may be nil to disable outbound pacing.
func New(cfg Config, pacer *rate.Limiter) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		pacer:      pacer,
	}
}

type wireRequest struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	Tools       []ToolSpec `json:"tools,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
	Stream      bool       `json:"stream"`
}

type wireChoice struct {
	Message struct {
		Content   string     `json:"content"`
		Reasoning string     `json:"reasoning"`
		ToolCalls []ToolCall `json:"tool_calls"`
	} `json:"message"`
	Delta struct {
		Content   string     `json:"content"`
		Reasoning string     `json:"reasoning"`
		ToolCalls []ToolCall `json:"tool_calls"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
}

func toStopReason(s string) StopReason {
	switch s {
	case "length":
		return StopLength
	case "tool_calls":
		return StopToolCalls
	case "stop", "":
		return StopStop
	default:
		return StopReason(s)
	}
}

func (c *Client) buildRequest(ctx context.Context, req CompletionRequest, stream bool) (*http.Request, error) {
	body := wireRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.pacer == nil {
		return nil
	}
	return c.pacer.Wait(ctx)
}

// Complete issues a non-streaming completion request.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (Response, error) {
	if err := c.wait(ctx); err != nil {
		return Response{}, fmt.Errorf("upstream: pacer: %w", err)
	}

	httpReq, err := c.buildRequest(ctx, req, false)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{StopReason: StopCancelled}, ctx.Err()
		}
		return Response{}, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("upstream: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Response{}, fmt.Errorf("upstream: status %d: %s", resp.StatusCode, string(data))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, fmt.Errorf("upstream: decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return Response{}, fmt.Errorf("upstream: empty choices")
	}
	ch := wire.Choices[0]
	return Response{
		Content:    ch.Message.Content,
		Reasoning:  ch.Message.Reasoning,
		ToolCalls:  ch.Message.ToolCalls,
		StopReason: toStopReason(ch.FinishReason),
	}, nil
}

// Stream issues a streaming completion request and returns a channel of
// deltas. The channel is closed when the stream ends, the context is
// cancelled, or an error terminates the read; a cancelled stream flushes
// any already-buffered delta before the channel closes.
func (c *Client) Stream(ctx context.Context, req CompletionRequest) (<-chan Delta, error) {
	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("upstream: pacer: %w", err)
	}

	httpReq, err := c.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("upstream: status %d: %s", resp.StatusCode, string(data))
	}

	out := make(chan Delta, 16)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- Delta{StopReason: StopCancelled, Done: true}
				return
			default:
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			if payload == "" {
				continue
			}

			var wire wireResponse
			if err := json.Unmarshal([]byte(payload), &wire); err != nil {
				continue
			}
			if len(wire.Choices) == 0 {
				continue
			}
			ch := wire.Choices[0]
			delta := Delta{
				ContentDelta:   ch.Delta.Content,
				ReasoningDelta: ch.Delta.Reasoning,
			}
			if len(ch.Delta.ToolCalls) > 0 {
				tc := ch.Delta.ToolCalls[0]
				delta.ToolCallDelta = &tc
			}
			if ch.FinishReason != "" {
				delta.StopReason = toStopReason(ch.FinishReason)
				delta.Done = true
			}
			out <- delta
			if delta.Done {
				return
			}
		}
		// The body read can fail before the loop's own ctx check runs when
		// the caller cancels mid-stream; surface the cancellation either way.
		if ctx.Err() != nil {
			out <- Delta{StopReason: StopCancelled, Done: true}
		}
	}()
	return out, nil
}

// ContinueFrom re-issues a request with an explicit "resume without
// repeating prior text" instruction appended. Bounding the number of
// attempts is the caller's responsibility.
func ContinueFrom(base CompletionRequest, prior string, attempt int) CompletionRequest {
	resumeMsg := Message{
		Role: RoleSystem,
		Content: fmt.Sprintf(
			"Continue the previous answer from exactly where it left off. Do not repeat any of the text already produced. This is continuation attempt %d.",
			attempt,
		),
	}
	req := base
	req.Messages = append(append([]Message{}, base.Messages...), Message{Role: RoleAssistant, Content: prior}, resumeMsg)
	return req
}
