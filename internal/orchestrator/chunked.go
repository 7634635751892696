package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/gatewaybuddy/forgekeeper/internal/apierr"
	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/upstream"
)

// ChunkedConfig bounds the Chunked Orchestrator.
type ChunkedConfig struct {
	MaxChunks        int
	TokensPerChunk   int
	OutlineRetries   int
}

// DefaultChunkedConfig returns the standard chunking bounds.
func DefaultChunkedConfig() ChunkedConfig {
	return ChunkedConfig{MaxChunks: 5, TokensPerChunk: 1024, OutlineRetries: 1}
}

// ChunkedOrchestrator produces a long-form answer as an outline followed
// by sequential, labeled chunks merged in order. Each chunk prompt carries
// the outline and the sections already written, so later chunks don't
// repeat earlier ones.
type ChunkedOrchestrator struct {
	Upstream UpstreamCompleter
	Store    *eventlog.Store
	Config   ChunkedConfig
}

var _ Orchestrator = (*ChunkedOrchestrator)(nil)

func (o *ChunkedOrchestrator) emit(evt eventlog.Event) {
	if o.Store == nil {
		return
	}
	_, _ = o.Store.Append(evt)
}

var (
	numberedLineRe = regexp.MustCompile(`(?m)^\s*\d+[\.\)]\s*(.+)$`)
	bulletedLineRe = regexp.MustCompile(`(?m)^\s*[-*]\s*(.+)$`)
)

// parseOutline tolerantly extracts chunk labels from a JSON array, a
// numbered list, or a bulleted list.
func parseOutline(text string, maxChunks int) ([]string, error) {
	trimmed := strings.TrimSpace(text)

	var jsonLabels []string
	if err := json.Unmarshal([]byte(trimmed), &jsonLabels); err == nil && len(jsonLabels) > 0 {
		return clipOutline(jsonLabels, maxChunks)
	}

	if matches := numberedLineRe.FindAllStringSubmatch(trimmed, -1); len(matches) > 0 {
		labels := make([]string, 0, len(matches))
		for _, m := range matches {
			labels = append(labels, strings.TrimSpace(m[1]))
		}
		return clipOutline(labels, maxChunks)
	}

	if matches := bulletedLineRe.FindAllStringSubmatch(trimmed, -1); len(matches) > 0 {
		labels := make([]string, 0, len(matches))
		for _, m := range matches {
			labels = append(labels, strings.TrimSpace(m[1]))
		}
		return clipOutline(labels, maxChunks)
	}

	return nil, fmt.Errorf("chunked: could not parse an outline from model output")
}

func clipOutline(labels []string, maxChunks int) ([]string, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("chunked: outline is empty")
	}
	if maxChunks > 0 && len(labels) > maxChunks {
		labels = labels[:maxChunks]
	}
	return labels, nil
}

func outlinePrompt(userRequest string, maxChunks int) string {
	return fmt.Sprintf(
		"Break the following request into at most %d sequential sections. Respond with a numbered list of short section labels only, no other text.\n\nRequest:\n%s",
		maxChunks, userRequest,
	)
}

func chunkPrompt(userRequest string, outline []string, written []Chunk, index int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are writing section %d (%q) of a multi-section answer to this request:\n%s\n\nFull outline: %s\n",
		index, outline[index], userRequest, strings.Join(outline, "; "))
	if len(written) > 0 {
		b.WriteString("\nSections written so far:\n")
		for _, c := range written {
			fmt.Fprintf(&b, "- %s: %s\n", c.Label, truncate(c.Content, 200))
		}
	}
	fmt.Fprintf(&b, "\nWrite only the content for section %q. Do not repeat earlier sections.", outline[index])
	return b.String()
}

// Run executes the outline, per-chunk write, and merge phases in order.
func (o *ChunkedOrchestrator) Run(ctx context.Context, req Request) (Result, error) {
	cfg := o.Config
	if cfg.MaxChunks <= 0 {
		cfg = DefaultChunkedConfig()
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	userReq := userRequestFrom(req)

	var outline []string
	var outlineErr error
	attempts := cfg.OutlineRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := o.Upstream.Complete(ctx, upstream.CompletionRequest{
			Messages: []upstream.Message{{Role: upstream.RoleUser, Content: outlinePrompt(userReq, cfg.MaxChunks)}},
		})
		if err != nil {
			outlineErr = err
			continue
		}
		outline, outlineErr = parseOutline(resp.Content, cfg.MaxChunks)
		if outlineErr == nil {
			break
		}
	}
	if outlineErr != nil {
		return Result{ConvID: req.ConvID, TraceID: traceID, StopReason: upstream.StopError, Debug: Debug{Mode: string(ModeChunked)}},
			apierr.Wrap(apierr.UpstreamError, "failed to produce a usable outline", outlineErr)
	}

	o.emit(eventlog.Event{
		ConvID: req.ConvID, TraceID: traceID, Actor: eventlog.ActorSystem, Act: "chunk_outline",
		Fields: map[string]any{"chunk_count": len(outline), "outline": outline},
	})

	manifest := &ChunkManifest{Outline: outline}
	var contentParts []string

	for i, label := range outline {
		chunk, err := o.writeChunkRetry(ctx, req, userReq, outline, manifest.Chunks, i)
		if err != nil {
			// Preserve the partial prefix and report the failing index.
			return Result{
				Content: strings.Join(contentParts, "\n\n"), ConvID: req.ConvID, TraceID: traceID,
				StopReason: upstream.StopError,
				Debug:      Debug{Mode: string(ModeChunked), Chunked: manifest},
			}, apierr.Wrap(apierr.UpstreamError, fmt.Sprintf("chunk %d (%q) failed", i, label), err)
		}
		manifest.Chunks = append(manifest.Chunks, chunk)
		contentParts = append(contentParts, fmt.Sprintf("## %s\n\n%s", chunk.Label, chunk.Content))

		o.emit(eventlog.Event{
			ConvID: req.ConvID, TraceID: traceID, Iter: i, Actor: eventlog.ActorSystem, Act: "chunk_write",
			Fields: map[string]any{"chunk_index": chunk.Index, "chunk_label": chunk.Label, "content_tokens": chunk.ContentTokens, "reasoning_tokens": chunk.ReasoningTokens},
		})
	}

	return Result{
		Content: strings.Join(contentParts, "\n\n"), ConvID: req.ConvID, TraceID: traceID,
		StopReason: upstream.StopStop,
		Debug:      Debug{Mode: string(ModeChunked), Chunked: manifest},
	}, nil
}

// writeChunkRetry writes one chunk, retrying a failed write exactly once.
// This is the chunk-generation failure contract shared by the chunked and
// combined orchestrators, whichever path drives the write.
func (o *ChunkedOrchestrator) writeChunkRetry(ctx context.Context, req Request, userReq string, outline []string, written []Chunk, index int) (Chunk, error) {
	chunk, err := o.writeChunk(ctx, req, userReq, outline, written, index)
	if err != nil {
		chunk, err = o.writeChunk(ctx, req, userReq, outline, written, index)
	}
	return chunk, err
}

func (o *ChunkedOrchestrator) writeChunk(ctx context.Context, req Request, userReq string, outline []string, written []Chunk, index int) (Chunk, error) {
	cfg := o.Config
	if cfg.TokensPerChunk <= 0 {
		cfg = DefaultChunkedConfig()
	}
	resp, err := o.Upstream.Complete(ctx, upstream.CompletionRequest{
		Messages:  []upstream.Message{{Role: upstream.RoleUser, Content: chunkPrompt(userReq, outline, written, index)}},
		MaxTokens: cfg.TokensPerChunk,
	})
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{
		Index: index, Label: outline[index], Content: resp.Content,
		ReasoningTokens: approxTokens(resp.Reasoning), ContentTokens: approxTokens(resp.Content),
	}, nil
}

// approxTokens is a rough whitespace-based token count used only for the
// chunk manifest's diagnostic token split, not for billing.
func approxTokens(s string) int {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	return len(strings.Fields(s))
}
