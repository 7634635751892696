package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/upstream"
)

// CombinedStrategy selects where review passes run.
type CombinedStrategy string

const (
	// StrategyPerChunk reviews each chunk as it's produced.
	StrategyPerChunk CombinedStrategy = "per_chunk"
	// StrategyFinalOnly reviews only the merged result.
	StrategyFinalOnly CombinedStrategy = "final_only"
	// StrategyBoth reviews both each chunk and the merged result.
	StrategyBoth CombinedStrategy = "both"
)

// CombinedConfig configures the Combined Orchestrator.
type CombinedConfig struct {
	Strategy CombinedStrategy
	Chunked  ChunkedConfig
	Review   ReviewConfig
}

// DefaultCombinedConfig returns the standard strategy and budgets.
func DefaultCombinedConfig() CombinedConfig {
	return CombinedConfig{Strategy: StrategyFinalOnly, Chunked: DefaultChunkedConfig(), Review: DefaultReviewConfig()}
}

// CombinedOrchestrator composes the chunked and review strategies under
// one of three review placements: IDLE -> OUTLINING -> WRITING(i) ->
// [REVIEWING(i) -> REGENERATING(i)?]* -> MERGING -> [REVIEWING_FINAL ->
// REGENERATING?]* -> DONE | FAILED. Continuation
// retries belong to the chunk-generation phase only; the final merged-result
// review pass never triggers its own continuation attempts, since it has no
// underlying tool-loop draft to continue from.
type CombinedOrchestrator struct {
	Chunked  *ChunkedOrchestrator
	Review   func(inner Orchestrator) *ReviewOrchestrator
	Upstream UpstreamCompleter
	Store    *eventlog.Store
	Config   CombinedConfig
}

var _ Orchestrator = (*CombinedOrchestrator)(nil)

// perChunkWriter adapts one chunk-index write into the Orchestrator
// interface so a ReviewOrchestrator can wrap it when Strategy is per_chunk
// or both.
type perChunkWriter struct {
	chunked *ChunkedOrchestrator
	outline []string
	written []Chunk
	index   int
	userReq string
}

func (w *perChunkWriter) Run(ctx context.Context, req Request) (Result, error) {
	chunk, err := w.chunked.writeChunkRetry(ctx, req, w.userReq, w.outline, w.written, w.index)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: chunk.Content, ConvID: req.ConvID, TraceID: req.TraceID}, nil
}

func (o *CombinedOrchestrator) emit(evt eventlog.Event) {
	if o.Store == nil {
		return
	}
	_, _ = o.Store.Append(evt)
}

// Run generates chunk by chunk and reviews per the configured strategy.
func (o *CombinedOrchestrator) Run(ctx context.Context, req Request) (Result, error) {
	cfg := o.Config
	if cfg.Strategy == "" {
		cfg = DefaultCombinedConfig()
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	userReq := userRequestFrom(req)

	outline, err := o.resolveOutline(ctx, req, userReq, cfg)
	if err != nil {
		return Result{ConvID: req.ConvID, TraceID: traceID, StopReason: upstream.StopError, Debug: Debug{Mode: string(ModeCombined)}}, err
	}

	manifest := &ChunkManifest{Outline: outline}
	var reviewCycles []ReviewCycle
	var contentParts []string

	reviewPerChunk := cfg.Strategy == StrategyPerChunk || cfg.Strategy == StrategyBoth

	for i, label := range outline {
		var content string
		if reviewPerChunk && o.Review != nil {
			writer := &perChunkWriter{chunked: o.Chunked, outline: outline, written: manifest.Chunks, index: i, userReq: userReq}
			reviewer := o.Review(writer)
			res, err := reviewer.Run(ctx, Request{ConvID: req.ConvID, TraceID: traceID, Messages: req.Messages})
			if err != nil {
				return o.failure(req, traceID, contentParts, manifest, err), err
			}
			content = res.Content
			reviewCycles = append(reviewCycles, res.Debug.Review...)
		} else {
			chunk, err := o.Chunked.writeChunkRetry(ctx, req, userReq, outline, manifest.Chunks, i)
			if err != nil {
				return o.failure(req, traceID, contentParts, manifest, err), err
			}
			content = chunk.Content
		}

		chunk := Chunk{Index: i, Label: label, Content: content, ContentTokens: approxTokens(content)}
		manifest.Chunks = append(manifest.Chunks, chunk)
		contentParts = append(contentParts, "## "+label+"\n\n"+content)

		o.emit(eventlog.Event{
			ConvID: req.ConvID, TraceID: traceID, Iter: i, Actor: eventlog.ActorSystem, Act: "chunk_write",
			Fields: map[string]any{"chunk_index": i, "chunk_label": label},
		})
	}

	merged := joinWithBlankLine(contentParts)

	if cfg.Strategy == StrategyFinalOnly || cfg.Strategy == StrategyBoth {
		if o.Review != nil {
			finalWriter := staticResult{content: merged}
			reviewer := o.Review(finalWriter)
			res, err := reviewer.Run(ctx, Request{ConvID: req.ConvID, TraceID: traceID, Messages: req.Messages})
			if err != nil {
				// The merged chunks are still a usable answer; hand them
				// back alongside the bubbled upstream failure.
				return Result{
					Content: merged, ConvID: req.ConvID, TraceID: traceID, StopReason: upstream.StopError,
					Debug: Debug{Mode: string(ModeCombined), Chunked: manifest, Review: reviewCycles},
				}, err
			}
			merged = res.Content
			reviewCycles = append(reviewCycles, res.Debug.Review...)
		}
	}

	return Result{
		Content: merged, ConvID: req.ConvID, TraceID: traceID, StopReason: upstream.StopStop,
		Debug: Debug{Mode: string(ModeCombined), Chunked: manifest, Review: reviewCycles},
	}, nil
}

func (o *CombinedOrchestrator) resolveOutline(ctx context.Context, req Request, userReq string, cfg CombinedConfig) ([]string, error) {
	chunked := o.Chunked
	outlineCfg := cfg.Chunked
	if outlineCfg.MaxChunks <= 0 {
		outlineCfg = DefaultChunkedConfig()
	}

	var lastErr error
	for attempt := 0; attempt < outlineCfg.OutlineRetries+1; attempt++ {
		resp, err := chunked.Upstream.Complete(ctx, upstream.CompletionRequest{
			Messages: []upstream.Message{{Role: upstream.RoleUser, Content: outlinePrompt(userReq, outlineCfg.MaxChunks)}},
		})
		if err != nil {
			lastErr = err
			continue
		}
		outline, err := parseOutline(resp.Content, outlineCfg.MaxChunks)
		if err == nil {
			o.emit(eventlog.Event{
				ConvID: req.ConvID, TraceID: req.TraceID, Actor: eventlog.ActorSystem, Act: "chunk_outline",
				Fields: map[string]any{"chunk_count": len(outline), "outline": outline},
			})
			return outline, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (o *CombinedOrchestrator) failure(req Request, traceID string, parts []string, manifest *ChunkManifest, err error) Result {
	return Result{
		Content: joinWithBlankLine(parts), ConvID: req.ConvID, TraceID: traceID,
		StopReason: upstream.StopError,
		Debug:      Debug{Mode: string(ModeCombined), Chunked: manifest},
	}
}

func joinWithBlankLine(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}

// staticResult is an Orchestrator that always returns the same content,
// used to let the Review Orchestrator critique an already-merged chunked
// result without needing a real inner generation step.
type staticResult struct {
	content string
}

func (s staticResult) Run(ctx context.Context, req Request) (Result, error) {
	return Result{Content: s.content, ConvID: req.ConvID, TraceID: req.TraceID}, nil
}
