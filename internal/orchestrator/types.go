// Package orchestrator implements the reasoning strategies: the
// tool-loop, review, chunked, and combined generators plus the mode
// heuristic that picks among them. Results, review cycles, and chunk
// manifests are explicit tagged structs so downstream code matches
// exhaustively instead of shape-checking maps.
package orchestrator

import (
	"context"

	"github.com/gatewaybuddy/forgekeeper/internal/upstream"
)

// Request is one turn's input to any Orchestrator implementation.
type Request struct {
	Messages    []upstream.Message
	Tools       []upstream.ToolSpec
	ConvID      string
	TraceID     string
	MaxTokens   int
	Temperature float64
}

// ReviewCycle is one critique-plus-score pass over a draft.
type ReviewCycle struct {
	Pass         int
	QualityScore float64
	Threshold    float64
	Accepted     bool
	Critique     string
}

// Chunk is one labeled, sequentially produced section of a long-form
// answer.
type Chunk struct {
	Index           int
	Label           string
	Content         string
	ReasoningTokens int
	ContentTokens   int
}

// ChunkManifest is the ordered outline-plus-chunks record for a chunked
// generation.
type ChunkManifest struct {
	Outline []string
	Chunks  []Chunk
}

// Debug is the nested diagnostics attached to a Result: which mode ran,
// review cycles, chunk manifest, tool-loop iteration count.
type Debug struct {
	Mode               string
	ToolLoopIterations int
	Review             []ReviewCycle
	Chunked            *ChunkManifest
}

// Result is an Orchestrator's output for one turn.
type Result struct {
	Content    string
	Reasoning  string
	StopReason upstream.StopReason
	Debug      Debug
	ConvID     string
	TraceID    string
}

// Orchestrator is the single capability interface every strategy
// implements; strategies compose by value rather than by patching shared
// state.
type Orchestrator interface {
	Run(ctx context.Context, req Request) (Result, error)
}
