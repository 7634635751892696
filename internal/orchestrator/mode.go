package orchestrator

import (
	"strings"
)

// Mode is which orchestration strategy the heuristic prefers.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeReview   Mode = "review"
	ModeChunked  Mode = "chunked"
	ModeCombined Mode = "combined"
)

// ModeDecision is the classifier's verdict plus the signal vector that
// produced it, logged as a mode_decision event for observability.
type ModeDecision struct {
	Mode        Mode
	Confidence  float64
	ChunkSignal float64
	ReviewSignal float64
}

// ModeHeuristicOptions tunes the classifier's thresholds.
type ModeHeuristicOptions struct {
	ChunkedThreshold    float64
	ReviewThreshold     float64
	LongTextRuneCount   int
}

// DefaultModeHeuristicOptions returns the standard thresholds.
func DefaultModeHeuristicOptions() ModeHeuristicOptions {
	return ModeHeuristicOptions{ChunkedThreshold: 0.5, ReviewThreshold: 0.5, LongTextRuneCount: 200}
}

var chunkedSignals = []string{
	"step by step", "step-by-step", "in detail", "comprehensive", "guide",
	"walkthrough", "thorough", "detailed plan", "complete guide",
}

var reviewSignals = []string{
	"verify", "production", "correctness", "critical", "double-check",
	"make sure", "audit", "review this",
}

// ClassifyMode scores the user text against the chunked and review
// signal phrases. It never hard-forces a mode; a caller override always
// wins over this classification.
func ClassifyMode(userText string, opts ModeHeuristicOptions) ModeDecision {
	if opts.ChunkedThreshold <= 0 {
		opts.ChunkedThreshold = DefaultModeHeuristicOptions().ChunkedThreshold
	}
	if opts.ReviewThreshold <= 0 {
		opts.ReviewThreshold = DefaultModeHeuristicOptions().ReviewThreshold
	}
	if opts.LongTextRuneCount <= 0 {
		opts.LongTextRuneCount = DefaultModeHeuristicOptions().LongTextRuneCount
	}

	lower := strings.ToLower(userText)

	chunkSignal := signalScore(lower, chunkedSignals)
	if len([]rune(userText)) > opts.LongTextRuneCount {
		chunkSignal += 0.25
	}
	if strings.Count(lower, " and ") >= 2 {
		chunkSignal += 0.1 // conjunction-heavy requests read as multi-part
	}
	chunkSignal = clamp01(chunkSignal)

	reviewSignal := clamp01(signalScore(lower, reviewSignals))

	chunkHit := chunkSignal >= opts.ChunkedThreshold
	reviewHit := reviewSignal >= opts.ReviewThreshold

	switch {
	case chunkHit && reviewHit:
		return ModeDecision{Mode: ModeCombined, Confidence: (chunkSignal + reviewSignal) / 2, ChunkSignal: chunkSignal, ReviewSignal: reviewSignal}
	case chunkHit:
		return ModeDecision{Mode: ModeChunked, Confidence: chunkSignal, ChunkSignal: chunkSignal, ReviewSignal: reviewSignal}
	case reviewHit:
		return ModeDecision{Mode: ModeReview, Confidence: reviewSignal, ChunkSignal: chunkSignal, ReviewSignal: reviewSignal}
	default:
		return ModeDecision{Mode: ModeStandard, Confidence: 1 - maxf(chunkSignal, reviewSignal), ChunkSignal: chunkSignal, ReviewSignal: reviewSignal}
	}
}

func signalScore(lower string, signals []string) float64 {
	hits := 0
	for _, s := range signals {
		if strings.Contains(lower, s) {
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	// Each additional matching phrase adds confidence, saturating quickly.
	score := 0.4 + 0.2*float64(hits-1)
	return clamp01(score + 0.2)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
