package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/gatewaybuddy/forgekeeper/internal/apierr"
	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/upstream"
)

// ReviewConfig bounds the Review Orchestrator.
type ReviewConfig struct {
	Iterations       int
	Threshold        float64
	MaxRegenerations int
	CritiquePreviewLen int
}

// DefaultReviewConfig returns the standard review bounds.
func DefaultReviewConfig() ReviewConfig {
	return ReviewConfig{Iterations: 3, Threshold: 0.7, MaxRegenerations: 2, CritiquePreviewLen: 500}
}

// ReviewOrchestrator wraps an inner Orchestrator (typically the tool-loop
// orchestrator) with iterative self-critique and regeneration against a
// quality threshold: score each draft, accept at or above the threshold,
// otherwise regenerate with the critique attached until the budget runs
// out, then return the best draft seen.
type ReviewOrchestrator struct {
	Inner    Orchestrator
	Upstream UpstreamCompleter
	Store    *eventlog.Store
	Config   ReviewConfig
}

var _ Orchestrator = (*ReviewOrchestrator)(nil)

var scorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)score\s*[:=]\s*([01](?:\.\d+)?)`),
	regexp.MustCompile(`(?i)quality\s*[:=]\s*([01](?:\.\d+)?)`),
	regexp.MustCompile(`(?m)^\s*([01](?:\.\d+)?)\s*$`),
}

// extractScore is regex-tolerant, accepting "Score: 0.78",
// "quality=0.78", or a bare number on its own line.
func extractScore(text string) (float64, bool) {
	for _, p := range scorePatterns {
		if m := p.FindStringSubmatch(text); len(m) == 2 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				if v < 0 {
					v = 0
				}
				if v > 1 {
					v = 1
				}
				return v, true
			}
		}
	}
	return 0, false
}

func critiquePrompt(userRequest, draft string) string {
	return fmt.Sprintf(
		"You are reviewing a draft answer against the original request.\n\nRequest:\n%s\n\nDraft:\n%s\n\nRubric: assess correctness, completeness, and clarity. Respond with a line \"Score: <0-1>\" followed by a short critique.",
		userRequest, draft,
	)
}

func (o *ReviewOrchestrator) emit(evt eventlog.Event) {
	if o.Store == nil {
		return
	}
	_, _ = o.Store.Append(evt)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func userRequestFrom(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == upstream.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// Run scores the inner draft and regenerates until a pass is accepted or
// the budget is exhausted.
func (o *ReviewOrchestrator) Run(ctx context.Context, req Request) (Result, error) {
	cfg := o.Config
	if cfg.Iterations <= 0 {
		cfg = DefaultReviewConfig()
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	draftResult, err := o.Inner.Run(ctx, req)
	if err != nil {
		return draftResult, err
	}

	draft := draftResult
	bestScore := -1.0
	bestDraft := draft
	budget := cfg.MaxRegenerations
	userReq := userRequestFrom(req)

	var cycles []ReviewCycle

	for pass := 1; pass <= cfg.Iterations; pass++ {
		critiqueResp, err := o.Upstream.Complete(ctx, upstream.CompletionRequest{
			Messages: []upstream.Message{{Role: upstream.RoleUser, Content: critiquePrompt(userReq, draft.Content)}},
		})
		if err != nil {
			// Upstream failures bubble up to the turn; the best draft seen
			// so far rides along as the best-effort partial result.
			bestDraft.Debug.Mode = string(ModeReview)
			bestDraft.Debug.Review = cycles
			return bestDraft, apierr.Wrap(apierr.UpstreamError, "critique request failed", err)
		}
		var score float64
		if s, ok := extractScore(critiqueResp.Content); ok {
			score = s
		}
		critique := critiqueResp.Content

		accepted := score >= cfg.Threshold
		cycle := ReviewCycle{Pass: pass, QualityScore: score, Threshold: cfg.Threshold, Accepted: accepted, Critique: truncate(critique, cfg.CritiquePreviewLen)}
		cycles = append(cycles, cycle)

		o.emit(eventlog.Event{
			ConvID: req.ConvID, TraceID: traceID, Iter: pass, Actor: eventlog.ActorSystem, Act: "review_cycle",
			Fields: map[string]any{"pass": pass, "quality_score": score, "threshold": cfg.Threshold, "accepted": accepted, "critique": cycle.Critique},
		})

		if score >= bestScore {
			bestScore = score
			bestDraft = draft
		}

		if accepted {
			draft.Debug.Mode = string(ModeReview)
			draft.Debug.Review = cycles
			return draft, nil
		}

		if budget <= 0 {
			break
		}
		budget--

		regenReq := req
		regenReq.Messages = append(append([]upstream.Message{}, req.Messages...), upstream.Message{
			Role: upstream.RoleSystem, Content: "Revise your previous answer to address this critique: " + critique,
		})
		newDraft, err := o.Inner.Run(ctx, regenReq)
		if err != nil {
			break
		}
		o.emit(eventlog.Event{
			ConvID: req.ConvID, TraceID: traceID, Iter: pass, Actor: eventlog.ActorSystem, Act: "regeneration",
			Fields: map[string]any{"pass": pass, "remaining_budget": budget},
		})
		draft = newDraft
	}

	o.emit(eventlog.Event{
		ConvID: req.ConvID, TraceID: traceID, Actor: eventlog.ActorSystem, Act: "review_summary",
		Fields: map[string]any{"best_score": bestScore, "accepted": false},
	})

	bestDraft.Debug.Mode = string(ModeReview)
	bestDraft.Debug.Review = cycles
	return bestDraft, nil
}
