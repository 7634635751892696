// Package hints implements the Telemetry Hint Injector: a pure reader over
// the Event Store's recent tail window that, when the window shows an
// elevated rate of auto-continuation, emits a one-line steering hint so the
// next request's system prompt can be nudged toward whatever is causing the
// model to run long (unterminated fences, missing closing punctuation).
package hints

import (
	"sort"
	"time"

	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
)

// Options tunes when a hint activates.
type Options struct {
	Window     time.Duration
	Threshold  float64
	MinSamples int
}

// DefaultOptions returns a 10-minute window, a 15% auto-continuation
// ratio threshold, and a 5-sample floor.
func DefaultOptions() Options {
	return Options{Window: 10 * time.Minute, Threshold: 0.15, MinSamples: 5}
}

// reasonHints maps a completeness.Reason string to a short steering
// instruction for the next turn's system prompt.
var reasonHints = map[string]string{
	"fence":  "close every opened code fence before ending your response",
	"short":  "give a more complete answer instead of a short fragment",
	"punct":  "end your response with terminal punctuation",
	"length": "wrap up more concisely within the available output budget",
}

// Decision is the hint injector's verdict plus the stats that produced it.
type Decision struct {
	Active        bool
	Hint          string
	DominantReason string
	ContinuedCount int
	SampleCount    int
	Ratio          float64
}

// now is overridable in tests.
var now = time.Now

// maxTailScan bounds how far back Evaluate reads; the time-window filter
// below discards anything older than Options.Window regardless.
const maxTailScan = 10000

// Evaluate inspects the store's recent window and decides whether a hint
// should be injected.
func Evaluate(store *eventlog.Store, convID string, opts Options) (Decision, error) {
	if opts.Window <= 0 {
		opts = DefaultOptions()
	}

	events, err := store.Tail(maxTailScan, eventlog.TailFilter{ConvID: convID})
	if err != nil {
		return Decision{}, err
	}

	cutoff := now().Add(-opts.Window)
	var sampleCount, continuedCount int
	reasonCounts := make(map[string]int)

	for _, e := range events {
		if e.Ts.Before(cutoff) {
			continue
		}
		switch e.Act {
		case "turn_aborted", "auto_continue":
			sampleCount++
			if e.Act == "auto_continue" {
				continuedCount++
				if v, ok := e.Get("reason"); ok {
					if s, ok := v.(string); ok {
						reasonCounts[s]++
					}
				}
			}
		}
	}

	if sampleCount < opts.MinSamples {
		return Decision{SampleCount: sampleCount, ContinuedCount: continuedCount}, nil
	}

	ratio := float64(continuedCount) / float64(sampleCount)
	if ratio <= opts.Threshold {
		return Decision{SampleCount: sampleCount, ContinuedCount: continuedCount, Ratio: ratio}, nil
	}

	dominant := dominantReason(reasonCounts)
	return Decision{
		Active: true, Hint: reasonHints[dominant], DominantReason: dominant,
		ContinuedCount: continuedCount, SampleCount: sampleCount, Ratio: ratio,
	}, nil
}

func dominantReason(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j] // tie-break: deterministic alphabetical order
	})
	return keys[0]
}

// Apply emits a mip_applied event recording the hint's activation and
// window stats, so the decision itself is auditable from the event log.
func Apply(store *eventlog.Store, convID, traceID string, d Decision) error {
	if store == nil || !d.Active {
		return nil
	}
	_, err := store.Append(eventlog.Event{
		ConvID: convID, TraceID: traceID, Actor: eventlog.ActorSystem, Act: "mip_applied",
		Fields: map[string]any{
			"hint": d.Hint, "reason": d.DominantReason,
			"continued_count": d.ContinuedCount, "sample_count": d.SampleCount, "ratio": d.Ratio,
		},
	})
	return err
}
