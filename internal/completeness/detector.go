// Package completeness implements the completeness detector: a pure,
// total classifier over generated text and the upstream stop reason.
package completeness

import (
	"strings"
	"unicode/utf8"
)

// Reason is the categorical cause of an incomplete classification.
type Reason string

const (
	ReasonFence Reason = "fence"
	ReasonShort Reason = "short"
	ReasonPunct Reason = "punct"
	ReasonLength Reason = "length"
	ReasonStop  Reason = "stop"
)

// Report is the classifier's verdict.
type Report struct {
	Complete bool
	Reason   Reason
}

// Options tunes the classifier's thresholds.
type Options struct {
	// MinLength is the minimum trimmed length before text is considered
	// too short to be complete. Default 32.
	MinLength int
	// TerminalChars is the set of runes allowed to end complete text.
	// Defaults to the ASCII terminal set plus common CJK terminators.
	TerminalChars string
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		MinLength:     32,
		TerminalChars: ".!?…\"'”’)]}」』、。！？",
	}
}

// Classify applies the rules in order: a tool-call stop is complete; an
// unbalanced fence, too-short text, or a missing terminal character marks
// the text incomplete; a length stop marks the remainder incomplete.
func Classify(text string, stopReason string, opts Options) Report {
	if opts.MinLength <= 0 {
		opts.MinLength = 32
	}
	if opts.TerminalChars == "" {
		opts.TerminalChars = DefaultOptions().TerminalChars
	}

	if stopReason == "tool_calls" {
		return Report{Complete: true}
	}

	if hasUnbalancedFence(text) {
		return Report{Reason: ReasonFence}
	}

	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < opts.MinLength {
		return Report{Reason: ReasonShort}
	}

	if !endsWithTerminal(trimmed, opts.TerminalChars) {
		return Report{Reason: ReasonPunct}
	}

	if stopReason == "length" {
		return Report{Reason: ReasonLength}
	}

	return Report{Complete: true}
}

// hasUnbalancedFence reports whether text contains an odd number of
// triple-backtick fence markers, meaning a code block was opened but never
// closed.
func hasUnbalancedFence(text string) bool {
	count := strings.Count(text, "```")
	return count%2 == 1
}

func endsWithTerminal(trimmed string, terminalSet string) bool {
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return strings.ContainsRune(terminalSet, last)
}
