package completeness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_ToolCallsAlwaysComplete(t *testing.T) {
	r := Classify("x", "tool_calls", DefaultOptions())
	assert.True(t, r.Complete)
}

func TestClassify_UnbalancedFence(t *testing.T) {
	r := Classify("here is some code:\n```go\nfunc main() {}\n", "stop", DefaultOptions())
	assert.False(t, r.Complete)
	assert.Equal(t, ReasonFence, r.Reason)
}

func TestClassify_BalancedFenceNotFlagged(t *testing.T) {
	text := "```go\nfunc main() {}\n```\nThis finishes the answer with punctuation."
	r := Classify(text, "stop", DefaultOptions())
	assert.True(t, r.Complete)
}

func TestClassify_TooShort(t *testing.T) {
	r := Classify("short.", "stop", DefaultOptions())
	assert.False(t, r.Complete)
	assert.Equal(t, ReasonShort, r.Reason)
}

func TestClassify_MissingTerminalPunctuation(t *testing.T) {
	r := Classify("Hello world, this sentence just trails off without a stop", "stop", DefaultOptions())
	assert.False(t, r.Complete)
	assert.Equal(t, ReasonPunct, r.Reason)
}

func TestClassify_LengthStopReason(t *testing.T) {
	text := "This is a long enough sentence that ends properly."
	r := Classify(text, "length", DefaultOptions())
	assert.False(t, r.Complete)
	assert.Equal(t, ReasonLength, r.Reason)
}

func TestClassify_CompleteWithStopReasonStop(t *testing.T) {
	text := "This is a long enough sentence that ends properly."
	r := Classify(text, "stop", DefaultOptions())
	assert.True(t, r.Complete)
}

func TestClassify_CJKTerminator(t *testing.T) {
	text := "这是一段足够长的中文句子用来测试终止符号判断逻辑是否正确。"
	r := Classify(text, "stop", DefaultOptions())
	assert.True(t, r.Complete)
}

func TestClassify_TotalFunction_NeverPanics(t *testing.T) {
	inputs := []string{"", " ", "\n\n\n", "```", "🎉🎉🎉🎉🎉🎉🎉🎉🎉🎉🎉🎉🎉🎉🎉🎉🎉", "普通文本"}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			Classify(in, "stop", DefaultOptions())
		})
	}
}
