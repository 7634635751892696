package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyMode_ChunkedOnComprehensiveRequest(t *testing.T) {
	d := ClassifyMode("write a comprehensive step-by-step guide to deploying the service", DefaultModeHeuristicOptions())
	assert.Equal(t, ModeChunked, d.Mode)
	assert.GreaterOrEqual(t, d.ChunkSignal, 0.5)
}

func TestClassifyMode_ReviewOnVerificationRequest(t *testing.T) {
	d := ClassifyMode("verify this migration is safe for production", DefaultModeHeuristicOptions())
	assert.Equal(t, ModeReview, d.Mode)
	assert.GreaterOrEqual(t, d.ReviewSignal, 0.5)
}

func TestClassifyMode_CombinedWhenBothSignalsFire(t *testing.T) {
	d := ClassifyMode("write a comprehensive guide and verify correctness for production use", DefaultModeHeuristicOptions())
	assert.Equal(t, ModeCombined, d.Mode)
}

func TestClassifyMode_StandardByDefault(t *testing.T) {
	d := ClassifyMode("what's the capital of France", DefaultModeHeuristicOptions())
	assert.Equal(t, ModeStandard, d.Mode)
	assert.Greater(t, d.Confidence, 0.0)
}

func TestClassifyMode_LongTextRaisesChunkSignal(t *testing.T) {
	long := strings.Repeat("please cover this topic thoroughly ", 10)
	d := ClassifyMode(long, DefaultModeHeuristicOptions())
	assert.Greater(t, d.ChunkSignal, 0.0)
}

func TestClassifyMode_SignalsStayInUnitRange(t *testing.T) {
	inputs := []string{
		"",
		"step by step in detail comprehensive guide walkthrough thorough",
		"verify production correctness critical audit review this make sure double-check",
	}
	for _, in := range inputs {
		d := ClassifyMode(in, DefaultModeHeuristicOptions())
		assert.GreaterOrEqual(t, d.ChunkSignal, 0.0)
		assert.LessOrEqual(t, d.ChunkSignal, 1.0)
		assert.GreaterOrEqual(t, d.ReviewSignal, 0.0)
		assert.LessOrEqual(t, d.ReviewSignal, 1.0)
	}
}

func TestClassifyMode_ZeroOptionsFallBackToDefaults(t *testing.T) {
	d := ClassifyMode("write a comprehensive step-by-step guide", ModeHeuristicOptions{})
	assert.Equal(t, ModeChunked, d.Mode)
}
