package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaybuddy/forgekeeper/internal/eventlog"
	"github.com/gatewaybuddy/forgekeeper/internal/upstream"
)

func TestChunked_OutlineThenSequentialChunks(t *testing.T) {
	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	completer := &stubCompleter{responses: []upstream.Response{
		{Content: "1. Overview\n2. Steps\n3. Pitfalls"},
		{Content: "overview content"},
		{Content: "steps content"},
		{Content: "pitfalls content"},
	}}

	o := &ChunkedOrchestrator{Upstream: completer, Store: store, Config: ChunkedConfig{MaxChunks: 8, TokensPerChunk: 256, OutlineRetries: 1}}
	res, err := o.Run(context.Background(), Request{ConvID: "ch1", Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "explain the thing"}}})
	require.NoError(t, err)

	require.NotNil(t, res.Debug.Chunked)
	assert.Equal(t, []string{"Overview", "Steps", "Pitfalls"}, res.Debug.Chunked.Outline)
	require.Len(t, res.Debug.Chunked.Chunks, 3)
	for i, c := range res.Debug.Chunked.Chunks {
		assert.Equal(t, i, c.Index)
	}
	assert.Contains(t, res.Content, "Overview")
	assert.Contains(t, res.Content, "overview content")
	assert.Contains(t, res.Content, "Steps")
	assert.Contains(t, res.Content, "steps content")
	assert.Contains(t, res.Content, "Pitfalls")
	assert.Contains(t, res.Content, "pitfalls content")

	outlineEvents, err := store.Tail(10, eventlog.TailFilter{ConvID: "ch1", Acts: []string{"chunk_outline"}})
	require.NoError(t, err)
	require.Len(t, outlineEvents, 1)
	count, ok := outlineEvents[0].Get("chunk_count")
	require.True(t, ok)
	assert.Equal(t, float64(3), count)

	writeEvents, err := store.Tail(10, eventlog.TailFilter{ConvID: "ch1", Acts: []string{"chunk_write"}})
	require.NoError(t, err)
	require.Len(t, writeEvents, 3)
}

func TestParseOutline_JSONArray(t *testing.T) {
	labels, err := parseOutline(`["Intro", "Body", "Conclusion"]`, 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"Intro", "Body", "Conclusion"}, labels)
}

func TestParseOutline_BulletedList(t *testing.T) {
	labels, err := parseOutline("- First\n- Second\n", 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"First", "Second"}, labels)
}

func TestParseOutline_ClipsToMaxChunks(t *testing.T) {
	labels, err := parseOutline("1. A\n2. B\n3. C\n4. D\n", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, labels)
}

func TestParseOutline_UnparseableReturnsError(t *testing.T) {
	_, err := parseOutline("just some prose with no list structure at all", 8)
	require.Error(t, err)
}

func TestChunked_OutlineRetriesOnUnparseableFirstAttempt(t *testing.T) {
	store, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	completer := &stubCompleter{responses: []upstream.Response{
		{Content: "I cannot help with lists today."},
		{Content: "1. Only"},
		{Content: "only content"},
	}}

	o := &ChunkedOrchestrator{Upstream: completer, Store: store, Config: ChunkedConfig{MaxChunks: 4, TokensPerChunk: 64, OutlineRetries: 1}}
	res, err := o.Run(context.Background(), Request{ConvID: "ch2", Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Only"}, res.Debug.Chunked.Outline)
}
