package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_ConsumesTokens(t *testing.T) {
	l := New(10, 1)
	assert.True(t, l.Allow("k", 5))
	assert.InDelta(t, 5, l.Tokens("k"), 0.001)
}

func TestAllow_DeniesWhenInsufficient(t *testing.T) {
	l := New(10, 1)
	require.True(t, l.Allow("k", 10))
	assert.False(t, l.Allow("k", 1))
}

func TestAllow_IndependentPerKey(t *testing.T) {
	l := New(5, 1)
	require.True(t, l.Allow("a", 5))
	assert.True(t, l.Allow("b", 5))
}

func TestRefill_Accrues(t *testing.T) {
	cur := time.Unix(0, 0)
	l := New(10, 10) // 10 tokens/sec
	l.now = func() time.Time { return cur }

	require.True(t, l.Allow("k", 10))
	assert.InDelta(t, 0, l.Tokens("k"), 0.001)

	cur = cur.Add(500 * time.Millisecond)
	assert.InDelta(t, 5, l.Tokens("k"), 0.001)
}

func TestRefill_CapsAtCapacity(t *testing.T) {
	cur := time.Unix(0, 0)
	l := New(10, 100)
	l.now = func() time.Time { return cur }

	cur = cur.Add(10 * time.Second)
	assert.InDelta(t, 10, l.Tokens("k"), 0.001)
}

func TestTokensInvariant_NeverNegativeNeverAboveCapacity(t *testing.T) {
	l := New(3, 0.5)
	for i := 0; i < 10; i++ {
		l.Allow("k", 1)
	}
	tok := l.Tokens("k")
	assert.GreaterOrEqual(t, tok, 0.0)
	assert.LessOrEqual(t, tok, l.Capacity())
}

func TestReset_RestoresFullCapacity(t *testing.T) {
	l := New(10, 1)
	require.True(t, l.Allow("k", 10))
	l.Reset("k")
	assert.InDelta(t, 10, l.Tokens("k"), 0.001)
}

func TestTryAcquire_AdmittedReportsRemaining(t *testing.T) {
	l := New(2, 0)
	d := l.TryAcquire("k", 1)
	assert.True(t, d.Admitted)
	assert.InDelta(t, 1, d.TokensRemaining, 0.001)
	assert.Equal(t, 2.0, d.Capacity)
}

func TestTryAcquire_RejectedReportsRetryAfter(t *testing.T) {
	l := New(2, 1) // 1 token/sec refill
	require.True(t, l.Allow("k", 2))

	d := l.TryAcquire("k", 1)
	assert.False(t, d.Admitted)
	assert.Greater(t, d.RetryAfterSeconds, 0.0)
}

func TestTryAcquire_RetryAfterMonotonicNonIncreasing(t *testing.T) {
	cur := time.Unix(0, 0)
	l := New(2, 1)
	l.now = func() time.Time { return cur }
	require.True(t, l.Allow("k", 2))

	first := l.TryAcquire("k", 2).RetryAfterSeconds
	cur = cur.Add(500 * time.Millisecond)
	second := l.TryAcquire("k", 2).RetryAfterSeconds
	assert.LessOrEqual(t, second, first)
}

func TestSetEnabled_False_AlwaysAdmits(t *testing.T) {
	l := New(1, 0)
	require.True(t, l.Allow("k", 1))
	l.SetEnabled(false)

	d := l.TryAcquire("k", 1000)
	assert.True(t, d.Admitted)
	assert.Equal(t, l.Capacity(), d.TokensRemaining)
	assert.Equal(t, l.Capacity(), l.Tokens("k"))
}

func TestStats_CountsRequestsAndRejections(t *testing.T) {
	l := New(1, 0)
	l.Allow("k", 1)
	l.Allow("k", 1) // rejected
	total, rejected := l.Stats()
	assert.Equal(t, uint64(2), total)
	assert.Equal(t, uint64(1), rejected)
}
