package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsUpToCapacity(t *testing.T) {
	tb := NewTokenBucket(0, 3)
	require.True(t, tb.Allow(1))
	require.True(t, tb.Allow(1))
	require.True(t, tb.Allow(1))
	require.False(t, tb.Allow(1))
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(1000, 1) // 1000 tokens/sec, capacity 1
	require.True(t, tb.Allow(1))
	require.False(t, tb.Allow(1))

	time.Sleep(5 * time.Millisecond)
	require.True(t, tb.Allow(1))
}

func TestInMemoryStorePerActorIsolation(t *testing.T) {
	store := NewInMemoryStore()
	policy := Policy{RatePerSecond: 0, Burst: 1}
	ctx := context.Background()

	allowed, err := store.Allow(ctx, "a1", policy, 1)
	require.NoError(t, err)
	require.True(t, allowed)

	// a2's bucket is independent of a1's.
	allowed, err = store.Allow(ctx, "a2", policy, 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = store.Allow(ctx, "a1", policy, 1)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestEvaluateAdmissionFailsClosedWithoutStore(t *testing.T) {
	err := EvaluateAdmission(context.Background(), nil, "a1", Policy{})
	require.ErrorIs(t, err, ErrNoStore)
}

func TestEvaluateAdmissionReturnsRateLimitedError(t *testing.T) {
	store := NewInMemoryStore()
	policy := Policy{RatePerSecond: 0, Burst: 1}
	ctx := context.Background()

	require.NoError(t, EvaluateAdmission(ctx, store, "a1", policy))

	err := EvaluateAdmission(ctx, store, "a1", policy)
	var rateLimited *ErrRateLimited
	require.ErrorAs(t, err, &rateLimited)
	require.Equal(t, "a1", rateLimited.ActorID)
}
