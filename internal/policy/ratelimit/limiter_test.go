package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUnlimitedWhenRateUnset(t *testing.T) {
	l := New(Config{})

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://shop.example.com/p/1"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitThrottlesPerHost(t *testing.T) {
	l := New(Config{RequestsPerSecond: 20, Burst: 1})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://slow.example.com/p/1"))
	}
	// Burst of 1 at 20 rps means the second and third calls each wait ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitHostsAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "https://a.example.com/"))
	require.NoError(t, l.Wait(context.Background(), "https://b.example.com/"))
	require.NoError(t, l.Wait(context.Background(), "https://c.example.com/"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://shop.example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://shop.example.com/")
	assert.Error(t, err)
}

func TestWaitUnparseableURLStillLimited(t *testing.T) {
	l := New(Config{RequestsPerSecond: 100, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "::not a url::"))
	require.NoError(t, l.Wait(context.Background(), "::not a url::"))
}
