package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder/internal/broker"
)

type countingProxy struct {
	*broker.Replay
	quoteCalls  int
	statusCalls int
}

func (c *countingProxy) QueryQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	c.quoteCalls++
	return c.Replay.QueryQuote(ctx, symbol)
}

func (c *countingProxy) FetchMarketStatus(ctx context.Context) (map[string]broker.MarketStatus, error) {
	c.statusCalls++
	return c.Replay.FetchMarketStatus(ctx)
}

func TestCachedQuotesHitWithinTTL(t *testing.T) {
	rep := broker.NewReplay("replay", "TEST", "HK", "2026-03-02", 10.0, 10.05, 10000, 0)
	rep.PushTick(10.30)
	inner := &countingProxy{Replay: rep}
	cache := NewCachedQuotes(inner, time.Minute)
	ctx := context.Background()

	first, err := cache.QueryQuote(ctx, "TEST")
	require.NoError(t, err)
	second, err := cache.QueryQuote(ctx, "TEST")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.quoteCalls)

	_, err = cache.FetchMarketStatus(ctx)
	require.NoError(t, err)
	_, err = cache.FetchMarketStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.statusCalls)
}

func TestCachedQuotesExpiry(t *testing.T) {
	rep := broker.NewReplay("replay", "TEST", "HK", "2026-03-02", 10.0, 10.05, 10000, 0)
	rep.PushTick(10.30)
	inner := &countingProxy{Replay: rep}
	cache := NewCachedQuotes(inner, 50*time.Millisecond)
	ctx := context.Background()

	_, err := cache.QueryQuote(ctx, "TEST")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = cache.QueryQuote(ctx, "TEST")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.quoteCalls)
}

func TestCachedQuotesInvalidate(t *testing.T) {
	rep := broker.NewReplay("replay", "TEST", "HK", "2026-03-02", 10.0, 10.05, 10000, 0)
	rep.PushTick(10.30)
	inner := &countingProxy{Replay: rep}
	cache := NewCachedQuotes(inner, time.Minute)
	ctx := context.Background()

	_, err := cache.QueryQuote(ctx, "TEST")
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.QueryQuote(ctx, "TEST")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.quoteCalls)
}
