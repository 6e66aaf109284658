package market

import (
	"context"
	"sync"
	"time"

	"ladder/internal/broker"
)

// CachedQuotes 让同一券商下的多只标的共享行情与市场状态查询：
// TTL 内的重复查询直接命中缓存，省掉一次限速配额。
type CachedQuotes struct {
	broker.Proxy

	ttl   time.Duration
	nowFn func() time.Time

	mu       sync.Mutex
	quotes   map[string]cachedQuote
	statusAt time.Time
	status   map[string]broker.MarketStatus
}

type cachedQuote struct {
	at    time.Time
	quote broker.Quote
}

func NewCachedQuotes(inner broker.Proxy, ttl time.Duration) *CachedQuotes {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &CachedQuotes{
		Proxy:  inner,
		ttl:    ttl,
		nowFn:  time.Now,
		quotes: make(map[string]cachedQuote),
	}
}

func (c *CachedQuotes) QueryQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	c.mu.Lock()
	if hit, ok := c.quotes[symbol]; ok && c.nowFn().Sub(hit.at) < c.ttl {
		c.mu.Unlock()
		return hit.quote, nil
	}
	c.mu.Unlock()

	quote, err := c.Proxy.QueryQuote(ctx, symbol)
	if err != nil {
		return broker.Quote{}, err
	}
	c.mu.Lock()
	c.quotes[symbol] = cachedQuote{at: c.nowFn(), quote: quote}
	c.mu.Unlock()
	return quote, nil
}

func (c *CachedQuotes) FetchMarketStatus(ctx context.Context) (map[string]broker.MarketStatus, error) {
	c.mu.Lock()
	if c.status != nil && c.nowFn().Sub(c.statusAt) < c.ttl {
		out := cloneStatus(c.status)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	status, err := c.Proxy.FetchMarketStatus(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.status = status
	c.statusAt = c.nowFn()
	out := cloneStatus(status)
	c.mu.Unlock()
	return out, nil
}

// Invalidate drops everything, used by tests and the replay driver when it
// steps the tape.
func (c *CachedQuotes) Invalidate() {
	c.mu.Lock()
	c.quotes = make(map[string]cachedQuote)
	c.status = nil
	c.mu.Unlock()
}

func cloneStatus(src map[string]broker.MarketStatus) map[string]broker.MarketStatus {
	out := make(map[string]broker.MarketStatus, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

var _ broker.Proxy = (*CachedQuotes)(nil)
