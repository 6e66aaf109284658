package broker

import (
	"context"
	"time"

	"ladder/internal/plan"
	"ladder/internal/ratelimit"
)

// WaitObserver counts broker calls that had to sleep for bucket capacity.
type WaitObserver interface {
	LimiterWaited(broker string, operation string)
}

// Limited wraps a proxy so every outbound call first acquires a token from
// the (broker, operation) bucket. This is the only place the engine meets
// broker quotas; nothing below it should rate-limit again.
type Limited struct {
	inner    Proxy
	limiters *ratelimit.Registry
	waits    WaitObserver
}

func NewLimited(inner Proxy, limiters *ratelimit.Registry) *Limited {
	return &Limited{inner: inner, limiters: limiters}
}

// ObserveWaits registers an optional sink for quota-wait counts.
func (l *Limited) ObserveWaits(obs WaitObserver) { l.waits = obs }

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Capabilities() []Capability { return l.inner.Capabilities() }

func (l *Limited) acquire(ctx context.Context, op ratelimit.Operation) error {
	start := time.Now()
	err := l.limiters.Bucket(l.inner.Name(), op).Acquire(ctx)
	// Acquire returns instantly unless the bucket was full; the shortest
	// sleep it takes is one millisecond.
	if l.waits != nil && time.Since(start) >= time.Millisecond {
		l.waits.LimiterWaited(l.inner.Name(), string(op))
	}
	return err
}

func (l *Limited) QueryQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := l.acquire(ctx, ratelimit.OpQuote); err != nil {
		return Quote{}, err
	}
	return l.inner.QueryQuote(ctx, symbol)
}

func (l *Limited) QueryChips(ctx context.Context, symbol string) (int64, error) {
	if err := l.acquire(ctx, ratelimit.OpAssetQuery); err != nil {
		return 0, err
	}
	return l.inner.QueryChips(ctx, symbol)
}

func (l *Limited) QueryCash(ctx context.Context) (float64, error) {
	if err := l.acquire(ctx, ratelimit.OpAssetQuery); err != nil {
		return 0, err
	}
	return l.inner.QueryCash(ctx)
}

func (l *Limited) PlaceOrder(ctx context.Context, o *plan.Order) error {
	if err := l.acquire(ctx, ratelimit.OpPlaceOrder); err != nil {
		return err
	}
	return l.inner.PlaceOrder(ctx, o)
}

func (l *Limited) CancelOrder(ctx context.Context, o *plan.Order) error {
	if err := l.acquire(ctx, ratelimit.OpCancelOrder); err != nil {
		return err
	}
	return l.inner.CancelOrder(ctx, o)
}

func (l *Limited) RefreshOrder(ctx context.Context, o *plan.Order) error {
	if err := l.acquire(ctx, ratelimit.OpRefreshOrder); err != nil {
		return err
	}
	return l.inner.RefreshOrder(ctx, o)
}

func (l *Limited) DetectPlugIn(ctx context.Context) bool {
	if err := l.acquire(ctx, ratelimit.OpMarketStatus); err != nil {
		return false
	}
	return l.inner.DetectPlugIn(ctx)
}

func (l *Limited) FetchMarketStatus(ctx context.Context) (map[string]MarketStatus, error) {
	if err := l.acquire(ctx, ratelimit.OpMarketStatus); err != nil {
		return nil, err
	}
	return l.inner.FetchMarketStatus(ctx)
}

var _ Proxy = (*Limited)(nil)
