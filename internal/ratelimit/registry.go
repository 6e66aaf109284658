package ratelimit

import (
	"fmt"
	"sync"
)

// Operation is a broker endpoint category; each is quota'd independently.
type Operation string

const (
	OpQuote        Operation = "quote"
	OpMarketStatus Operation = "market_status"
	OpPlaceOrder   Operation = "place_order"
	OpCancelOrder  Operation = "cancel_order"
	OpRefreshOrder Operation = "refresh_order"
	OpAssetQuery   Operation = "asset_query"
)

// Limit is one bucket's shape.
type Limit struct {
	Capacity      float64
	LeakPerMinute float64
}

// DefaultLimits keeps a conservative floor for operations the config does
// not mention.
var DefaultLimits = map[Operation]Limit{
	OpQuote:        {Capacity: 30, LeakPerMinute: 30},
	OpMarketStatus: {Capacity: 10, LeakPerMinute: 10},
	OpPlaceOrder:   {Capacity: 15, LeakPerMinute: 15},
	OpCancelOrder:  {Capacity: 15, LeakPerMinute: 15},
	OpRefreshOrder: {Capacity: 30, LeakPerMinute: 30},
	OpAssetQuery:   {Capacity: 10, LeakPerMinute: 10},
}

// Registry hands out one bucket per (broker, operation). It is built once
// and injected into whoever talks to a broker; there is no ambient global
// lookup on purpose.
type Registry struct {
	mu      sync.Mutex
	limits  map[Operation]Limit
	buckets map[string]*Bucket
}

func NewRegistry(limits map[Operation]Limit) *Registry {
	merged := make(map[Operation]Limit, len(DefaultLimits))
	for op, lim := range DefaultLimits {
		merged[op] = lim
	}
	for op, lim := range limits {
		if lim.Capacity > 0 && lim.LeakPerMinute > 0 {
			merged[op] = lim
		}
	}
	return &Registry{
		limits:  merged,
		buckets: make(map[string]*Bucket),
	}
}

// Bucket returns the limiter guarding one broker endpoint, creating it on
// first use.
func (r *Registry) Bucket(broker string, op Operation) *Bucket {
	key := fmt.Sprintf("%s/%s", broker, op)
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[key]; ok {
		return b
	}
	lim, ok := r.limits[op]
	if !ok {
		lim = Limit{Capacity: 10, LeakPerMinute: 10}
	}
	b := NewBucket(lim.Capacity, lim.LeakPerMinute)
	r.buckets[key] = b
	return b
}
