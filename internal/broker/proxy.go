package broker

import (
	"context"

	"ladder/internal/plan"
)

// Proxy is the engine's only view of a brokerage backend. Every call may
// fail and failures surface as typed errors, never as silent defaults.
// Wire adapters for concrete brokerages live outside this module; the
// in-tree implementation is the replay broker used for dry runs and tests.
type Proxy interface {
	Name() string

	QueryQuote(ctx context.Context, symbol string) (Quote, error)
	QueryChips(ctx context.Context, symbol string) (int64, error)
	QueryCash(ctx context.Context) (float64, error)

	// PlaceOrder submits and assigns the broker order id on success.
	PlaceOrder(ctx context.Context, o *plan.Order) error
	CancelOrder(ctx context.Context, o *plan.Order) error
	// RefreshOrder reloads fill state into the order in place.
	RefreshOrder(ctx context.Context, o *plan.Order) error

	DetectPlugIn(ctx context.Context) bool
	FetchMarketStatus(ctx context.Context) (map[string]MarketStatus, error)

	Capabilities() []Capability
}

// BasePriceProvider seeds a new plan; the heuristics behind it are an
// external collaborator.
type BasePriceProvider interface {
	BasePrice(ctx context.Context, symbol string) (float64, error)
	MarginAmount(ctx context.Context) (float64, error)
}
