package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder/internal/plan"
)

func TestRegistryCapabilityLookup(t *testing.T) {
	reg := NewRegistry()
	hk := NewReplay("hkbroker", "TEST.HK", "HK", "2026-03-02", 10, 10.05, 10000, 200000)
	us := NewReplay("usbroker", "TEST.US", "US", "2026-03-02", 10, 10.05, 10000, 200000)
	require.NoError(t, reg.Register(hk))
	require.NoError(t, reg.Register(us))

	got, err := reg.Find("stock", "hk")
	require.NoError(t, err)
	assert.Equal(t, "hkbroker", got.Name())

	_, err = reg.Find("stock", "JP")
	require.ErrorIs(t, err, ErrMismatch)

	dup := NewReplay("another", "X.HK", "HK", "2026-03-02", 1, 1, 0, 0)
	require.Error(t, reg.Register(dup), "second broker for stock/HK must be rejected")
}

func TestBridgeSerializesCalls(t *testing.T) {
	b := NewBridge(4)
	defer b.Stop()

	var order []int
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		i := i
		require.NoError(t, b.Call(ctx, func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBridgeRecoversPanic(t *testing.T) {
	b := NewBridge(1)
	defer b.Stop()

	err := b.Call(context.Background(), func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	// runner must survive the panic
	require.NoError(t, b.Call(context.Background(), func(context.Context) error { return nil }))
}

func TestReplayLimitOrderFillsOnCross(t *testing.T) {
	r := NewReplay("replay", "TEST.HK", "HK", "2026-03-02", 10.00, 10.05, 10000, 200000)
	r.PushTick(10.10)
	ctx := context.Background()

	o := &plan.Order{
		OrderDay: "2026-03-02", Symbol: "TEST.HK", Region: "HK", Currency: "HKD",
		Precision: 2, Level: 1, Direction: plan.DirectionSell, Qty: 1000, Price: 10.30,
	}
	require.NoError(t, r.PlaceOrder(ctx, o))
	assert.NotEmpty(t, o.OrderID)
	assert.NotEmpty(t, o.ClientKey)
	assert.False(t, o.IsFilled(), "10.10 must not cross a 10.30 sell")

	r.PushTick(10.30)
	r.Step()
	require.NoError(t, r.RefreshOrder(ctx, o))
	assert.True(t, o.IsFilled())
	assert.InDelta(t, 10.30, o.AvgFillPrice, 1e-9)

	chips, err := r.QueryChips(ctx, "TEST.HK")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), chips)
}

func TestReplayMarketOrderFillsAtLatest(t *testing.T) {
	r := NewReplay("replay", "TEST.HK", "HK", "2026-03-02", 10.00, 10.05, 10000, 200000)
	r.PushTick(10.42)
	ctx := context.Background()

	o := &plan.Order{
		OrderDay: "2026-03-02", Symbol: "TEST.HK", Region: "HK", Currency: "HKD",
		Precision: 2, Level: 1, Direction: plan.DirectionBuy, Qty: 500,
		Market: true, ProtectPrice: 10.45,
	}
	require.NoError(t, r.PlaceOrder(ctx, o))
	assert.True(t, o.IsFilled())
	assert.InDelta(t, 10.42, o.AvgFillPrice, 1e-9)
}

func TestReplayUnpluggedSurfacesTypedErrors(t *testing.T) {
	r := NewReplay("replay", "TEST.HK", "HK", "2026-03-02", 10.00, 10.05, 10000, 200000)
	r.PushTick(10.10)
	r.SetUnplugged(true)
	ctx := context.Background()

	_, err := r.QueryQuote(ctx, "TEST.HK")
	require.Error(t, err)
	assert.True(t, IsPrepare(err))
	assert.False(t, r.DetectPlugIn(ctx))
}

func TestLoadReplayFixture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ticks.json")
	fixture := `{
		"symbol": "TEST.HK", "region": "HK", "day": "2026-03-02",
		"prev_close": 10.0, "open": 10.05, "chips": 10000, "cash": 200000,
		"ticks": [
			{"latest": 10.05, "high": 10.06, "low": 10.0, "volume": 1000, "at": 1770000000},
			{"latest": 10.30, "high": 10.31, "low": 10.0, "volume": 2000, "at": 1770000060}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o644))

	r, err := LoadReplay(path)
	require.NoError(t, err)

	q, err := r.QueryQuote(context.Background(), "TEST.HK")
	require.NoError(t, err)
	assert.InDelta(t, 10.05, q.Latest, 1e-9)

	r.Step()
	q, _ = r.QueryQuote(context.Background(), "TEST.HK")
	assert.InDelta(t, 10.30, q.Latest, 1e-9)
	assert.Equal(t, "2026-03-02", q.Day)
}

func TestTradeErrorThreadKiller(t *testing.T) {
	err := NewTradeError("place", fmt.Errorf("account frozen"), true)
	assert.True(t, IsThreadKiller(err))
	wrapped := fmt.Errorf("cycle: %w", err)
	assert.True(t, IsThreadKiller(wrapped))
	assert.False(t, IsThreadKiller(NewTradeError("cancel", fmt.Errorf("busy"), false)))
}
