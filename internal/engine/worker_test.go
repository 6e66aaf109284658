package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder/internal/broker"
	"ladder/internal/config"
	"ladder/internal/plan"
)

type memStore struct {
	saves int
}

func (m *memStore) SaveState(_ context.Context, _ *State) error {
	m.saves++
	return nil
}

type memNotify struct {
	alarms []string
}

func (m *memNotify) Alarm(text string) { m.alarms = append(m.alarms, text) }

func workerFixture(t *testing.T, cfg config.StoreConfig, st *State, rep *broker.Replay) (*Worker, *memStore, *memNotify) {
	t.Helper()
	store := &memStore{}
	notify := &memNotify{}
	w, err := NewWorker(WorkerDeps{
		Config: cfg,
		State:  st,
		Broker: rep,
		Store:  store,
		Notify: notify,
	})
	require.NoError(t, err)
	return w, store, notify
}

// TestWorkerFullRoundTrip drives the whole ladder through the replay
// broker: sell 10000 at 10.30, buy back at 10.00, settle with 3000 profit.
func TestWorkerFullRoundTrip(t *testing.T) {
	day := time.Now().UTC().Format("2006-01-02")
	cfg := testStoreConfig()
	cfg.MaxShares = 10000
	cfg.LockPosition = true
	cfg.MarketPriceRate = 0.05 // keep the buy-back a limit order in this scenario
	cfg.Weights = []float64{1}
	cfg.SellRates = []float64{1.03}
	cfg.BuyRates = []float64{1.00}

	rep := broker.NewReplay("replay", "TEST", "HK", day, 10.0, 10.05, 10000, 0)
	rep.PushTick(10.30)
	w, store, _ := workerFixture(t, cfg, nil, rep)
	ctx := context.Background()

	// Cycle 1: market at 10.30 crosses the single sell level.
	require.NoError(t, w.Cycle(ctx))
	require.NotNil(t, w.st.Plan)
	orders := w.st.Plan.Orders
	require.Len(t, orders, 1)
	assert.Equal(t, plan.DirectionSell, orders[0].Direction)
	assert.Equal(t, int64(10000), orders[0].Qty)
	assert.True(t, orders[0].IsFilled())
	assert.Equal(t, LifecycleMonitoring, w.st.Current)
	assert.Equal(t, day, w.st.LSOD.Day)

	// Cycle 2: proceeds are visible now, the buy-back goes out at 10.00.
	require.NoError(t, w.Cycle(ctx))
	orders = w.st.Plan.Orders
	require.Len(t, orders, 2)
	buy := orders[1]
	assert.Equal(t, plan.DirectionBuy, buy.Direction)
	assert.Equal(t, int64(10000), buy.Qty)
	assert.Equal(t, 10.00, buy.Price)
	assert.False(t, buy.IsFilled()) // resting below the 10.30 market

	// Cycle 3: the market comes back, the buy fills, the plan settles.
	rep.PushTick(10.00)
	rep.Step()
	require.NoError(t, w.Cycle(ctx))
	assert.True(t, buy.IsFilled())
	require.NotNil(t, w.st.Plan.Earning)
	assert.Equal(t, 3000.0, *w.st.Plan.Earning)
	assert.Equal(t, 10.00, w.st.Plan.BuybackPrice)
	assert.Equal(t, LifecycleArbitraged, w.st.Current)

	// Cycle 4: nothing left to do today.
	require.NoError(t, w.Cycle(ctx))
	assert.Len(t, w.st.Plan.Orders, 2)
	assert.Greater(t, store.saves, 0)
}

// TestWorkerSameDayRework settles the round trip, then pushes the market
// back up through the recorded rework price: the worker must roll a fresh
// plan seeded at that price within the same day and start selling again.
func TestWorkerSameDayRework(t *testing.T) {
	day := time.Now().UTC().Format("2006-01-02")
	cfg := testStoreConfig()
	cfg.MaxShares = 10000
	cfg.LockPosition = true
	cfg.MarketPriceRate = 0.05
	cfg.ReworkLevel = 1
	cfg.Weights = []float64{1}
	cfg.SellRates = []float64{1.03}
	cfg.BuyRates = []float64{1.00}

	rep := broker.NewReplay("replay", "TEST", "HK", day, 10.0, 10.05, 10000, 0)
	rep.PushTick(10.30)
	w, _, _ := workerFixture(t, cfg, nil, rep)
	ctx := context.Background()

	// Sell at 10.30, buy back at 10.00, settle.
	require.NoError(t, w.Cycle(ctx))
	require.NoError(t, w.Cycle(ctx))
	rep.PushTick(10.00)
	rep.Step()
	require.NoError(t, w.Cycle(ctx))
	require.NotNil(t, w.st.Plan.Earning)
	assert.Equal(t, 10.30, w.st.Plan.ReworkPrice)
	settledVersion := w.st.Version

	// The price climbs back through the rework trigger the same day.
	rep.PushTick(10.31)
	rep.Step()
	require.NoError(t, w.Cycle(ctx))

	assert.Equal(t, settledVersion+1, w.st.Version)
	assert.Nil(t, w.st.Plan.Earning)
	assert.Equal(t, LifecycleMonitoring, w.st.Current)
	require.Len(t, w.st.Plan.Orders, 1)
	resell := w.st.Plan.Orders[0]
	assert.Equal(t, plan.DirectionSell, resell.Direction)
	assert.Equal(t, int64(10000), resell.Qty)
	assert.Equal(t, 10.61, resell.Price) // 10.30 rework base × 1.03
	assert.False(t, resell.IsFilled())
}

// TestWorkerReworkWaitsForTrigger: a settled plan must stay put while the
// price sits below its rework trigger.
func TestWorkerReworkWaitsForTrigger(t *testing.T) {
	day := time.Now().UTC().Format("2006-01-02")
	cfg := testStoreConfig()
	cfg.MaxShares = 10000
	cfg.LockPosition = true
	cfg.MarketPriceRate = 0.05
	cfg.ReworkLevel = 1
	cfg.Weights = []float64{1}
	cfg.SellRates = []float64{1.03}
	cfg.BuyRates = []float64{1.00}

	rep := broker.NewReplay("replay", "TEST", "HK", day, 10.0, 10.05, 10000, 0)
	rep.PushTick(10.30)
	w, _, _ := workerFixture(t, cfg, nil, rep)
	ctx := context.Background()

	require.NoError(t, w.Cycle(ctx))
	require.NoError(t, w.Cycle(ctx))
	rep.PushTick(10.00)
	rep.Step()
	require.NoError(t, w.Cycle(ctx))
	require.NotNil(t, w.st.Plan.Earning)
	settledVersion := w.st.Version

	// 10.29 is a hair below the 10.30 trigger; nothing may roll.
	rep.PushTick(10.29)
	rep.Step()
	require.NoError(t, w.Cycle(ctx))
	assert.Equal(t, settledVersion, w.st.Version)
	require.NotNil(t, w.st.Plan.Earning)
	assert.Len(t, w.st.Plan.Orders, 2)
}

func TestWorkerStickyBreachSkipsCycle(t *testing.T) {
	day := time.Now().UTC().Format("2006-01-02")
	rep := broker.NewReplay("replay", "TEST", "HK", day, 10.0, 10.05, 10000, 0)
	rep.PushTick(10.0)
	st := NewState("TEST")
	st.MarkBreach("manual test breach")
	w, _, _ := workerFixture(t, testStoreConfig(), st, rep)

	err := w.Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBreachSticky))
	assert.Nil(t, st.Plan) // the cycle never got as far as building one
}

func TestWorkerAbandonsCycleWhenUnplugged(t *testing.T) {
	day := time.Now().UTC().Format("2006-01-02")
	rep := broker.NewReplay("replay", "TEST", "HK", day, 10.0, 10.05, 10000, 0)
	rep.PushTick(10.0)
	rep.SetUnplugged(true)
	w, _, notify := workerFixture(t, testStoreConfig(), nil, rep)

	err := w.Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, broker.IsPrepare(err))
	assert.NotEmpty(t, notify.alarms)
}

func TestWorkerClosedMarketParksLifecycle(t *testing.T) {
	day := time.Now().UTC().Format("2006-01-02")
	rep := broker.NewReplay("replay", "TEST", "HK", day, 10.0, 10.05, 10000, 0)
	rep.PushTick(10.0)
	rep.SetStatus("HK", broker.StatusClosed)

	st := NewState("TEST")
	st.Current = LifecycleMonitoring
	p, err := plan.NewPlan(10000, 10.0, []float64{1}, []float64{1.03}, []float64{1.00})
	require.NoError(t, err)
	require.NoError(t, st.ReplacePlan(p))
	w, _, _ := workerFixture(t, testStoreConfig(), st, rep)

	require.NoError(t, w.Cycle(context.Background()))
	assert.Equal(t, LifecycleClosed, st.Current)
	assert.Empty(t, p.Orders)
}

func TestWorkerResumeRejectsDuplicateOrderIdentity(t *testing.T) {
	st := NewState("TEST")
	p, err := plan.NewPlan(10000, 10.0, []float64{1}, []float64{1.03}, []float64{1.00})
	require.NoError(t, err)
	dup := func() *plan.Order {
		return &plan.Order{
			Broker: "replay", OrderDay: testDay, OrderID: "R-0001", ClientKey: "ck",
			Symbol: "TEST", Region: "HK", Currency: "HKD", Precision: 2,
			Level: 1, Direction: plan.DirectionSell, Qty: 100, Price: 10.30,
		}
	}
	require.NoError(t, p.AppendOrder(dup()))
	require.NoError(t, p.AppendOrder(dup()))
	require.NoError(t, st.ReplacePlan(p))

	day := time.Now().UTC().Format("2006-01-02")
	rep := broker.NewReplay("replay", "TEST", "HK", day, 10.0, 10.05, 10000, 0)
	_, err = NewWorker(WorkerDeps{
		Config: testStoreConfig(),
		State:  st,
		Broker: rep,
		Store:  &memStore{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collision")
}

func TestWorkerActions(t *testing.T) {
	day := time.Now().UTC().Format("2006-01-02")
	rep := broker.NewReplay("replay", "TEST", "HK", day, 10.0, 10.05, 10000, 0)
	rep.PushTick(10.0)

	st := NewState("TEST")
	p, err := plan.NewPlan(10000, 10.0, []float64{1, 1, 2},
		[]float64{1.03, 1.06, 1.12}, []float64{1.00, 1.02, 1.06})
	require.NoError(t, err)
	require.NoError(t, st.ReplacePlan(p))
	w, _, _ := workerFixture(t, testStoreConfig(), st, rep)
	ctx := context.Background()

	t.Run("unknown action", func(t *testing.T) {
		_, err := w.Do(ctx, "does-not-exist", "")
		require.Error(t, err)
	})

	t.Run("state dump", func(t *testing.T) {
		out, err := w.Do(ctx, "state", "")
		require.NoError(t, err)
		assert.Contains(t, out, `"symbol": "TEST"`)
	})

	t.Run("set give-up price", func(t *testing.T) {
		out, err := w.Do(ctx, "set-give-up-price", "10.50")
		require.NoError(t, err)
		assert.Contains(t, out, "10.5")
		assert.Equal(t, 10.50, p.GiveUpPrice)

		_, err = w.Do(ctx, "set-give-up-price", "1.00")
		require.Error(t, err) // below the cheapest table buy price
	})

	t.Run("clear risk break", func(t *testing.T) {
		st.MarkBreach("test detail")
		out, err := w.Do(ctx, "clear-risk-break", "")
		require.NoError(t, err)
		assert.Contains(t, out, "test detail")
		assert.False(t, st.RiskControlBreak)
	})

	t.Run("cancel all", func(t *testing.T) {
		live := &plan.Order{
			Broker: "replay", OrderDay: day, OrderID: "R-0009", ClientKey: "ck",
			Symbol: "TEST", Region: "HK", Currency: "HKD", Precision: 2,
			Level: 1, Direction: plan.DirectionSell, Qty: 2500, Price: 10.30,
		}
		require.NoError(t, p.AppendOrder(live))
		out, err := w.Do(ctx, "cancel-all", "")
		require.NoError(t, err)
		assert.Contains(t, out, "canceled 1")
		assert.True(t, live.Canceled)
	})

	t.Run("prune stale", func(t *testing.T) {
		stale := &plan.Order{
			Broker: "replay", OrderDay: "2020-01-01", OrderID: "R-0010", ClientKey: "ck",
			Symbol: "TEST", Region: "HK", Currency: "HKD", Precision: 2,
			Level: 1, Direction: plan.DirectionSell, Qty: 2500, Price: 10.30,
		}
		require.NoError(t, p.AppendOrder(stale))
		out, err := w.Do(ctx, "prune-stale", "")
		require.NoError(t, err)
		assert.Contains(t, out, "pruned 1")
	})
}
