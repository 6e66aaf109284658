package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder/internal/broker"
	"ladder/internal/config"
	"ladder/internal/plan"
	"ladder/internal/risk"
)

const testDay = "2026-03-02"

func testStoreConfig() config.StoreConfig {
	return config.StoreConfig{
		Symbol:          "TEST",
		Broker:          "replay",
		TradeType:       "stock",
		Region:          "HK",
		Currency:        "HKD",
		Precision:       2,
		LotSize:         100,
		SellOrderRate:   0.97,
		BuyOrderRate:    1.03,
		LegalMoveRate:   0.10,
		MarketPriceRate: 0.02,
		MaxShares:       20000,
		TotalChips:      10000,
		BasePrice:       10.0,
		Timezone:        "UTC",
		PollSeconds:     1,
		OpeningSeconds:  0,
		BuyGraceSeconds: 0,
	}
}

// threeLevelPlan: 2500/2500/5000 shares, sells 10.30/10.60/11.20,
// buys 10.00/10.20/10.60.
func threeLevelPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.NewPlan(10000, 10.0,
		[]float64{1, 1, 2},
		[]float64{1.03, 1.06, 1.12},
		[]float64{1.00, 1.02, 1.06})
	require.NoError(t, err)
	return p
}

var sellOrderSeq int64

func sellOrder(level int, qty, filled int64, canceled bool) *plan.Order {
	seq := atomic.AddInt64(&sellOrderSeq, 1)
	return &plan.Order{
		Broker: "replay", OrderDay: testDay, OrderID: fmt.Sprintf("S-%s-%d", time.Now().Format("050405.000"), seq),
		ClientKey: "ck-sell", Symbol: "TEST", Region: "HK", Currency: "HKD", Precision: 2,
		Level: level, Direction: plan.DirectionSell,
		Qty: qty, Price: 10.30, FilledQty: filled, AvgFillPrice: 10.30, Canceled: canceled,
	}
}

type firingFixture struct {
	cfg   config.StoreConfig
	st    *State
	table *plan.ProfitTable
	rep   *broker.Replay
	f     *Firing
}

func newFiringFixture(t *testing.T, cfg config.StoreConfig, p *plan.Plan, latest float64) *firingFixture {
	t.Helper()
	st := NewState(cfg.Key())
	require.NoError(t, st.ReplacePlan(p))
	table, err := plan.BuildTableForPlan(p, cfg.Spread, cfg.Precision, cfg.LotSize)
	require.NoError(t, err)

	rep := broker.NewReplay("replay", cfg.Symbol, cfg.Region, testDay, 10.0, 10.05, cfg.TotalChips, 500000)
	rep.PushTick(latest)
	quote, err := rep.QueryQuote(context.Background(), cfg.Symbol)
	require.NoError(t, err)

	ledger := risk.NewLedger()
	for _, o := range p.Orders {
		require.NoError(t, ledger.Observe(st.Version, o))
	}
	gate, err := risk.NewGate(risk.Inputs{
		Day:                testDay,
		Status:             broker.StatusTrading,
		Quote:              quote,
		Chips:              cfg.TotalChips,
		ChipsDay:           testDay,
		Cash:               500000,
		CashDay:            testDay,
		StateVersion:       st.Version,
		LSOD:               &st.LSOD,
		AllOrdersRefreshed: true,
		MaxShares:          cfg.MaxShares,
		AllowFirstMarket:   false,
		Plan:               p,
	}, ledger)
	require.NoError(t, err)

	now := time.Now()
	return &firingFixture{
		cfg: cfg, st: st, table: table, rep: rep,
		f: NewFiring(cfg, st, table, quote, gate, rep, testDay, now, now.Add(-time.Minute)),
	}
}

func TestSellPassFiresFirstLevel(t *testing.T) {
	fx := newFiringFixture(t, testStoreConfig(), threeLevelPlan(t), 10.30)
	o, err := fx.f.SellPass(context.Background())
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 1, o.Level)
	assert.Equal(t, int64(2500), o.Qty)
	assert.Equal(t, 10.30, o.Price)
	assert.NotEmpty(t, o.OrderID)
	assert.NotEmpty(t, o.ClientKey)
	assert.True(t, o.IsFilled()) // replay crosses at 10.30
}

func TestSellPassDisarmedWhileSellLive(t *testing.T) {
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(1, 2500, 0, false)))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.20)

	o, err := fx.f.SellPass(context.Background())
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestSellPassCarriesPartialFill(t *testing.T) {
	p := threeLevelPlan(t)
	// 2500 wanted, 1000 filled before the cancel: the next sell must chase
	// the 1500 shortfall at the same level, not advance.
	require.NoError(t, p.AppendOrder(sellOrder(1, 2500, 1000, true)))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.30)

	o, err := fx.f.SellPass(context.Background())
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 1, o.Level)
	assert.Equal(t, int64(1500), o.Qty)
}

func TestSellPassAdvancesWhenLevelDone(t *testing.T) {
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(1, 2500, 2500, false)))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.30)

	o, err := fx.f.SellPass(context.Background())
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 2, o.Level)
	assert.Equal(t, int64(2500), o.Qty)
	assert.Equal(t, 10.60, o.Price)
	assert.False(t, o.IsFilled()) // resting above the 10.30 market
}

func TestSellPassExhaustedPlan(t *testing.T) {
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(1, 2500, 2500, false)))
	require.NoError(t, p.AppendOrder(sellOrder(2, 2500, 2500, false)))
	require.NoError(t, p.AppendOrder(sellOrder(3, 5000, 5000, false)))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.30)

	o, err := fx.f.SellPass(context.Background())
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestSellPassAbortsFarBelowMarket(t *testing.T) {
	// Table sell at 10.30 against a market that ran to 11.00: firing that
	// limit would cross immediately far below the live price.
	fx := newFiringFixture(t, testStoreConfig(), threeLevelPlan(t), 11.00)
	o, err := fx.f.SellPass(context.Background())
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestBuyPassTargetsHighestFilledLevel(t *testing.T) {
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(1, 2500, 2500, false)))
	require.NoError(t, p.AppendOrder(sellOrder(2, 2500, 2500, false)))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.25)

	o, err := fx.f.BuyPass(context.Background())
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 2, o.Level)
	assert.Equal(t, plan.DirectionBuy, o.Direction)
	assert.Equal(t, int64(5000), o.Qty) // everything sold so far
	assert.Equal(t, 10.20, o.Price)
	assert.False(t, o.Market)
}

func TestBuyPassIdleWithoutSellFills(t *testing.T) {
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(1, 2500, 0, false)))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.20)

	o, err := fx.f.BuyPass(context.Background())
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestBuyPassWaitsOutGracePeriod(t *testing.T) {
	cfg := testStoreConfig()
	cfg.BuyGraceSeconds = 300
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(1, 2500, 2500, false)))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.05)
	fx.f.cfg = cfg
	fx.f.sessionOpenAt = fx.f.now // session just opened

	o, err := fx.f.BuyPass(context.Background())
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestBuyPassHonorsGiveUpPrice(t *testing.T) {
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(2, 2500, 2500, false)))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.25)
	require.NoError(t, p.SetGiveUpPrice(10.05, fx.table))

	o, err := fx.f.BuyPass(context.Background())
	require.NoError(t, err)
	assert.Nil(t, o) // buy-back at 10.20 sits above the 10.05 ceiling
}

func TestBuyPassFallsBackToMarketOrder(t *testing.T) {
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(2, 2500, 2500, false)))
	// Latest 10.60 vs intended 10.20 is a 3.9% gap, beyond the 2% cap.
	fx := newFiringFixture(t, testStoreConfig(), p, 10.60)

	o, err := fx.f.BuyPass(context.Background())
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.True(t, o.Market)
	assert.Equal(t, 10.20, o.ProtectPrice)
	assert.Zero(t, o.Price)
}

func TestBuyPassRetargetsMislevelledBuy(t *testing.T) {
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(2, 2500, 2500, false)))
	staleBuy := &plan.Order{
		Broker: "replay", OrderDay: testDay, OrderID: "B-0001", ClientKey: "ck-buy",
		Symbol: "TEST", Region: "HK", Currency: "HKD", Precision: 2,
		Level: 1, Direction: plan.DirectionBuy, Qty: 2500, Price: 10.00,
	}
	require.NoError(t, p.AppendOrder(staleBuy))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.25)

	o, err := fx.f.BuyPass(context.Background())
	require.NoError(t, err)
	assert.Nil(t, o) // cancel first, resubmit on a later cycle
	assert.True(t, staleBuy.Canceled)
}

func TestLiveOrderInvariantBreach(t *testing.T) {
	p := threeLevelPlan(t)
	require.NoError(t, p.AppendOrder(sellOrder(1, 2500, 2500, false)))
	require.NoError(t, p.AppendOrder(sellOrder(2, 2500, 0, false)))
	require.NoError(t, p.AppendOrder(sellOrder(3, 5000, 0, false)))
	fx := newFiringFixture(t, testStoreConfig(), p, 10.25)

	_, err := fx.f.BuyPass(context.Background())
	require.Error(t, err)
	assert.True(t, risk.IsBreach(err))
}
