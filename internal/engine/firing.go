package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ladder/internal/broker"
	"ladder/internal/config"
	"ladder/internal/logger"
	"ladder/internal/plan"
	"ladder/internal/risk"
)

// Firing runs the two ordered passes of one monitoring cycle: sell first,
// then buy. It is rebuilt every cycle around that cycle's frozen inputs.
type Firing struct {
	cfg   config.StoreConfig
	state *State
	table *plan.ProfitTable
	quote broker.Quote
	gate  *risk.Gate
	brk   broker.Proxy

	day           string
	now           time.Time
	sessionOpenAt time.Time
}

func NewFiring(cfg config.StoreConfig, st *State, table *plan.ProfitTable,
	quote broker.Quote, gate *risk.Gate, brk broker.Proxy,
	day string, now, sessionOpenAt time.Time) *Firing {
	return &Firing{
		cfg: cfg, state: st, table: table, quote: quote, gate: gate, brk: brk,
		day: day, now: now, sessionOpenAt: sessionOpenAt,
	}
}

func (f *Firing) inOpeningWindow() bool {
	if f.sessionOpenAt.IsZero() {
		return false
	}
	return f.now.Sub(f.sessionOpenAt) <= time.Duration(f.cfg.OpeningSeconds)*time.Second
}

func (f *Firing) pastBuyGrace() bool {
	if f.sessionOpenAt.IsZero() {
		return false
	}
	return f.now.Sub(f.sessionOpenAt) >= time.Duration(f.cfg.BuyGraceSeconds)*time.Second
}

// clampLegalBand pins a price into the venue's daily move band around the
// previous close, then rounds to the instrument precision.
func (f *Firing) clampLegalBand(price float64) float64 {
	low := f.quote.PrevClose * (1 - f.cfg.LegalMoveRate)
	high := f.quote.PrevClose * (1 + f.cfg.LegalMoveRate)
	if price < low {
		price = low
	}
	if price > high {
		price = high
	}
	return plan.RoundPrice(price, f.cfg.Precision)
}

// nextSellTarget resolves the level and quantity the sell pass should
// fire, carrying a partial fill's shortfall instead of advancing.
func (f *Firing) nextSellTarget() (level int, qty int64, ok bool) {
	p := f.state.Plan
	cur := p.HighestSellLevel()
	if cur == 0 {
		row, exists := f.table.Row(1)
		if !exists {
			return 0, 0, false
		}
		return 1, row.Shares, true
	}
	row, exists := f.table.Row(cur)
	if !exists {
		return 0, 0, false
	}
	filled := p.SellFilledAtLevel(cur)
	if filled < row.Shares {
		return cur, row.Shares - filled, true
	}
	next := cur + 1
	nextRow, exists := f.table.Row(next)
	if !exists {
		return 0, 0, false // plan exhausted, selling disabled
	}
	return next, nextRow.Shares, true
}

func (f *Firing) newOrder(dir plan.Direction, level int, qty int64) *plan.Order {
	return &plan.Order{
		Broker:    f.cfg.Broker,
		OrderDay:  f.day,
		ClientKey: uuid.NewString(),
		Symbol:    f.cfg.Symbol,
		Region:    f.cfg.Region,
		Currency:  f.cfg.Currency,
		Precision: f.cfg.Precision,
		Level:     level,
		Direction: dir,
		Qty:       qty,
		CreatedAt: f.now.Unix(),
	}
}

// submit runs the authorize → place → record → append chain shared by
// both passes.
func (f *Firing) submit(ctx context.Context, o *plan.Order) error {
	if err := f.gate.AuthorizeOrder(o); err != nil {
		return err
	}
	if err := f.brk.PlaceOrder(ctx, o); err != nil {
		return err
	}
	if err := f.gate.RecordSubmitted(o); err != nil {
		return err
	}
	if err := f.state.Plan.AppendOrder(o); err != nil {
		return err
	}
	logger.Infof("[%s] fired %s level=%d qty=%d price=%v market=%v id=%s",
		f.cfg.Symbol, o.Direction, o.Level, o.Qty, o.Price, o.Market, o.OrderID)
	return nil
}

// SellPass fires at most one sell order per cycle. It is armed only when
// every earlier sell of the day reached a terminal state.
func (f *Firing) SellPass(ctx context.Context) (*plan.Order, error) {
	p := f.state.Plan
	if !p.AllTodaySellResolved(f.day) {
		return nil, nil
	}
	level, qty, ok := f.nextSellTarget()
	if !ok {
		return nil, nil
	}
	row, _ := f.table.Row(level)
	price := row.SellAt

	// In the opening seconds a higher print is strictly better for a
	// sell, so take it.
	if f.inOpeningWindow() && f.quote.Latest > price {
		price = f.quote.Latest
	}
	if price < f.cfg.SellOrderRate*f.quote.Latest {
		logger.Debugf("[%s] sell level=%d price %v too far below market %v, skip",
			f.cfg.Symbol, level, price, f.quote.Latest)
		return nil, nil
	}
	price = f.clampLegalBand(price)

	o := f.newOrder(plan.DirectionSell, level, qty)
	o.Price = price
	if err := f.submit(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// liveByDirection partitions today's live orders; more than one per side
// means the single-live-order assumption broke and the worker must halt.
func (f *Firing) liveByDirection() (sells, buys []*plan.Order, err error) {
	for _, o := range f.state.Plan.LiveOrders(f.day) {
		switch o.Direction {
		case plan.DirectionSell:
			sells = append(sells, o)
		case plan.DirectionBuy:
			buys = append(buys, o)
		}
	}
	if len(sells) > 1 || len(buys) > 1 {
		return nil, nil, &risk.BreachError{Detail: fmt.Sprintf(
			"live order invariant broken: %d sells, %d buys in flight", len(sells), len(buys))}
	}
	return sells, buys, nil
}

// BuyPass fires at most one buy-back per cycle against the highest filled
// sell level. The quantity is always recomputed from the true outstanding
// sell-minus-buy volume so partial fills self-correct.
func (f *Firing) BuyPass(ctx context.Context) (*plan.Order, error) {
	p := f.state.Plan
	target := p.HighestFilledSellLevel()
	if target == 0 {
		return nil, nil
	}
	if p.BuyOrderForLevel(f.day, target) {
		return nil, nil
	}
	if !f.pastBuyGrace() {
		return nil, nil
	}
	_, liveBuys, err := f.liveByDirection()
	if err != nil {
		return nil, err
	}
	// A live buy parked at a different level is canceled and awaited;
	// resubmission happens on a later cycle once the cancel confirms.
	if len(liveBuys) == 1 {
		stale := liveBuys[0]
		logger.Infof("[%s] canceling stale buy level=%d for retarget to %d",
			f.cfg.Symbol, stale.Level, target)
		if err := f.brk.CancelOrder(ctx, stale); err != nil {
			return nil, err
		}
		return nil, nil
	}
	qty := p.OutstandingVolume(f.day)
	if qty <= 0 {
		return nil, nil
	}

	row, exists := f.table.Row(target)
	if !exists {
		return nil, fmt.Errorf("engine %s: no table row for filled level %d", f.cfg.Symbol, target)
	}
	price := row.BuyAt
	if f.inOpeningWindow() && f.quote.Latest < price {
		price = f.quote.Latest
	}
	if price > f.cfg.BuyOrderRate*f.quote.Latest {
		logger.Debugf("[%s] buy level=%d price %v too far above market %v, skip",
			f.cfg.Symbol, target, price, f.quote.Latest)
		return nil, nil
	}
	price = f.clampLegalBand(price)

	if p.GiveUpPrice > 0 && price > p.GiveUpPrice {
		logger.Infof("[%s] buy-back at %v above give-up price %v, standing down",
			f.cfg.Symbol, price, p.GiveUpPrice)
		return nil, nil
	}

	o := f.newOrder(plan.DirectionBuy, target, qty)
	deviation := (f.quote.Latest - price) / price
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > f.cfg.MarketPriceRate {
		o.Market = true
		o.ProtectPrice = price
	} else {
		o.Price = price
	}
	if err := f.submit(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}
