package engine

import (
	"context"
	"fmt"

	"ladder/internal/logger"
	"ladder/internal/plan"
	"ladder/internal/risk"
)

// ArbitrageDone reports whether the day's round trip completed: either a
// buy order filled in full today, or every sold share was bought back.
func (f *Firing) ArbitrageDone() bool {
	p := f.state.Plan
	for _, o := range p.TodayOrders(f.day, plan.DirectionBuy) {
		if o.IsFilled() {
			return true
		}
	}
	sold := p.SellFilled()
	return sold > 0 && sold == p.BuyFilled()
}

// Settle closes the plan's trading cycle: cancel what is still live, sweep
// any remaining shortfall with a market buy, then seal the earning. A
// negative outstanding or a negative earning means the books are wrong and
// only an operator may continue.
func (f *Firing) Settle(ctx context.Context, alarm func(string)) error {
	p := f.state.Plan
	if p.Settled() {
		return nil
	}

	for _, o := range p.LiveOrders(f.day) {
		if err := f.brk.CancelOrder(ctx, o); err != nil {
			// An uncanceled order can still fill behind our back. Keep
			// going so the sweep sees the freshest totals, but make sure
			// a human hears about it.
			logger.Errorf("[%s] settle: cancel %s failed: %v", f.cfg.Symbol, o.UniqueID(), err)
			if alarm != nil {
				alarm(fmt.Sprintf("%s 清算撤单失败 %s: %v", f.cfg.Symbol, o.UniqueID(), err))
			}
			continue
		}
		if err := f.brk.RefreshOrder(ctx, o); err != nil {
			logger.Warnf("[%s] settle: refresh after cancel %s failed: %v", f.cfg.Symbol, o.UniqueID(), err)
		}
	}

	outstanding := p.SellFilled() - p.BuyFilled()
	if outstanding < 0 {
		return &risk.BreachError{Detail: fmt.Sprintf(
			"settle: bought back %d more shares than sold", -outstanding)}
	}
	if outstanding > 0 {
		o := f.newOrder(plan.DirectionBuy, 0, outstanding)
		o.Market = true
		o.ProtectPrice = f.clampLegalBand(f.quote.Latest)
		logger.Infof("[%s] settle: sweeping %d outstanding shares at market", f.cfg.Symbol, outstanding)
		if err := f.submit(ctx, o); err != nil {
			return err
		}
		if err := f.brk.RefreshOrder(ctx, o); err != nil {
			return err
		}
		if !o.IsFilled() {
			// Leave the plan open; the next cycle retries the sweep with
			// the then-current outstanding volume.
			logger.Warnf("[%s] settle: sweep only filled %d/%d, deferring", f.cfg.Symbol, o.FilledQty, o.Qty)
			return nil
		}
	}

	var sellValue, buyValue float64
	var buyQty int64
	for _, o := range p.Orders {
		switch o.Direction {
		case plan.DirectionSell:
			sellValue += o.FillValue()
		case plan.DirectionBuy:
			buyValue += o.FillValue()
			buyQty += o.FilledQty
		}
	}
	earning := sellValue - buyValue
	if earning < 0 {
		return &risk.BreachError{Detail: fmt.Sprintf(
			"settle: negative earning %.2f (sold %.2f, bought %.2f)", earning, sellValue, buyValue)}
	}
	if buyQty > 0 {
		p.BuybackPrice = plan.RoundPrice(buyValue/float64(buyQty), f.cfg.Precision)
	}
	if err := p.SetEarning(plan.RoundPrice(earning, f.cfg.Precision)); err != nil {
		return err
	}

	// Rework: if the configured restart level still clears the buy-back
	// price, the next plan can re-enter there instead of at base price.
	if f.cfg.ReworkLevel > 0 {
		if row, ok := f.table.Row(f.cfg.ReworkLevel); ok && row.SellAt > p.BuybackPrice {
			p.ReworkPrice = row.SellAt
		}
	}

	f.state.Current = LifecycleArbitraged
	logger.Infof("[%s] settled: earning=%.2f buyback=%.4f rework=%.4f",
		f.cfg.Symbol, earning, p.BuybackPrice, p.ReworkPrice)
	if alarm != nil {
		alarm(fmt.Sprintf("%s 今日完成套利，盈利 %.2f", f.cfg.Symbol, earning))
	}
	return nil
}
