package plan

import (
	"fmt"
)

// Plan 是单只标的在一个“交易生命周期”内的持仓计划：
// 因子表 + 全部订单流水 + 周期结束时的收益。
// Earning 一旦写入，Plan 即进入只读状态，下一个周期用新 Plan 替换。
type Plan struct {
	TotalChips int64   `json:"total_chips"`
	BasePrice  float64 `json:"base_price"`

	// The three factor sequences are positional: index i describes level
	// i+1. Once any order exists for the current day they are frozen.
	Weights   []float64 `json:"weights"`
	SellRates []float64 `json:"sell_rates"`
	BuyRates  []float64 `json:"buy_rates"`

	Orders []*Order `json:"orders"`

	Earning      *float64 `json:"earning,omitempty"`
	ReworkPrice  float64  `json:"rework_price,omitempty"`
	GiveUpPrice  float64  `json:"give_up_price,omitempty"`
	BuybackPrice float64  `json:"buyback_price,omitempty"`
}

// NewPlan builds a plan with validated factor sequences.
func NewPlan(totalChips int64, basePrice float64, weights, sellRates, buyRates []float64) (*Plan, error) {
	p := &Plan{TotalChips: totalChips, BasePrice: basePrice}
	if err := p.SetFactors(weights, sellRates, buyRates, ""); err != nil {
		return nil, err
	}
	if totalChips <= 0 {
		return nil, fmt.Errorf("plan: total_chips must be positive, got %d", totalChips)
	}
	if basePrice <= 0 {
		return nil, fmt.Errorf("plan: base_price must be positive, got %v", basePrice)
	}
	return p, nil
}

// Levels is the number of rows the factor table defines.
func (p *Plan) Levels() int { return len(p.Weights) }

// SetFactors replaces the factor sequences. Rejected once any order exists
// for the given day: levels are positional and an in-flight day must keep
// the same row ↔ level mapping.
func (p *Plan) SetFactors(weights, sellRates, buyRates []float64, day string) error {
	if day != "" && p.HasOrderForDay(day) {
		return fmt.Errorf("plan: factors are frozen, orders already exist for %s", day)
	}
	if len(weights) == 0 {
		return fmt.Errorf("plan: at least one level is required")
	}
	if len(weights) != len(sellRates) || len(weights) != len(buyRates) {
		return fmt.Errorf("plan: factor sequences must have equal length (%d/%d/%d)",
			len(weights), len(sellRates), len(buyRates))
	}
	for i, w := range weights {
		if w <= 0 {
			return fmt.Errorf("plan: weight[%d] must be positive, got %v", i, w)
		}
		if sellRates[i] <= 0 || buyRates[i] <= 0 {
			return fmt.Errorf("plan: rates[%d] must be positive", i)
		}
		if decimalLTE(sellRates[i], buyRates[i]) {
			return fmt.Errorf("plan: sell_rate[%d]=%v must exceed buy_rate[%d]=%v",
				i, sellRates[i], i, buyRates[i])
		}
	}
	p.Weights = append([]float64(nil), weights...)
	p.SellRates = append([]float64(nil), sellRates...)
	p.BuyRates = append([]float64(nil), buyRates...)
	return nil
}

// AppendOrder records a new order. Orders are never removed afterwards,
// only pruned when stale via PruneStale.
func (p *Plan) AppendOrder(o *Order) error {
	if o == nil {
		return fmt.Errorf("plan: nil order")
	}
	if err := o.Validate(); err != nil {
		return err
	}
	if p.Earning != nil {
		return fmt.Errorf("plan: earning already settled, plan is read-only")
	}
	if o.Level > p.Levels() {
		return fmt.Errorf("plan: order level %d beyond table size %d", o.Level, p.Levels())
	}
	p.Orders = append(p.Orders, o)
	return nil
}

func (p *Plan) HasOrderForDay(day string) bool {
	for _, o := range p.Orders {
		if o.IsToday(day) {
			return true
		}
	}
	return false
}

// Cleanable reports whether the plan can be replaced outright: nothing has
// happened yet on the given day.
func (p *Plan) Cleanable(day string) bool {
	return !p.HasOrderForDay(day)
}

// Settled reports whether the end-of-day transition already ran.
func (p *Plan) Settled() bool { return p.Earning != nil }

// ReworkDue reports whether a settled plan left a same-day re-entry
// trigger the given price has climbed back to.
func (p *Plan) ReworkDue(latest float64) bool {
	return p.Settled() && p.ReworkPrice > 0 && decimalGTE(latest, p.ReworkPrice)
}

// SetEarning seals the plan with the realized result. Write-once.
func (p *Plan) SetEarning(v float64) error {
	if p.Earning != nil {
		return fmt.Errorf("plan: earning already set to %v", *p.Earning)
	}
	if v < 0 {
		return fmt.Errorf("plan: negative earning %v", v)
	}
	p.Earning = &v
	return nil
}

// SetGiveUpPrice installs the manual buy-back ceiling. It must stay at or
// above the cheapest table buy price, otherwise it would forbid every
// buy-back the plan can ever issue.
func (p *Plan) SetGiveUpPrice(price float64, table *ProfitTable) error {
	if price <= 0 {
		return fmt.Errorf("plan: give_up_price must be positive, got %v", price)
	}
	if table != nil && len(table.Rows) > 0 {
		min := table.Rows[0].BuyAt
		for _, row := range table.Rows[1:] {
			if row.BuyAt < min {
				min = row.BuyAt
			}
		}
		if decimalLT(price, min) {
			return fmt.Errorf("plan: give_up_price %v below lowest table buy price %v", price, min)
		}
	}
	p.GiveUpPrice = price
	return nil
}

// accountableQty is the volume an order contributes to aggregate bounds:
// live orders reserve their full quantity, resolved orders count fills.
func accountableQty(o *Order, day string) int64 {
	if o.IsWaitingFilling(day) {
		return o.Qty
	}
	return o.FilledQty
}

// SellVolume is historical sell fills plus today's live-or-filled sells.
func (p *Plan) SellVolume(day string) int64 {
	var total int64
	for _, o := range p.Orders {
		if o.Direction == DirectionSell {
			total += accountableQty(o, day)
		}
	}
	return total
}

// BuyVolume mirrors SellVolume for the buy side.
func (p *Plan) BuyVolume(day string) int64 {
	var total int64
	for _, o := range p.Orders {
		if o.Direction == DirectionBuy {
			total += accountableQty(o, day)
		}
	}
	return total
}

// SellFilled / BuyFilled are fill-only totals across the plan's life.
func (p *Plan) SellFilled() int64 {
	var total int64
	for _, o := range p.Orders {
		if o.Direction == DirectionSell {
			total += o.FilledQty
		}
	}
	return total
}

func (p *Plan) BuyFilled() int64 {
	var total int64
	for _, o := range p.Orders {
		if o.Direction == DirectionBuy {
			total += o.FilledQty
		}
	}
	return total
}

// OutstandingVolume is the net sell-minus-buy fill volume, the quantity a
// buy-back has to cover. Live buys count in full so the same shares are
// never requested twice.
func (p *Plan) OutstandingVolume(day string) int64 {
	return p.SellFilled() - p.BuyVolume(day)
}

// HighestSellLevel is the highest level any sell order was ever placed at,
// 0 when no sell exists.
func (p *Plan) HighestSellLevel() int {
	level := 0
	for _, o := range p.Orders {
		if o.Direction == DirectionSell && o.Level > level {
			level = o.Level
		}
	}
	return level
}

// HighestFilledSellLevel is the highest level with any sell fill.
func (p *Plan) HighestFilledSellLevel() int {
	level := 0
	for _, o := range p.Orders {
		if o.Direction == DirectionSell && o.FilledQty > 0 && o.Level > level {
			level = o.Level
		}
	}
	return level
}

// SellFilledAtLevel sums sell fills recorded against one table level.
func (p *Plan) SellFilledAtLevel(level int) int64 {
	var total int64
	for _, o := range p.Orders {
		if o.Direction == DirectionSell && o.Level == level {
			total += o.FilledQty
		}
	}
	return total
}

// TodayOrders returns the day's orders for one direction; empty direction
// matches both sides.
func (p *Plan) TodayOrders(day string, dir Direction) []*Order {
	var out []*Order
	for _, o := range p.Orders {
		if !o.IsToday(day) {
			continue
		}
		if dir != "" && o.Direction != dir {
			continue
		}
		out = append(out, o)
	}
	return out
}

// LiveOrders returns today's orders still waiting on the venue.
func (p *Plan) LiveOrders(day string) []*Order {
	var out []*Order
	for _, o := range p.Orders {
		if o.IsWaitingFilling(day) {
			out = append(out, o)
		}
	}
	return out
}

// BuyOrderForLevel reports whether a non-errored buy was already recorded
// today for the level.
func (p *Plan) BuyOrderForLevel(day string, level int) bool {
	for _, o := range p.Orders {
		if o.IsToday(day) && o.Direction == DirectionBuy && o.Level == level && !o.HasError() && !o.Canceled {
			return true
		}
	}
	return false
}

// AllTodaySellResolved reports whether every sell order of the day reached
// a terminal state, which is what re-arms the sell pass.
func (p *Plan) AllTodaySellResolved(day string) bool {
	for _, o := range p.Orders {
		if o.IsToday(day) && o.Direction == DirectionSell && !o.Resolved() {
			return false
		}
	}
	return true
}

// PruneStale drops orders that are neither today's nor carry any fill.
func (p *Plan) PruneStale(day string) {
	kept := p.Orders[:0]
	for _, o := range p.Orders {
		if !o.Stale(day) {
			kept = append(kept, o)
		}
	}
	p.Orders = kept
}
