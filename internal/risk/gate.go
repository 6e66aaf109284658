package risk

import (
	"errors"
	"fmt"
	"math"

	"ladder/internal/broker"
	"ladder/internal/plan"
)

// BreachError is the fatal, sticky risk-control failure. The engine
// persists the detail on the instrument state and halts the worker;
// clearing it is a deliberate operator action.
type BreachError struct {
	Detail string
	Err    error
}

func (e *BreachError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("risk control breach: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("risk control breach: %s", e.Detail)
}

func (e *BreachError) Unwrap() error { return e.Err }

func IsBreach(err error) bool {
	var be *BreachError
	return errors.As(err, &be)
}

func BreachDetail(err error) string {
	var be *BreachError
	if errors.As(err, &be) {
		return be.Detail
	}
	return ""
}

// LSOD 记录最近一次下单日与“收盘核对”印章：每个交易日的在途订单
// 必须在收盘核对后，下一个交易日才允许发出第一笔订单。
type LSOD struct {
	Day            string `json:"day"`
	ClosingChecked bool   `json:"closing_checked"`
}

// Inputs freezes everything the gate evaluates for one cycle. It is
// assembled fresh every cycle and thrown away; it is never persisted.
type Inputs struct {
	Day    string
	Status broker.MarketStatus

	Quote    broker.Quote
	Chips    int64
	ChipsDay string
	Cash     float64
	CashDay  string
	Margin   float64

	StateVersion int64
	LSOD         *LSOD
	// AllOrdersRefreshed is true when this cycle successfully refreshed
	// every live order, a precondition for stamping the closing seal.
	AllOrdersRefreshed bool

	LockPosition     bool
	MaxShares        int64
	AllowFirstMarket bool

	Plan *plan.Plan
}

// Gate is the per-cycle risk control instance. Read-only evaluation state
// except for the LSOD stamp/seal it is explicitly allowed to write.
type Gate struct {
	in     Inputs
	ledger *Ledger
}

func NewGate(in Inputs, ledger *Ledger) (*Gate, error) {
	if in.Plan == nil {
		return nil, fmt.Errorf("risk gate: nil plan")
	}
	if in.LSOD == nil {
		return nil, fmt.Errorf("risk gate: nil lsod")
	}
	if ledger == nil {
		return nil, fmt.Errorf("risk gate: nil ledger")
	}
	return &Gate{in: in, ledger: ledger}, nil
}

// CheckLSOD enforces the session reconciliation contract:
// a stale, unsealed LSOD means a prior session's orders were never
// verified at close and nothing may trade until an operator intervenes.
func (g *Gate) CheckLSOD() error {
	l := g.in.LSOD
	if l.Day == "" {
		return nil // never traded yet
	}
	switch g.in.Status {
	case broker.StatusTrading:
		if l.Day == g.in.Day {
			return nil
		}
		if !l.ClosingChecked {
			return &BreachError{Detail: fmt.Sprintf(
				"lsod %s was never closing-checked before trading on %s", l.Day, g.in.Day)}
		}
	case broker.StatusClosing:
		if l.Day == g.in.Day {
			if g.in.AllOrdersRefreshed && !l.ClosingChecked {
				l.ClosingChecked = true
			}
			return nil
		}
		if !l.ClosingChecked {
			return &BreachError{Detail: fmt.Sprintf(
				"lsod %s unsealed at closing of %s", l.Day, g.in.Day)}
		}
	}
	return nil
}

// priceTolerance is half a tick at the order's precision.
func priceTolerance(precision int32) float64 {
	return 0.5 * math.Pow10(-int(precision))
}

// CheckMarketFills compares every filled market order against its protect
// price. A buy filled above it, or a sell below it, beyond rounding
// tolerance means the quotes that sized the order were wrong.
func (g *Gate) CheckMarketFills() error {
	for _, o := range g.in.Plan.Orders {
		if !o.Market || o.ProtectPrice <= 0 || o.FilledQty == 0 {
			continue
		}
		tol := priceTolerance(o.Precision)
		switch o.Direction {
		case plan.DirectionBuy:
			if o.AvgFillPrice > o.ProtectPrice+tol {
				return &BreachError{Detail: fmt.Sprintf(
					"market buy %s filled at %v above protect price %v",
					o.UniqueID(), o.AvgFillPrice, o.ProtectPrice)}
			}
		case plan.DirectionSell:
			if o.AvgFillPrice < o.ProtectPrice-tol {
				return &BreachError{Detail: fmt.Sprintf(
					"market sell %s filled at %v below protect price %v",
					o.UniqueID(), o.AvgFillPrice, o.ProtectPrice)}
			}
		}
	}
	return nil
}

// CheckAggregates verifies the standing volume bounds, optionally with a
// candidate order applied on top.
func (g *Gate) CheckAggregates(candidate *plan.Order) error {
	sell := g.in.Plan.SellVolume(g.in.Day)
	buy := g.in.Plan.BuyVolume(g.in.Day)
	if candidate != nil {
		switch candidate.Direction {
		case plan.DirectionSell:
			sell += candidate.Qty
		case plan.DirectionBuy:
			buy += candidate.Qty
		}
	}
	if sell > g.in.MaxShares {
		return &BreachError{Detail: fmt.Sprintf("sell volume %d exceeds max_shares %d", sell, g.in.MaxShares)}
	}
	if buy > g.in.MaxShares {
		return &BreachError{Detail: fmt.Sprintf("buy volume %d exceeds max_shares %d", buy, g.in.MaxShares)}
	}
	diff := sell - buy
	if diff < 0 {
		return &BreachError{Detail: fmt.Sprintf("net sell-minus-buy %d is short", diff)}
	}
	if diff > g.in.MaxShares {
		return &BreachError{Detail: fmt.Sprintf("net sell-minus-buy %d exceeds max_shares %d", diff, g.in.MaxShares)}
	}
	return nil
}

func (g *Gate) firstOrderOfDay() bool {
	return !g.in.Plan.HasOrderForDay(g.in.Day)
}

// checkFirstOrder runs the extra gate for the day's very first attempt.
func (g *Gate) checkFirstOrder(o *plan.Order) error {
	if g.in.ChipsDay != g.in.Day || g.in.CashDay != g.in.Day {
		return &BreachError{Detail: fmt.Sprintf(
			"stale account snapshot: chips=%s cash=%s today=%s", g.in.ChipsDay, g.in.CashDay, g.in.Day)}
	}
	if g.in.Quote.Day != g.in.Day {
		return &BreachError{Detail: fmt.Sprintf(
			"stale quote snapshot: quote=%s today=%s", g.in.Quote.Day, g.in.Day)}
	}
	if g.in.LockPosition {
		reconciled := g.in.Chips + g.in.Plan.SellFilled() - g.in.Plan.BuyFilled()
		if reconciled != g.in.MaxShares {
			return &BreachError{Detail: fmt.Sprintf(
				"lock_position: reconciled position %d != max_shares %d", reconciled, g.in.MaxShares)}
		}
	}
	if o.Market && !g.in.AllowFirstMarket {
		return &BreachError{Detail: "first order of the day may not be a market order"}
	}
	if net := g.in.Plan.SellFilled() - g.in.Plan.BuyFilled(); net < 0 {
		return &BreachError{Detail: fmt.Sprintf("net position %d is short before first order", net)}
	}
	if o.Direction == plan.DirectionBuy && !o.Market {
		need := o.Price * float64(o.Qty)
		if need > g.in.Cash+g.in.Margin {
			return &BreachError{Detail: fmt.Sprintf(
				"first buy needs %.2f, available %.2f (+%.2f margin)", need, g.in.Cash, g.in.Margin)}
		}
	}
	return nil
}

func (g *Gate) checkCash(o *plan.Order) error {
	if o.Direction != plan.DirectionBuy {
		return nil
	}
	price := o.Price
	if o.Market {
		price = g.in.Quote.Latest
	}
	need := price * float64(o.Qty)
	if need > g.in.Cash+g.in.Margin {
		return &BreachError{Detail: fmt.Sprintf(
			"buy needs %.2f, available cash %.2f + margin %.2f", need, g.in.Cash, g.in.Margin)}
	}
	return nil
}

// AuthorizeOrder runs the full pre-submission gate for one candidate.
func (g *Gate) AuthorizeOrder(o *plan.Order) error {
	if o == nil {
		return fmt.Errorf("risk gate: nil order")
	}
	if err := g.ledger.CheckAttempt(g.in.StateVersion, o.Direction, o.Level); err != nil {
		return err
	}
	if g.firstOrderOfDay() {
		if err := g.checkFirstOrder(o); err != nil {
			return err
		}
	}
	if err := g.CheckAggregates(o); err != nil {
		return err
	}
	return g.checkCash(o)
}

// RecordSubmitted commits a successfully placed order and stamps the LSOD
// to today, dropping the closing seal until this session reconciles.
func (g *Gate) RecordSubmitted(o *plan.Order) error {
	if err := g.ledger.Commit(g.in.StateVersion, o); err != nil {
		return err
	}
	g.in.LSOD.Day = g.in.Day
	g.in.LSOD.ClosingChecked = false
	return nil
}

// Verify runs the order-independent consistency checks for the cycle.
func (g *Gate) Verify() error {
	if err := g.CheckLSOD(); err != nil {
		return err
	}
	if err := g.CheckMarketFills(); err != nil {
		return err
	}
	return g.CheckAggregates(nil)
}
