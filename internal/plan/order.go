package plan

import (
	"fmt"
	"strings"
)

// Direction 交易方向
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Order is one submission against a brokerage. Identity is
// (broker, order day, broker-assigned id) and stays unique across restarts.
// Orders are append-only: they are refreshed in place but never deleted
// while they belong to the current day.
type Order struct {
	Broker   string `json:"broker"`
	OrderDay string `json:"order_day"` // trading day, "2006-01-02"
	OrderID  string `json:"order_id"`  // assigned by the broker on submit

	// ClientKey is generated once per submission attempt so a retried
	// submit is distinguishable downstream from a brand new order.
	ClientKey string `json:"client_key"`

	Symbol    string `json:"symbol"`
	Region    string `json:"region"`
	Currency  string `json:"currency"`
	Precision int32  `json:"precision"`

	// Level is the 1-based profit-table row this order belongs to.
	// Level 0 marks an off-plan cleanup order (end-of-day market buy).
	Level     int       `json:"level"`
	Direction Direction `json:"direction"`
	Qty       int64     `json:"qty"`

	// Price is the limit price; Market=true means no limit was set and
	// ProtectPrice carries the intended price for fill sanity checks.
	Price        float64 `json:"price"`
	Market       bool    `json:"market"`
	ProtectPrice float64 `json:"protect_price"`

	FilledQty    int64   `json:"filled_qty"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	Canceled     bool    `json:"canceled"`
	ErrReason    string  `json:"err_reason"`

	CreatedAt int64 `json:"created_at"` // unix seconds
}

// UniqueID is the process-wide identity used by the duplicate-order ledger.
func (o *Order) UniqueID() string {
	return fmt.Sprintf("%s/%s/%s", o.Broker, o.OrderDay, o.OrderID)
}

func (o *Order) IsFilled() bool {
	return o.Qty > 0 && o.FilledQty >= o.Qty
}

func (o *Order) IsToday(day string) bool {
	return o.OrderDay == day
}

func (o *Order) HasError() bool {
	return strings.TrimSpace(o.ErrReason) != ""
}

// IsWaitingFilling reports whether the order is still live on the venue:
// today's order, not fully filled, not canceled, no error recorded.
func (o *Order) IsWaitingFilling(day string) bool {
	return o.IsToday(day) && !o.IsFilled() && !o.Canceled && !o.HasError()
}

// Refreshable reports whether the order should still be polled for fills.
func (o *Order) Refreshable(day string) bool {
	return o.IsWaitingFilling(day) && o.OrderID != ""
}

// Resolved reports whether the order reached a terminal state for the day.
func (o *Order) Resolved() bool {
	return o.IsFilled() || o.Canceled || o.HasError()
}

// FillValue is average fill price × filled quantity.
func (o *Order) FillValue() float64 {
	if o.FilledQty <= 0 {
		return 0
	}
	return decToFloat(decFromFloat(o.AvgFillPrice).Mul(decFromFloat(float64(o.FilledQty))))
}

// Stale reports whether the order can be pruned: not today's and nothing
// ever filled, so it carries no accounting weight.
func (o *Order) Stale(day string) bool {
	return !o.IsToday(day) && o.FilledQty == 0
}

// Validate checks the hard per-order invariants.
func (o *Order) Validate() error {
	if o.Qty <= 0 {
		return fmt.Errorf("order %s: qty must be positive, got %d", o.UniqueID(), o.Qty)
	}
	if o.FilledQty < 0 || o.FilledQty > o.Qty {
		return fmt.Errorf("order %s: filled %d outside [0,%d]", o.UniqueID(), o.FilledQty, o.Qty)
	}
	if o.Direction != DirectionBuy && o.Direction != DirectionSell {
		return fmt.Errorf("order %s: unknown direction %q", o.UniqueID(), o.Direction)
	}
	if !o.Market && o.Price <= 0 {
		return fmt.Errorf("order %s: limit order without a price", o.UniqueID())
	}
	if o.Level < 0 {
		return fmt.Errorf("order %s: negative level %d", o.UniqueID(), o.Level)
	}
	return nil
}
