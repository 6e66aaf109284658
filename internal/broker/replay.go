package broker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"ladder/internal/plan"
)

// Replay 是内置的回放券商：从 JSON tick 夹具驱动整个引擎做空跑，
// 不需要任何真实券商适配器。限价单在行情穿越时成交，市价单按最新价成交。
type Replay struct {
	mu sync.Mutex

	name   string
	caps   []Capability
	symbol string
	day    string

	prevClose float64
	open      float64
	chips     int64
	cash      float64
	status    map[string]MarketStatus

	ticks  []Quote
	cursor int

	chipDelta int64
	seq       int
	unplugged bool
}

// NewReplay builds a replay broker directly from values, for tests.
func NewReplay(name, symbol, region, day string, prevClose, open float64, chips int64, cash float64) *Replay {
	return &Replay{
		name:      name,
		caps:      []Capability{{TradeType: "stock", Region: region}},
		symbol:    symbol,
		day:       day,
		prevClose: prevClose,
		open:      open,
		chips:     chips,
		cash:      cash,
		status:    map[string]MarketStatus{region: StatusTrading},
	}
}

// LoadReplay reads a fixture file:
//
//	{"name":"replay","symbol":"TEST.HK","region":"HK","day":"2026-03-02",
//	 "prev_close":10.0,"open":10.05,"chips":10000,"cash":200000,
//	 "ticks":[{"latest":10.30,"high":10.31,"low":10.0,"volume":120000,"at":1770000000}]}
func LoadReplay(path string) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replay: read fixture: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("replay: fixture %s is not valid JSON", path)
	}
	root := gjson.ParseBytes(data)
	r := NewReplay(
		stringOr(root.Get("name"), "replay"),
		root.Get("symbol").String(),
		stringOr(root.Get("region"), "HK"),
		root.Get("day").String(),
		root.Get("prev_close").Float(),
		root.Get("open").Float(),
		root.Get("chips").Int(),
		root.Get("cash").Float(),
	)
	if r.symbol == "" {
		return nil, fmt.Errorf("replay: fixture %s missing symbol", path)
	}
	root.Get("ticks").ForEach(func(_, tick gjson.Result) bool {
		r.ticks = append(r.ticks, Quote{
			Symbol:    r.symbol,
			Latest:    tick.Get("latest").Float(),
			Open:      r.open,
			PrevClose: r.prevClose,
			High:      tick.Get("high").Float(),
			Low:       tick.Get("low").Float(),
			Volume:    tick.Get("volume").Int(),
			AsOf:      tick.Get("at").Int(),
			Day:       r.day,
		})
		return true
	})
	if len(r.ticks) == 0 {
		return nil, fmt.Errorf("replay: fixture %s has no ticks", path)
	}
	return r, nil
}

func stringOr(res gjson.Result, fallback string) string {
	if s := res.String(); s != "" {
		return s
	}
	return fallback
}

// PushTick appends a quote, for test drivers built in code.
func (r *Replay) PushTick(latest float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, Quote{
		Symbol: r.symbol, Latest: latest, Open: r.open, PrevClose: r.prevClose,
		High: latest, Low: latest, AsOf: time.Now().Unix(), Day: r.day,
	})
}

// Step advances to the next tick; it stays on the last one at the end.
func (r *Replay) Step() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor < len(r.ticks)-1 {
		r.cursor++
	}
}

// SetStatus flips a region's session state mid-run.
func (r *Replay) SetStatus(region string, st MarketStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[region] = st
}

// SetUnplugged simulates losing connectivity.
func (r *Replay) SetUnplugged(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unplugged = v
}

func (r *Replay) current() Quote {
	if len(r.ticks) == 0 {
		return Quote{Symbol: r.symbol, PrevClose: r.prevClose, Open: r.open, Day: r.day}
	}
	return r.ticks[r.cursor]
}

func (r *Replay) Name() string { return r.name }

func (r *Replay) Capabilities() []Capability { return r.caps }

func (r *Replay) QueryQuote(_ context.Context, symbol string) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unplugged {
		return Quote{}, NewPrepareError("quote", &PlugInError{Broker: r.name})
	}
	if symbol != r.symbol {
		return Quote{}, NewPrepareError("quote", fmt.Errorf("unknown symbol %s", symbol))
	}
	return r.current(), nil
}

func (r *Replay) QueryChips(_ context.Context, symbol string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if symbol != r.symbol {
		return 0, NewPrepareError("chips", fmt.Errorf("unknown symbol %s", symbol))
	}
	return r.chips + r.chipDelta, nil
}

func (r *Replay) QueryCash(_ context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cash, nil
}

func (r *Replay) PlaceOrder(_ context.Context, o *plan.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unplugged {
		return NewTradeError("place", &PlugInError{Broker: r.name}, false)
	}
	if err := o.Validate(); err != nil {
		return NewTradeError("place", err, false)
	}
	r.seq++
	o.Broker = r.name
	o.OrderID = fmt.Sprintf("R-%04d", r.seq)
	if o.ClientKey == "" {
		o.ClientKey = uuid.NewString()
	}
	r.fillLocked(o)
	return nil
}

func (r *Replay) CancelOrder(_ context.Context, o *plan.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.IsFilled() {
		return NewTradeError("cancel", fmt.Errorf("order %s already filled", o.UniqueID()), false)
	}
	o.Canceled = true
	return nil
}

func (r *Replay) RefreshOrder(_ context.Context, o *plan.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unplugged {
		return NewPrepareError("refresh", &PlugInError{Broker: r.name})
	}
	r.fillLocked(o)
	return nil
}

// fillLocked applies the crossing rule against the current tick.
func (r *Replay) fillLocked(o *plan.Order) {
	if o.Canceled || o.HasError() || o.IsFilled() {
		return
	}
	q := r.current()
	fillPrice := 0.0
	switch {
	case o.Market:
		fillPrice = q.Latest
	case o.Direction == plan.DirectionSell && q.Latest >= o.Price:
		fillPrice = o.Price
	case o.Direction == plan.DirectionBuy && q.Latest <= o.Price:
		fillPrice = o.Price
	default:
		return
	}
	remaining := o.Qty - o.FilledQty
	o.AvgFillPrice = fillPrice
	o.FilledQty = o.Qty
	if o.Direction == plan.DirectionSell {
		r.chipDelta -= remaining
		r.cash += fillPrice * float64(remaining)
	} else {
		r.chipDelta += remaining
		r.cash -= fillPrice * float64(remaining)
	}
}

func (r *Replay) DetectPlugIn(_ context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unplugged
}

func (r *Replay) FetchMarketStatus(_ context.Context) (map[string]MarketStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]MarketStatus, len(r.status))
	for k, v := range r.status {
		out[k] = v
	}
	return out, nil
}

var _ Proxy = (*Replay)(nil)

// StaticBasePrice is the trivial BasePriceProvider: a fixed seed price and
// margin allowance, typically the previous close.
type StaticBasePrice struct {
	Price  float64
	Margin float64
}

func (s StaticBasePrice) BasePrice(context.Context, string) (float64, error) {
	if s.Price <= 0 {
		return 0, fmt.Errorf("base price not configured")
	}
	return s.Price, nil
}

func (s StaticBasePrice) MarginAmount(context.Context) (float64, error) {
	return s.Margin, nil
}
