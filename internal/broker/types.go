package broker

// Quote is one market snapshot for a single instrument.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Latest    float64 `json:"latest"`
	Open      float64 `json:"open"`
	PrevClose float64 `json:"prev_close"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Volume    int64   `json:"volume"`
	AsOf      int64   `json:"as_of"` // unix seconds
	Day       string  `json:"day"`   // trading day the quote belongs to
}

// Valid rejects quotes an engine cycle must never act on.
func (q Quote) Valid() bool {
	return q.Symbol != "" && q.Latest > 0 && q.PrevClose > 0
}

// MarketStatus is the venue session state for one region.
type MarketStatus string

const (
	StatusUnknown MarketStatus = "unknown"
	StatusPreOpen MarketStatus = "pre_open"
	StatusTrading MarketStatus = "trading"
	StatusClosing MarketStatus = "closing"
	StatusClosed  MarketStatus = "closed"
)

// Capability declares one (trade type, region) pair a broker can serve.
type Capability struct {
	TradeType string `json:"trade_type"` // e.g. "stock"
	Region    string `json:"region"`     // e.g. "HK", "US", "CN"
}
