package config

import (
	"strings"

	"ladder/internal/plan"
)

// Config 是 ladder 的主配置载体。
type Config struct {
	App     AppConfig      `toml:"app"`
	Storage StorageConfig  `toml:"storage"`
	Factors FactorsConfig  `toml:"factors"`
	Notify  NotifyConfig   `toml:"notify"`
	Limits  []LimitConfig  `toml:"rate_limits"`
	Brokers []BrokerConfig `toml:"brokers"`
	Stores  []StoreConfig  `toml:"stores"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

type StorageConfig struct {
	StatePath    string `toml:"state_path"`
	EventLogPath string `toml:"event_log_path"`
}

// FactorsConfig 指向可热更的因子表模板文件。
type FactorsConfig struct {
	Path string `toml:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
	// AlarmsPerMinute throttles outbound alarms to avoid alert storms.
	AlarmsPerMinute float64 `toml:"alarms_per_minute"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// LimitConfig shapes one operation's leaky bucket; brokers share the
// per-operation shape but get independent buckets.
type LimitConfig struct {
	Operation     string  `toml:"operation"`
	Capacity      float64 `toml:"capacity"`
	LeakPerMinute float64 `toml:"leak_per_minute"`
}

// BrokerConfig declares one broker backend and its capabilities.
// Kind "replay" is the in-tree fixture broker; real adapters register
// themselves under their own kind at composition time.
type BrokerConfig struct {
	Name      string   `toml:"name"`
	Kind      string   `toml:"kind"`
	Fixture   string   `toml:"fixture"`
	TradeType string   `toml:"trade_type"`
	Regions   []string `toml:"regions"`
	Margin    float64  `toml:"margin"`
}

// StoreConfig 是单只标的的全部交易参数。每个 cycle 内不可变，
// cycle 之间可热更。
type StoreConfig struct {
	Symbol    string `toml:"symbol"`
	Broker    string `toml:"broker"`
	TradeType string `toml:"trade_type"`
	Region    string `toml:"region"`
	Currency  string `toml:"currency"`
	Precision int32  `toml:"precision"`
	LotSize   int64  `toml:"lot_size"`

	Spread plan.Spread `toml:"spread"`

	// SellOrderRate aborts a sell whose table price sits below
	// rate × latest; BuyOrderRate mirrors it above the market.
	SellOrderRate float64 `toml:"sell_order_rate"`
	BuyOrderRate  float64 `toml:"buy_order_rate"`
	// LegalMoveRate is the venue's daily price-move limit around the
	// previous close; fired prices are clamped into the band.
	LegalMoveRate float64 `toml:"legal_move_rate"`
	// MarketPriceRate is the deviation beyond which a limit buy falls
	// back to a market order carrying a protect price.
	MarketPriceRate float64 `toml:"market_price_rate"`

	LockPosition     bool  `toml:"lock_position"`
	MaxShares        int64 `toml:"max_shares"`
	TotalChips       int64 `toml:"total_chips"`
	ReworkLevel      int   `toml:"rework_level"`
	AllowFirstMarket bool  `toml:"allow_first_market"`

	// BasePrice seeds the plan when no provider is wired; 0 means the
	// base-price provider decides.
	BasePrice float64 `toml:"base_price"`

	// FactorTable names a template from the factors registry; the
	// explicit sequences below override it when present.
	FactorTable string    `toml:"factor_table"`
	Weights     []float64 `toml:"weights"`
	SellRates   []float64 `toml:"sell_rates"`
	BuyRates    []float64 `toml:"buy_rates"`

	// ClosingTime is the manual end-of-day cutoff ("15:55") for venues
	// without a closing state; empty means the venue reports its own.
	ClosingTime string `toml:"closing_time"`
	Timezone    string `toml:"timezone"`

	PollSeconds     int `toml:"poll_seconds"`
	OpeningSeconds  int `toml:"opening_seconds"`
	BuyGraceSeconds int `toml:"buy_grace_seconds"`
}

// HasExplicitFactors reports whether the store overrides the template.
func (s StoreConfig) HasExplicitFactors() bool {
	return len(s.Weights) > 0
}

// Key is the stable identifier used for persistence and HTTP routing.
func (s StoreConfig) Key() string {
	return strings.ToUpper(strings.TrimSpace(s.Symbol))
}
