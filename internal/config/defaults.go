package config

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":9981"
	}
	if c.Storage.StatePath == "" {
		c.Storage.StatePath = "data/ladder.db"
	}
	if c.Storage.EventLogPath == "" {
		c.Storage.EventLogPath = "data/events.db"
	}
	if c.Notify.AlarmsPerMinute <= 0 {
		c.Notify.AlarmsPerMinute = 6
	}
	for i := range c.Brokers {
		if c.Brokers[i].TradeType == "" {
			c.Brokers[i].TradeType = "stock"
		}
	}
	for i := range c.Stores {
		s := &c.Stores[i]
		if s.TradeType == "" {
			s.TradeType = "stock"
		}
		if s.Precision == 0 {
			s.Precision = 2
		}
		if s.LotSize == 0 {
			s.LotSize = 100
		}
		if s.SellOrderRate == 0 {
			s.SellOrderRate = 0.97
		}
		if s.BuyOrderRate == 0 {
			s.BuyOrderRate = 1.03
		}
		if s.LegalMoveRate == 0 {
			s.LegalMoveRate = 0.10
		}
		if s.MarketPriceRate == 0 {
			s.MarketPriceRate = 0.02
		}
		if s.PollSeconds <= 0 {
			s.PollSeconds = 5
		}
		if s.OpeningSeconds <= 0 {
			s.OpeningSeconds = 30
		}
		if s.BuyGraceSeconds <= 0 {
			s.BuyGraceSeconds = 60
		}
		if s.Timezone == "" {
			s.Timezone = "Asia/Hong_Kong"
		}
	}
}
