package config

import (
	"fmt"
	"time"
)

func validate(c *Config) error {
	brokers := make(map[string]bool, len(c.Brokers))
	for i, b := range c.Brokers {
		if b.Name == "" {
			return fmt.Errorf("brokers[%d]: name 不能为空", i)
		}
		if brokers[b.Name] {
			return fmt.Errorf("brokers[%d]: 重复的 broker %q", i, b.Name)
		}
		brokers[b.Name] = true
		if len(b.Regions) == 0 {
			return fmt.Errorf("broker %q: 至少需要一个 region", b.Name)
		}
	}

	seen := make(map[string]bool, len(c.Stores))
	for i, s := range c.Stores {
		if s.Symbol == "" {
			return fmt.Errorf("stores[%d]: symbol 不能为空", i)
		}
		if seen[s.Key()] {
			return fmt.Errorf("stores[%d]: 重复的 symbol %q", i, s.Symbol)
		}
		seen[s.Key()] = true
		if s.Broker != "" && !brokers[s.Broker] {
			return fmt.Errorf("store %s: 未知 broker %q", s.Symbol, s.Broker)
		}
		if s.MaxShares <= 0 {
			return fmt.Errorf("store %s: max_shares must be positive", s.Symbol)
		}
		if s.TotalChips <= 0 {
			return fmt.Errorf("store %s: total_chips must be positive", s.Symbol)
		}
		if s.TotalChips > s.MaxShares {
			return fmt.Errorf("store %s: total_chips %d exceeds max_shares %d",
				s.Symbol, s.TotalChips, s.MaxShares)
		}
		if s.TotalChips%s.LotSize != 0 {
			return fmt.Errorf("store %s: total_chips %d is not a lot multiple (%d)",
				s.Symbol, s.TotalChips, s.LotSize)
		}
		if err := s.Spread.Validate(); err != nil {
			return fmt.Errorf("store %s: %w", s.Symbol, err)
		}
		if s.HasExplicitFactors() {
			n := len(s.Weights)
			if len(s.SellRates) != n || len(s.BuyRates) != n {
				return fmt.Errorf("store %s: factor sequences must have equal length", s.Symbol)
			}
		} else if s.FactorTable == "" {
			return fmt.Errorf("store %s: either factor_table or explicit factors required", s.Symbol)
		}
		if s.ClosingTime != "" {
			if _, err := time.Parse("15:04", s.ClosingTime); err != nil {
				return fmt.Errorf("store %s: closing_time %q 不是 HH:MM", s.Symbol, s.ClosingTime)
			}
		}
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("store %s: 无效时区 %q", s.Symbol, s.Timezone)
		}
	}
	return nil
}
