package plan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Spread adjusts fired prices against the trader: sells are quoted lower,
// buys higher. Per side either the absolute or the rate form may be set,
// never both.
type Spread struct {
	SellAbs  float64 `json:"sell_abs"`
	BuyAbs   float64 `json:"buy_abs"`
	SellRate float64 `json:"sell_rate"`
	BuyRate  float64 `json:"buy_rate"`
}

func (s Spread) Validate() error {
	if s.SellAbs < 0 || s.BuyAbs < 0 || s.SellRate < 0 || s.BuyRate < 0 {
		return fmt.Errorf("spread: negative value")
	}
	if s.SellAbs > 0 && s.SellRate > 0 {
		return fmt.Errorf("spread: sell_abs and sell_rate are mutually exclusive")
	}
	if s.BuyAbs > 0 && s.BuyRate > 0 {
		return fmt.Errorf("spread: buy_abs and buy_rate are mutually exclusive")
	}
	return nil
}

func (s Spread) sellAdjust(price decimal.Decimal) decimal.Decimal {
	switch {
	case s.SellAbs > 0:
		return price.Sub(decFromFloat(s.SellAbs))
	case s.SellRate > 0:
		return price.Mul(decOne.Sub(decFromFloat(s.SellRate)))
	default:
		return price
	}
}

func (s Spread) buyAdjust(price decimal.Decimal) decimal.Decimal {
	switch {
	case s.BuyAbs > 0:
		return price.Add(decFromFloat(s.BuyAbs))
	case s.BuyRate > 0:
		return price.Mul(decOne.Add(decFromFloat(s.BuyRate)))
	default:
		return price
	}
}

// ProfitRow is one derived tier of the plan.
type ProfitRow struct {
	Level     int     `json:"level"` // 1-based
	SellAt    float64 `json:"sell_at"`
	BuyAt     float64 `json:"buy_at"`
	Shares    int64   `json:"shares"`
	FloatRate float64 `json:"float_rate"`
	TotalRate float64 `json:"total_rate"`
}

// ProfitTable is recomputed every cycle from Plan + StoreConfig and never
// persisted.
type ProfitTable struct {
	Rows []ProfitRow `json:"rows"`
}

func (t *ProfitTable) Size() int { return len(t.Rows) }

// Row returns the 1-based level, ok=false past the table end.
func (t *ProfitTable) Row(level int) (ProfitRow, bool) {
	if level < 1 || level > len(t.Rows) {
		return ProfitRow{}, false
	}
	return t.Rows[level-1], true
}

func (t *ProfitTable) TotalShares() int64 {
	var sum int64
	for _, r := range t.Rows {
		sum += r.Shares
	}
	return sum
}

// TableInput bundles everything the calculator needs; it stays a pure
// function of its input.
type TableInput struct {
	BasePrice  float64
	TotalChips int64
	Weights    []float64
	SellRates  []float64
	BuyRates   []float64
	Spread     Spread
	Precision  int32
	LotSize    int64
}

// BuildTable derives the profit table.
//
// For level i (0-based):
//
//	sellCog_i = Σ_{j<=i} weight_j × sell_rate_j
//	buyCog_i  = (Σ_{j<=i} weight_j) × buy_rate_i
//	float_rate = (sellCog − buyCog) / Σ_{j<=i} weight_j
//	total_rate = (sellCog − buyCog) / Σ_all weight + 1
//
// Share allocation walks cumulative weight so the floor remainder of one
// level carries into the next; a level that ends up with zero shares after
// lot rounding rejects the whole configuration.
func BuildTable(in TableInput) (*ProfitTable, error) {
	if in.BasePrice <= 0 {
		return nil, fmt.Errorf("table: base price must be positive, got %v", in.BasePrice)
	}
	if in.TotalChips <= 0 {
		return nil, fmt.Errorf("table: total chips must be positive, got %d", in.TotalChips)
	}
	if in.LotSize <= 0 {
		return nil, fmt.Errorf("table: lot size must be positive, got %d", in.LotSize)
	}
	n := len(in.Weights)
	if n == 0 || len(in.SellRates) != n || len(in.BuyRates) != n {
		return nil, fmt.Errorf("table: factor sequences must be non-empty and equal length")
	}
	if err := in.Spread.Validate(); err != nil {
		return nil, err
	}

	totalWeight := decimal.Zero
	for _, w := range in.Weights {
		if w <= 0 {
			return nil, fmt.Errorf("table: weights must be positive")
		}
		totalWeight = totalWeight.Add(decFromFloat(w))
	}

	base := decFromFloat(in.BasePrice)
	chips := decimal.NewFromInt(in.TotalChips)
	lot := decimal.NewFromInt(in.LotSize)

	rows := make([]ProfitRow, 0, n)
	cumWeight := decimal.Zero
	sellCog := decimal.Zero
	var allocated int64

	for i := 0; i < n; i++ {
		w := decFromFloat(in.Weights[i])
		sellRate := decFromFloat(in.SellRates[i])
		buyRate := decFromFloat(in.BuyRates[i])

		cumWeight = cumWeight.Add(w)
		sellCog = sellCog.Add(w.Mul(sellRate))
		buyCog := cumWeight.Mul(buyRate)
		edge := sellCog.Sub(buyCog)

		floatRate := edge.Div(cumWeight)
		totalRate := edge.Div(totalWeight).Add(decOne)

		sellAt := in.Spread.sellAdjust(base.Mul(sellRate)).RoundBank(in.Precision)
		buyAt := in.Spread.buyAdjust(base.Mul(buyRate)).RoundBank(in.Precision)

		cumShares := chips.Mul(cumWeight).Div(totalWeight).Floor().IntPart()
		levelShares := cumShares - allocated
		levelShares -= levelShares % in.LotSize
		if levelShares <= 0 {
			return nil, fmt.Errorf("table: level %d allocates no shares for lot size %s, factor table unusable",
				i+1, lot)
		}
		allocated += levelShares

		if totalRate.GreaterThanOrEqual(decOne) && sellAt.Cmp(buyAt) <= 0 {
			return nil, fmt.Errorf("table: level %d sell %s not above buy %s", i+1, sellAt, buyAt)
		}

		rows = append(rows, ProfitRow{
			Level:     i + 1,
			SellAt:    decToFloat(sellAt),
			BuyAt:     decToFloat(buyAt),
			Shares:    levelShares,
			FloatRate: decToFloat(floatRate),
			TotalRate: decToFloat(totalRate),
		})
	}

	if allocated != in.TotalChips {
		return nil, fmt.Errorf("table: allocated %d of %d chips, total must be a lot multiple",
			allocated, in.TotalChips)
	}
	return &ProfitTable{Rows: rows}, nil
}

// BuildTableForPlan derives the table from a live plan plus the per-store
// trading parameters.
func BuildTableForPlan(p *Plan, spread Spread, precision int32, lotSize int64) (*ProfitTable, error) {
	if p == nil {
		return nil, fmt.Errorf("table: nil plan")
	}
	return BuildTable(TableInput{
		BasePrice:  p.BasePrice,
		TotalChips: p.TotalChips,
		Weights:    p.Weights,
		SellRates:  p.SellRates,
		BuyRates:   p.BuyRates,
		Spread:     spread,
		Precision:  precision,
		LotSize:    lotSize,
	})
}
