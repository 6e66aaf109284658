package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTableSingleLevel(t *testing.T) {
	table, err := BuildTable(TableInput{
		BasePrice:  10.00,
		TotalChips: 10000,
		Weights:    []float64{1},
		SellRates:  []float64{1.03},
		BuyRates:   []float64{1.00},
		Precision:  2,
		LotSize:    1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, table.Size())

	row := table.Rows[0]
	assert.Equal(t, 1, row.Level)
	assert.InDelta(t, 10.30, row.SellAt, 1e-9)
	assert.InDelta(t, 10.00, row.BuyAt, 1e-9)
	assert.Equal(t, int64(10000), row.Shares)
	assert.InDelta(t, 1.03, row.TotalRate, 1e-9)
}

func TestBuildTableMultiLevelAllocation(t *testing.T) {
	table, err := BuildTable(TableInput{
		BasePrice:  10.00,
		TotalChips: 10000,
		Weights:    []float64{1, 1, 2},
		SellRates:  []float64{1.05, 1.08, 1.12},
		BuyRates:   []float64{1.00, 1.02, 1.05},
		Precision:  2,
		LotSize:    100,
	})
	require.NoError(t, err)
	require.Equal(t, 3, table.Size())

	assert.Equal(t, int64(2500), table.Rows[0].Shares)
	assert.Equal(t, int64(2500), table.Rows[1].Shares)
	assert.Equal(t, int64(5000), table.Rows[2].Shares)
	assert.Equal(t, int64(10000), table.TotalShares())

	for _, row := range table.Rows {
		assert.GreaterOrEqual(t, row.TotalRate, 1.0, "level %d", row.Level)
		assert.Greater(t, row.SellAt, row.BuyAt, "level %d", row.Level)
		assert.Zero(t, row.Shares%100, "level %d not a lot multiple", row.Level)
	}
}

func TestBuildTableCarriesLotRemainder(t *testing.T) {
	table, err := BuildTable(TableInput{
		BasePrice:  5.00,
		TotalChips: 1000,
		Weights:    []float64{1, 1, 1},
		SellRates:  []float64{1.04, 1.07, 1.10},
		BuyRates:   []float64{1.00, 1.02, 1.04},
		Precision:  2,
		LotSize:    100,
	})
	require.NoError(t, err)

	// floor(1000/3)=333 truncates to 300; the 66-share remainder rolls
	// forward until the last level picks it up.
	assert.Equal(t, int64(300), table.Rows[0].Shares)
	assert.Equal(t, int64(300), table.Rows[1].Shares)
	assert.Equal(t, int64(400), table.Rows[2].Shares)
	assert.Equal(t, int64(1000), table.TotalShares())
}

func TestBuildTableRejectsStarvedLevel(t *testing.T) {
	_, err := BuildTable(TableInput{
		BasePrice:  5.00,
		TotalChips: 100,
		Weights:    []float64{1, 1, 1},
		SellRates:  []float64{1.04, 1.07, 1.10},
		BuyRates:   []float64{1.00, 1.02, 1.04},
		Precision:  2,
		LotSize:    100,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no shares")
}

func TestBuildTableRejectsNonLotTotal(t *testing.T) {
	_, err := BuildTable(TableInput{
		BasePrice:  5.00,
		TotalChips: 1050,
		Weights:    []float64{1},
		SellRates:  []float64{1.05},
		BuyRates:   []float64{1.00},
		Precision:  2,
		LotSize:    100,
	})
	require.Error(t, err)
}

func TestBuildTableSpreadAdjustment(t *testing.T) {
	table, err := BuildTable(TableInput{
		BasePrice:  10.00,
		TotalChips: 1000,
		Weights:    []float64{1},
		SellRates:  []float64{1.03},
		BuyRates:   []float64{1.00},
		Spread:     Spread{SellAbs: 0.01, BuyAbs: 0.01},
		Precision:  2,
		LotSize:    100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 10.29, table.Rows[0].SellAt, 1e-9)
	assert.InDelta(t, 10.01, table.Rows[0].BuyAt, 1e-9)
}

func TestBuildTableRateSpread(t *testing.T) {
	table, err := BuildTable(TableInput{
		BasePrice:  100.00,
		TotalChips: 1000,
		Weights:    []float64{1},
		SellRates:  []float64{1.10},
		BuyRates:   []float64{1.00},
		Spread:     Spread{SellRate: 0.01, BuyRate: 0.01},
		Precision:  2,
		LotSize:    100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 108.90, table.Rows[0].SellAt, 1e-9)
	assert.InDelta(t, 101.00, table.Rows[0].BuyAt, 1e-9)
}

func TestSpreadMutuallyExclusive(t *testing.T) {
	err := Spread{SellAbs: 0.01, SellRate: 0.01}.Validate()
	require.Error(t, err)
	err = Spread{BuyAbs: 0.01, BuyRate: 0.01}.Validate()
	require.Error(t, err)
}

func TestRoundPriceBankersRounding(t *testing.T) {
	assert.InDelta(t, 10.30, RoundPrice(10.305, 2), 1e-9)
	assert.InDelta(t, 10.32, RoundPrice(10.315, 2), 1e-9)
	assert.InDelta(t, 10.31, RoundPrice(10.3051, 2), 1e-9)
}
