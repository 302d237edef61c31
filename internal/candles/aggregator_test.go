package candles

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/model"
)

var t0 = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

// Helper function to create test trades with realistic data.
func createTestTrade(symbol, price, size string, timestamp time.Time) model.Trade {
	return model.Trade{
		ID:        timestamp.Format(time.RFC3339Nano),
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Size:      decimal.RequireFromString(size),
		Side:      model.SideBuy,
		Timestamp: timestamp,
	}
}

// Test_OHLC_Calculation verifies open, high, low, close and volume within one bucket.
func Test_OHLC_Calculation(t *testing.T) {
	agg := NewAggregator([]model.Period{model.Period1m})

	trades := []model.Trade{
		createTestTrade("AAPL", "150.00", "10", t0.Add(5*time.Second)),
		createTestTrade("AAPL", "151.50", "5", t0.Add(10*time.Second)),
		createTestTrade("AAPL", "149.25", "7", t0.Add(20*time.Second)),
		createTestTrade("AAPL", "150.75", "3", t0.Add(50*time.Second)),
	}
	for _, tr := range trades {
		assert.Empty(t, agg.Add(tr), "no candle closes inside one bucket")
	}

	c, ok := agg.Current("AAPL", model.Period1m)
	require.True(t, ok)
	assert.Equal(t, "150", c.Open.String())
	assert.Equal(t, "151.5", c.High.String())
	assert.Equal(t, "149.25", c.Low.String())
	assert.Equal(t, "150.75", c.Close.String())
	assert.Equal(t, "25", c.Volume.String())
	assert.Equal(t, t0, c.StartTime)
	assert.Equal(t, t0.Add(time.Minute), c.EndTime)
	assert.True(t, IsValid(c))
}

// Test_Out_Of_Order_Trades verifies that open and close follow trade time,
// not arrival order.
func Test_Out_Of_Order_Trades(t *testing.T) {
	agg := NewAggregator([]model.Period{model.Period1m})

	agg.Add(createTestTrade("AAPL", "150", "1", t0.Add(30*time.Second)))
	agg.Add(createTestTrade("AAPL", "152", "1", t0.Add(50*time.Second)))
	agg.Add(createTestTrade("AAPL", "148", "1", t0.Add(10*time.Second))) // earliest, arrives last
	agg.Add(createTestTrade("AAPL", "151", "1", t0.Add(40*time.Second))) // between, changes neither

	c, ok := agg.Current("AAPL", model.Period1m)
	require.True(t, ok)
	assert.Equal(t, "148", c.Open.String())
	assert.Equal(t, "152", c.Close.String())
	assert.Equal(t, "4", c.Volume.String())
}

// Test_Candle_Closes_On_Next_Bucket verifies that a trade in a later bucket
// closes the open candle for each configured period.
func Test_Candle_Closes_On_Next_Bucket(t *testing.T) {
	agg := NewAggregator([]model.Period{model.Period1m, model.Period5m})

	agg.Add(createTestTrade("AAPL", "150", "1", t0.Add(10*time.Second)))
	agg.Add(createTestTrade("AAPL", "151", "2", t0.Add(40*time.Second)))

	closed := agg.Add(createTestTrade("AAPL", "152", "1", t0.Add(70*time.Second)))
	require.Len(t, closed, 1, "only the one-minute candle closes")
	assert.Equal(t, model.Period1m, closed[0].Period)
	assert.Equal(t, "150", closed[0].Open.String())
	assert.Equal(t, "151", closed[0].Close.String())
	assert.Equal(t, "3", closed[0].Volume.String())

	closed = agg.Add(createTestTrade("AAPL", "153", "1", t0.Add(5*time.Minute)))
	require.Len(t, closed, 2)
	assert.Equal(t, model.Period1m, closed[0].Period)
	assert.Equal(t, t0.Add(time.Minute), closed[0].StartTime)
	assert.Equal(t, model.Period5m, closed[1].Period)
	assert.Equal(t, "150", closed[1].Open.String())
	assert.Equal(t, "152", closed[1].Close.String())
	assert.Equal(t, "4", closed[1].Volume.String())
}

// Test_Late_Trade_Is_Dropped verifies trades for an already closed bucket are ignored.
func Test_Late_Trade_Is_Dropped(t *testing.T) {
	agg := NewAggregator([]model.Period{model.Period1m})

	agg.Add(createTestTrade("AAPL", "150", "1", t0.Add(70*time.Second)))
	closed := agg.Add(createTestTrade("AAPL", "999", "1", t0.Add(10*time.Second)))
	assert.Empty(t, closed)

	c, ok := agg.Current("AAPL", model.Period1m)
	require.True(t, ok)
	assert.Equal(t, "150", c.High.String())
	assert.Equal(t, "1", c.Volume.String())
}

// Test_Multiple_Symbols verifies independent candles per symbol.
func Test_Multiple_Symbols(t *testing.T) {
	agg := NewAggregator([]model.Period{model.Period1m})

	agg.Add(createTestTrade("AAPL", "150", "1", t0))
	agg.Add(createTestTrade("MSFT", "400", "2", t0.Add(time.Second)))

	a, ok := agg.Current("AAPL", model.Period1m)
	require.True(t, ok)
	m, ok := agg.Current("MSFT", model.Period1m)
	require.True(t, ok)
	assert.Equal(t, "150", a.Close.String())
	assert.Equal(t, "400", m.Close.String())

	agg.Reset("AAPL")
	_, ok = agg.Current("AAPL", model.Period1m)
	assert.False(t, ok)
	_, ok = agg.Current("MSFT", model.Period1m)
	assert.True(t, ok)
}

// Test_Flush verifies that only candles whose period ended are flushed.
func Test_Flush(t *testing.T) {
	agg := NewAggregator([]model.Period{model.Period1m, model.Period5m})

	agg.Add(createTestTrade("MSFT", "400", "1", t0.Add(10*time.Second)))
	agg.Add(createTestTrade("AAPL", "150", "1", t0.Add(20*time.Second)))

	assert.Empty(t, agg.Flush(t0.Add(30*time.Second)))

	closed := agg.Flush(t0.Add(time.Minute))
	require.Len(t, closed, 2)
	assert.Equal(t, "AAPL", closed[0].Symbol)
	assert.Equal(t, "MSFT", closed[1].Symbol)
	for _, c := range closed {
		assert.Equal(t, model.Period1m, c.Period)
	}

	_, ok := agg.Current("AAPL", model.Period1m)
	assert.False(t, ok)
	_, ok = agg.Current("AAPL", model.Period5m)
	assert.True(t, ok)
}

// Test_Precision_Handling verifies decimal arithmetic on small sizes.
func Test_Precision_Handling(t *testing.T) {
	agg := NewAggregator([]model.Period{model.Period1m})

	for i := 0; i < 10; i++ {
		agg.Add(createTestTrade("BRK.A", "612345.12345678", "0.1", t0.Add(time.Duration(i)*time.Second)))
	}
	c, ok := agg.Current("BRK.A", model.Period1m)
	require.True(t, ok)
	assert.Equal(t, "1", c.Volume.String(), "no floating point drift")
	assert.Equal(t, "612345.12345678", c.High.String())
}

// Test_IsValid covers the OHLC invariants.
func Test_IsValid(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		name   string
		candle model.Candle
		want   bool
	}{
		{"valid", model.Candle{Open: d("10"), High: d("12"), Low: d("9"), Close: d("11"), Volume: d("5")}, true},
		{"high below low", model.Candle{Open: d("10"), High: d("8"), Low: d("9"), Close: d("10")}, false},
		{"close above high", model.Candle{Open: d("10"), High: d("11"), Low: d("9"), Close: d("12")}, false},
		{"zero open", model.Candle{Open: d("0"), High: d("11"), Low: d("0"), Close: d("10")}, false},
		{"negative volume", model.Candle{Open: d("10"), High: d("11"), Low: d("9"), Close: d("10"), Volume: d("-1")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.candle))
		})
	}
}

// Test_Concurrent_Access verifies the aggregator under concurrent writers.
func Test_Concurrent_Access(t *testing.T) {
	agg := NewAggregator([]model.Period{model.Period1m})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				agg.Add(createTestTrade("AAPL", "150", "1", t0.Add(time.Duration(i)*100*time.Millisecond)))
			}
		}()
	}
	wg.Wait()

	c, ok := agg.Current("AAPL", model.Period1m)
	require.True(t, ok)
	assert.Equal(t, "800", c.Volume.String())
}
