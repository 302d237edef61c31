// Package candles aggregates trades into OHLCV candles for fixed periods.
//
// Candles are aligned to period boundaries (a trade at 10:03:27 falls in the
// 10:03 one-minute candle and the 10:00 five-minute candle). A candle is
// closed and returned once a trade for a later bucket arrives, or when Flush
// is called after its end time has passed. Trades older than the open bucket
// are dropped.
package candles

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marketfeed/internal/model"
)

type key struct {
	symbol string
	period model.Period
}

// building is one open candle plus the instants of its first and last trade,
// which decide open and close when trades arrive out of order.
type building struct {
	candle  model.Candle
	firstAt time.Time
	lastAt  time.Time
}

// Aggregator builds candles for every configured period. It is safe for
// concurrent use.
type Aggregator struct {
	periods []model.Period

	mu      sync.Mutex
	candles map[key]*building
}

// NewAggregator creates an aggregator for the given periods.
func NewAggregator(periods []model.Period) *Aggregator {
	return &Aggregator{
		periods: slices.Clone(periods),
		candles: make(map[key]*building),
	}
}

// Periods returns the configured periods.
func (agg *Aggregator) Periods() []model.Period {
	return slices.Clone(agg.periods)
}

// Add folds a trade into the open candle of each period and returns the
// candles it closed.
func (agg *Aggregator) Add(trade model.Trade) []model.Candle {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	var closed []model.Candle
	for _, p := range agg.periods {
		if c, ok := agg.updateCandle(p, trade); ok {
			closed = append(closed, c)
		}
	}
	return closed
}

// updateCandle applies trade to the open candle for period p. It returns the
// previous candle when the trade opened a new bucket.
func (agg *Aggregator) updateCandle(p model.Period, trade model.Trade) (model.Candle, bool) {
	k := key{symbol: trade.Symbol, period: p}
	start := trade.Timestamp.Truncate(p.Duration())

	current, found := agg.candles[k]
	if found && start.Before(current.candle.StartTime) {
		log.Debug().
			Str("component", "candles").
			Str("symbol", trade.Symbol).
			Str("period", string(p)).
			Time("trade", trade.Timestamp).
			Msg("dropping trade for an already closed candle")
		return model.Candle{}, false
	}

	var closed model.Candle
	var didClose bool
	if found && start.After(current.candle.StartTime) {
		closed, didClose = current.candle, true
		found = false
	}
	if !found {
		current = &building{candle: model.Candle{
			Symbol:    trade.Symbol,
			Period:    p,
			StartTime: start,
			EndTime:   start.Add(p.Duration()),
		}}
		agg.candles[k] = current
	}

	c := &current.candle
	earlier := current.firstAt.IsZero() || trade.Timestamp.Before(current.firstAt)
	later := current.lastAt.IsZero() || !trade.Timestamp.Before(current.lastAt)

	if earlier {
		current.firstAt = trade.Timestamp
		c.Open = trade.Price
	}
	if later {
		current.lastAt = trade.Timestamp
		c.Close = trade.Price
	}
	if trade.Price.GreaterThan(c.High) {
		c.High = trade.Price
	}
	if c.Low.IsZero() || trade.Price.LessThan(c.Low) {
		c.Low = trade.Price
	}
	c.Volume = c.Volume.Add(trade.Size)

	return closed, didClose
}

// Flush closes and returns every open candle whose end time is at or before now.
func (agg *Aggregator) Flush(now time.Time) []model.Candle {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	var closed []model.Candle
	for k, b := range agg.candles {
		if b.candle.EndTime.After(now) {
			continue
		}
		closed = append(closed, b.candle)
		delete(agg.candles, k)
	}
	slices.SortFunc(closed, func(a, b model.Candle) int {
		if a.Symbol != b.Symbol {
			if a.Symbol < b.Symbol {
				return -1
			}
			return 1
		}
		return a.StartTime.Compare(b.StartTime)
	})
	return closed
}

// Current returns the open candle for symbol and period, if any.
func (agg *Aggregator) Current(symbol string, p model.Period) (model.Candle, bool) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	b, ok := agg.candles[key{symbol: symbol, period: p}]
	if !ok {
		return model.Candle{}, false
	}
	return b.candle, true
}

// Reset drops every open candle, or only those of symbol when it is non-empty.
func (agg *Aggregator) Reset(symbol string) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	for k := range agg.candles {
		if symbol == "" || k.symbol == symbol {
			delete(agg.candles, k)
		}
	}
}

// IsValid reports whether c satisfies the OHLC invariants.
func IsValid(c model.Candle) bool {
	if !c.Open.IsPositive() || !c.Close.IsPositive() || c.Volume.IsNegative() {
		return false
	}
	if c.High.LessThan(c.Low) {
		return false
	}
	return c.High.GreaterThanOrEqual(decimal.Max(c.Open, c.Close)) &&
		c.Low.LessThanOrEqual(decimal.Min(c.Open, c.Close))
}
