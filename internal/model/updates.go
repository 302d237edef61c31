package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidData is wrapped by every semantic validation failure of a record.
var ErrInvalidData = errors.New("invalid market data")

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// Quote is a top-of-book and session summary update for one instrument.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Last      decimal.Decimal
	LastSize  decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Open      decimal.Decimal
	Volume    decimal.Decimal // cumulative session volume
	Timestamp time.Time
}

// Trade is a single execution reported by the feed.
type Trade struct {
	ID        string
	Symbol    string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      Side
	Venue     string
	Timestamp time.Time
}

// PriceLevel is one aggregated price level of an order book side.
type PriceLevel struct {
	Price  decimal.Decimal
	Size   decimal.Decimal
	Orders int
}

// OrderBookUpdate is either a full book snapshot or an incremental delta.
type OrderBookUpdate struct {
	Symbol     string
	Bids       []PriceLevel
	Asks       []PriceLevel
	Sequence   uint64
	IsSnapshot bool
	Timestamp  time.Time
}

// OrderBook is the merged book for one instrument. Bids are sorted by price
// descending, asks ascending.
type OrderBook struct {
	Symbol        string
	Bids          []PriceLevel
	Asks          []PriceLevel
	Spread        decimal.Decimal
	SpreadPercent decimal.Decimal
	Mid           decimal.Decimal
	Sequence      uint64
	Timestamp     time.Time
}

// BestBid returns the highest bid level, if any.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask level, if any.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Recalculate refreshes spread, spread percent and mid price from the best levels.
// A one-sided or empty book gets zero values.
func (b *OrderBook) Recalculate() {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		b.Spread, b.SpreadPercent, b.Mid = decimal.Zero, decimal.Zero, decimal.Zero
		return
	}
	b.Spread = ask.Price.Sub(bid.Price)
	b.Mid = ask.Price.Add(bid.Price).Div(two)
	if b.Mid.IsZero() {
		b.SpreadPercent = decimal.Zero
		return
	}
	b.SpreadPercent = b.Spread.Div(b.Mid).Mul(hundred)
}

// Clone returns a deep copy so callers never share level slices with a cache.
func (b OrderBook) Clone() OrderBook {
	out := b
	out.Bids = append([]PriceLevel(nil), b.Bids...)
	out.Asks = append([]PriceLevel(nil), b.Asks...)
	return out
}

// Snapshot is the latest known price state for one instrument.
type Snapshot struct {
	Symbol        string
	Price         decimal.Decimal
	Change        decimal.Decimal
	ChangePercent decimal.Decimal
	Volume        decimal.Decimal
	PreviousClose decimal.Decimal
	DayHigh       decimal.Decimal
	DayLow        decimal.Decimal
	Bid           decimal.NullDecimal
	Ask           decimal.NullDecimal
	BidSize       decimal.NullDecimal
	AskSize       decimal.NullDecimal
	MarketStatus  MarketStatus
	Timestamp     time.Time
}

// Validate enforces the invariants every cached snapshot must satisfy.
func (s Snapshot) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidData)
	}
	if s.Price.IsNegative() {
		return fmt.Errorf("%w: price cannot be negative", ErrInvalidData)
	}
	if s.Bid.Valid && !s.Bid.Decimal.IsPositive() {
		return fmt.Errorf("%w: bid %s must be positive", ErrInvalidData, s.Bid.Decimal)
	}
	if s.Ask.Valid && !s.Ask.Decimal.IsPositive() {
		return fmt.Errorf("%w: ask %s must be positive", ErrInvalidData, s.Ask.Decimal)
	}
	if s.Bid.Valid && s.Ask.Valid && s.Bid.Decimal.GreaterThanOrEqual(s.Ask.Decimal) {
		return fmt.Errorf("%w: bid %s must be below ask %s", ErrInvalidData, s.Bid.Decimal, s.Ask.Decimal)
	}
	if s.DayHigh.LessThan(s.DayLow) {
		return fmt.Errorf("%w: day high %s below day low %s", ErrInvalidData, s.DayHigh, s.DayLow)
	}
	return nil
}

// SnapshotFromQuote derives a snapshot from a quote update. The current price
// is the last traded price and the change is measured against the session open.
func SnapshotFromQuote(q Quote) Snapshot {
	change := q.Last.Sub(q.Open)
	changePct := decimal.Zero
	if !q.Open.IsZero() {
		changePct = change.Div(q.Open).Mul(hundred)
	}
	return Snapshot{
		Symbol:        q.Symbol,
		Price:         q.Last,
		Change:        change,
		ChangePercent: changePct,
		Volume:        q.Volume,
		PreviousClose: q.Open,
		DayHigh:       q.High,
		DayLow:        q.Low,
		Bid:           decimal.NewNullDecimal(q.Bid),
		Ask:           decimal.NewNullDecimal(q.Ask),
		BidSize:       decimal.NewNullDecimal(q.BidSize),
		AskSize:       decimal.NewNullDecimal(q.AskSize),
		MarketStatus:  MarketOpen,
		Timestamp:     q.Timestamp,
	}
}

// Candle represents one OHLCV record for a fixed period.
type Candle struct {
	Symbol    string
	Period    Period
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	StartTime time.Time // inclusive
	EndTime   time.Time // exclusive
}
