// Package sink provides write-through mirrors of the cache coordinator's
// accepted data: a Redis mirror holding the latest snapshot, a rolling
// candle history and the latest book per symbol, and a Kafka publisher that
// exports every write as a JSON event.
package sink

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/model"
)

type snapshotRecord struct {
	Symbol        string              `json:"symbol"`
	Price         decimal.Decimal     `json:"price"`
	Change        decimal.Decimal     `json:"change"`
	ChangePercent decimal.Decimal     `json:"change_percent"`
	Volume        decimal.Decimal     `json:"volume"`
	DayHigh       decimal.Decimal     `json:"day_high"`
	DayLow        decimal.Decimal     `json:"day_low"`
	Bid           decimal.NullDecimal `json:"bid"`
	Ask           decimal.NullDecimal `json:"ask"`
	MarketStatus  model.MarketStatus  `json:"market_status"`
	Provenance    string              `json:"provenance"`
	Timestamp     time.Time           `json:"timestamp"`
}

func toSnapshotRecord(s model.Snapshot, prov model.Provenance) snapshotRecord {
	return snapshotRecord{
		Symbol:        s.Symbol,
		Price:         s.Price,
		Change:        s.Change,
		ChangePercent: s.ChangePercent,
		Volume:        s.Volume,
		DayHigh:       s.DayHigh,
		DayLow:        s.DayLow,
		Bid:           s.Bid,
		Ask:           s.Ask,
		MarketStatus:  s.MarketStatus,
		Provenance:    prov.String(),
		Timestamp:     s.Timestamp,
	}
}

type candleRecord struct {
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
}

func toCandleRecord(c model.Candle) candleRecord {
	return candleRecord{
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
	}
}

func (r candleRecord) candle(symbol string, period model.Period) model.Candle {
	return model.Candle{
		Symbol:    symbol,
		Period:    period,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
	}
}

type levelRecord [3]string // price, size, order count

type bookRecord struct {
	Symbol    string          `json:"symbol"`
	Bids      []levelRecord   `json:"bids"`
	Asks      []levelRecord   `json:"asks"`
	Spread    decimal.Decimal `json:"spread"`
	Mid       decimal.Decimal `json:"mid"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

func toBookRecord(b model.OrderBook) bookRecord {
	return bookRecord{
		Symbol:    b.Symbol,
		Bids:      toLevelRecords(b.Bids),
		Asks:      toLevelRecords(b.Asks),
		Spread:    b.Spread,
		Mid:       b.Mid,
		Sequence:  b.Sequence,
		Timestamp: b.Timestamp,
	}
}

func toLevelRecords(levels []model.PriceLevel) []levelRecord {
	out := make([]levelRecord, len(levels))
	for i, l := range levels {
		out[i] = levelRecord{l.Price.String(), l.Size.String(), strconv.Itoa(l.Orders)}
	}
	return out
}
