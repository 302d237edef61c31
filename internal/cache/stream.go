package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marketfeed/internal/model"
	"marketfeed/internal/orderbook"
	"marketfeed/internal/websocket"
	"marketfeed/internal/wire"
)

var _ websocket.Handler = (*Coordinator)(nil)

var hundred = decimal.NewFromInt(100)

// OnQuote caches the snapshot derived from a streamed quote.
func (c *Coordinator) OnQuote(q model.Quote, _ websocket.Meta) error {
	snap := model.SnapshotFromQuote(q)
	if err := snap.Validate(); err != nil {
		log.Warn().Err(err).Str("component", "cache").Str("symbol", q.Symbol).Msg("discarding invalid quote")
		return err
	}
	c.storeSnapshot(snap, model.ProvenanceSocket)
	return nil
}

// OnTrade patches the cached snapshot with the trade and feeds the candle
// aggregator. Candles closed by the trade are appended to the history tier.
func (c *Coordinator) OnTrade(t model.Trade, _ websocket.Meta) error {
	now := c.now()

	c.mu.Lock()
	var patched *model.Snapshot
	if e, ok := c.snapshots[t.Symbol]; ok {
		s := e.value
		s.Price = t.Price
		s.Volume = s.Volume.Add(t.Size)
		s.Timestamp = t.Timestamp
		if !s.PreviousClose.IsZero() {
			s.Change = s.Price.Sub(s.PreviousClose)
			s.ChangePercent = s.Change.Div(s.PreviousClose).Mul(hundred)
		}
		if s.Price.GreaterThan(s.DayHigh) {
			s.DayHigh = s.Price
		}
		if s.DayLow.IsZero() || s.Price.LessThan(s.DayLow) {
			s.DayLow = s.Price
		}
		e.replace(s, model.ProvenanceSocket, now)
		c.signalLocked(waitKey{tier: tierSnapshot, symbol: t.Symbol})
		patched = &s
	}
	c.mu.Unlock()

	c.appendCandles(c.agg.Add(t))

	trade := t
	c.emit(model.DataEvent{Type: model.DataTrade, Symbol: t.Symbol, Trade: &trade, Provenance: model.ProvenanceSocket})
	if patched != nil {
		c.emit(model.DataEvent{Type: model.DataMarketData, Symbol: t.Symbol, Snapshot: patched, Provenance: model.ProvenanceSocket})
		snap := *patched
		c.write("snapshot", func(ctx context.Context, s Sink) error {
			return s.WriteSnapshot(ctx, snap, model.ProvenanceSocket)
		})
	}
	return nil
}

// OnOrderBook merges a streamed book update. With GateOutOfOrder set, an
// update whose sequence is below the cached book's is dropped.
func (c *Coordinator) OnOrderBook(u model.OrderBookUpdate, _ websocket.Meta) error {
	now := c.now()

	c.mu.Lock()
	e, ok := c.books[u.Symbol]
	if ok && c.cfg.GateOutOfOrder && u.Sequence > 0 && u.Sequence < e.value.Sequence() {
		cached := e.value.Sequence()
		c.mu.Unlock()
		log.Debug().
			Str("component", "cache").
			Str("symbol", u.Symbol).
			Uint64("sequence", u.Sequence).
			Uint64("cached", cached).
			Msg("ignoring out-of-order book update")
		return nil
	}

	var err error
	if ok {
		if err = e.value.Apply(u); err == nil {
			e.replace(e.value, model.ProvenanceSocket, now)
		}
	} else {
		var b *orderbook.Book
		if u.IsSnapshot {
			b, err = orderbook.FromUpdate(u, c.cfg.OrderBookDepth)
		} else {
			b = orderbook.New(u.Symbol, c.cfg.OrderBookDepth)
			err = b.Apply(u)
		}
		if err == nil {
			e = newEntry(b, model.ProvenanceSocket, now)
			c.books[u.Symbol] = e
		}
	}
	if err != nil {
		c.mu.Unlock()
		log.Warn().Err(err).Str("component", "cache").Str("symbol", u.Symbol).Msg("discarding order book update")
		return fmt.Errorf("order book %s: %w", u.Symbol, err)
	}
	view := e.value.Snapshot()
	bids, asks := e.value.Depth()
	c.signalLocked(waitKey{tier: tierOrderBook, symbol: u.Symbol})
	c.mu.Unlock()

	c.metrics.SetBookDepth(u.Symbol, bids, asks)
	c.publishOrderBook(view, model.ProvenanceSocket)
	return nil
}

// OnMarketStatus records the session state on the cached snapshot.
func (c *Coordinator) OnMarketStatus(symbol string, status model.MarketStatus, _ websocket.Meta) error {
	c.mu.Lock()
	var snap *model.Snapshot
	if e, ok := c.snapshots[symbol]; ok {
		e.value.MarketStatus = status
		s := e.value
		snap = &s
	}
	c.mu.Unlock()

	c.emit(model.DataEvent{Type: model.DataMarketData, Symbol: symbol, Snapshot: snap, Status: string(status)})
	return nil
}

func (c *Coordinator) OnUnknown(env wire.Envelope) error {
	log.Debug().Str("component", "cache").Str("type", env.RawType).Str("symbol", env.Symbol).Msg("ignoring unknown message")
	return nil
}

// OnStreamEvent republishes connection state changes of the streaming client
// as connection status events. Other stream events are ignored.
func (c *Coordinator) OnStreamEvent(ev model.StreamEvent) {
	msg := ev.Message
	switch ev.Type {
	case model.StreamConnecting, model.StreamConnected, model.StreamDisconnected, model.StreamConnectionError:
		if msg == "" {
			msg = ev.Endpoint
		}
	case model.StreamReconnectAttempt:
		msg = fmt.Sprintf("attempt %d in %s", ev.Attempt, ev.Delay)
	case model.StreamFailover:
		msg = fmt.Sprintf("%s -> %s", ev.From, ev.To)
	default:
		return
	}
	c.emit(model.DataEvent{Type: model.DataConnectionStatus, Status: ev.Type.String(), Message: msg, At: ev.At})
}

// storeSnapshot inserts or refreshes a snapshot and wakes its waiters.
func (c *Coordinator) storeSnapshot(snap model.Snapshot, prov model.Provenance) Cached[model.Snapshot] {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.snapshots[snap.Symbol]; ok {
		e.replace(snap, prov, now)
	} else {
		c.snapshots[snap.Symbol] = newEntry(snap, prov, now)
	}
	c.signalLocked(waitKey{tier: tierSnapshot, symbol: snap.Symbol})
	c.mu.Unlock()

	ev := snap
	c.emit(model.DataEvent{Type: model.DataMarketData, Symbol: snap.Symbol, Snapshot: &ev, Provenance: prov})
	c.write("snapshot", func(ctx context.Context, s Sink) error {
		return s.WriteSnapshot(ctx, snap, prov)
	})
	return Cached[model.Snapshot]{Value: snap, Provenance: prov, CapturedAt: now}
}

// storeHistory replaces the series of key with fetched, keeping cached
// candles that start after the last fetched one.
func (c *Coordinator) storeHistory(key historyKey, fetched []model.Candle, prov model.Provenance) Cached[[]model.Candle] {
	series := validCandles(key, fetched)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.history[key]; ok && len(series) > 0 {
		last := series[len(series)-1].StartTime
		for _, cd := range e.value {
			if cd.StartTime.After(last) {
				series = append(series, cd)
			}
		}
	}
	series = trimSeries(series, c.cfg.MaxHistoryLen)
	if e, ok := c.history[key]; ok {
		e.replace(series, prov, now)
	} else {
		c.history[key] = newEntry(series, prov, now)
	}
	out := tail(series, len(series))
	c.mu.Unlock()

	c.emit(model.DataEvent{
		Type:       model.DataHistory,
		Symbol:     key.symbol,
		Period:     key.period,
		Candles:    tail(out, len(out)),
		Provenance: prov,
	})
	c.write("candles", func(ctx context.Context, s Sink) error {
		return s.WriteCandles(ctx, key.symbol, key.period, out)
	})
	return Cached[[]model.Candle]{Value: out, Provenance: prov, CapturedAt: now}
}

// appendCandles adds candles closed by the aggregator to the history tier.
func (c *Coordinator) appendCandles(closed []model.Candle) {
	if len(closed) == 0 {
		return
	}
	now := c.now()

	c.mu.Lock()
	for _, cd := range closed {
		key := historyKey{symbol: cd.Symbol, period: cd.Period}
		if e, ok := c.history[key]; ok {
			if n := len(e.value); n > 0 && !cd.StartTime.After(e.value[n-1].StartTime) {
				continue
			}
			e.value = trimSeries(append(e.value, cd), c.cfg.MaxHistoryLen)
			e.capturedAt = now
		} else {
			c.history[key] = newEntry([]model.Candle{cd}, model.ProvenanceSocket, now)
		}
	}
	c.mu.Unlock()

	for _, cd := range closed {
		c.emit(model.DataEvent{
			Type:       model.DataHistory,
			Symbol:     cd.Symbol,
			Period:     cd.Period,
			Candles:    []model.Candle{cd},
			Provenance: model.ProvenanceSocket,
		})
		c.write("candles", func(ctx context.Context, s Sink) error {
			return s.WriteCandles(ctx, cd.Symbol, cd.Period, []model.Candle{cd})
		})
	}
}

// storeOrderBook replaces the cached book of symbol and wakes its waiters.
func (c *Coordinator) storeOrderBook(book *orderbook.Book, prov model.Provenance) Cached[model.OrderBook] {
	now := c.now()
	symbol := book.Symbol()

	c.mu.Lock()
	if e, ok := c.books[symbol]; ok {
		e.replace(book, prov, now)
	} else {
		c.books[symbol] = newEntry(book, prov, now)
	}
	view := book.Snapshot()
	bids, asks := book.Depth()
	c.signalLocked(waitKey{tier: tierOrderBook, symbol: symbol})
	c.mu.Unlock()

	c.metrics.SetBookDepth(symbol, bids, asks)
	c.publishOrderBook(view, prov)
	return Cached[model.OrderBook]{Value: view, Provenance: prov, CapturedAt: now}
}

func (c *Coordinator) publishOrderBook(view model.OrderBook, prov model.Provenance) {
	ev := view.Clone()
	c.emit(model.DataEvent{Type: model.DataOrderBook, Symbol: view.Symbol, Book: &ev, Provenance: prov})
	sinkView := view.Clone()
	c.write("order_book", func(ctx context.Context, s Sink) error {
		return s.WriteOrderBook(ctx, sinkView)
	})
}

// trimSeries keeps the most recent max candles.
func trimSeries(series []model.Candle, limit int) []model.Candle {
	if len(series) <= limit {
		return series
	}
	return append([]model.Candle(nil), series[len(series)-limit:]...)
}
