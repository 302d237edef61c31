package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"marketfeed/internal/candles"
	"marketfeed/internal/model"
	"marketfeed/internal/orderbook"
	"marketfeed/internal/policy"
	"marketfeed/internal/source"
)

// OperationError reports a failed fetch together with the strategy the
// failure policy chose for it.
type OperationError struct {
	Op       string
	Strategy policy.Strategy
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// ExecuteWithErrorHandling runs op under the failure policy: the policy rate
// limit is checked first, success resets the policy and failures are
// classified into a strategy carried by the returned *OperationError.
// ErrNotFound, ErrHistoryUnavailable and context errors are returned as is.
func (c *Coordinator) ExecuteWithErrorHandling(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if c.policy != nil {
		if err := c.policy.CheckRateLimit(); err != nil {
			return &OperationError{Op: name, Strategy: policy.QueueRequest, Err: err}
		}
	}

	err := op(ctx)
	if err == nil {
		if c.policy != nil {
			c.policy.RecordSuccess()
		}
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrHistoryUnavailable) || ctx.Err() != nil {
		return err
	}

	strategy := policy.ShowError
	if c.policy != nil {
		strategy = c.policy.HandleError(err).Strategy
	}
	return &OperationError{Op: name, Strategy: strategy, Err: err}
}

// fallbackAllowed reports whether a failed fetch may be answered from a stale entry.
func fallbackAllowed(err error) bool {
	var oe *OperationError
	return errors.As(err, &oe) && oe.Strategy != policy.ShowError
}

// GetCurrent returns the snapshot of symbol. A fresh cached entry is returned
// as is; otherwise the fallback source is queried, or, without one, the
// symbol is subscribed and the first streamed update is awaited.
func (c *Coordinator) GetCurrent(ctx context.Context, symbol string) (Cached[model.Snapshot], error) {
	symbol, err := normalize(symbol)
	if err != nil {
		return Cached[model.Snapshot]{}, err
	}
	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Cached[model.Snapshot]{}, ErrClosed
	}
	if e, ok := c.snapshots[symbol]; ok && e.fresh(now, c.cfg.SnapshotTTL) {
		e.touch(now)
		c.totalAccess++
		v := Cached[model.Snapshot]{Value: e.value, Provenance: e.provenance, CapturedAt: e.capturedAt}
		c.mu.Unlock()
		c.metrics.CacheLookup(tierSnapshot, "hit")
		return v, nil
	}
	src, streamer := c.source, c.streamer
	c.mu.Unlock()
	c.metrics.CacheLookup(tierSnapshot, "miss")

	switch {
	case src != nil:
		return c.fetchSnapshot(ctx, src, symbol)
	case streamer != nil:
		return c.awaitSnapshot(ctx, symbol)
	default:
		return Cached[model.Snapshot]{}, ErrNotInitialized
	}
}

func (c *Coordinator) fetchSnapshot(ctx context.Context, src source.Source, symbol string) (Cached[model.Snapshot], error) {
	v, err, _ := c.group.Do(tierSnapshot+"|"+symbol, func() (any, error) {
		var snap model.Snapshot
		start := time.Now()
		err := c.ExecuteWithErrorHandling(ctx, "fetch snapshot "+symbol, func(ctx context.Context) error {
			var err error
			snap, err = src.Snapshot(ctx, symbol)
			return err
		})
		c.metrics.SourceFetch(tierSnapshot, err, time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		if snap.Symbol == "" {
			snap.Symbol = symbol
		}
		if err := snap.Validate(); err != nil {
			log.Warn().Err(err).Str("component", "cache").Str("symbol", symbol).Msg("discarding invalid snapshot from source")
			return nil, err
		}
		return c.storeSnapshot(snap, src.Provenance()), nil
	})
	if err != nil {
		if fallbackAllowed(err) {
			if v, ok := c.staleSnapshot(symbol); ok {
				return v, nil
			}
		}
		return Cached[model.Snapshot]{}, err
	}
	return v.(Cached[model.Snapshot]), nil
}

func (c *Coordinator) awaitSnapshot(ctx context.Context, symbol string) (Cached[model.Snapshot], error) {
	if err := c.await(ctx, waitKey{tier: tierSnapshot, symbol: symbol}, symbol); err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			if v, ok := c.staleSnapshot(symbol); ok {
				return v, nil
			}
		}
		return Cached[model.Snapshot]{}, err
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.snapshots[symbol]
	if !ok {
		return Cached[model.Snapshot]{}, fmt.Errorf("%w: %s", ErrWaitTimeout, symbol)
	}
	e.touch(now)
	c.totalAccess++
	return Cached[model.Snapshot]{Value: e.value, Provenance: e.provenance, CapturedAt: e.capturedAt}, nil
}

// staleSnapshot returns an expired entry tagged with ProvenanceCache.
func (c *Coordinator) staleSnapshot(symbol string) (Cached[model.Snapshot], bool) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.snapshots[symbol]
	if !ok {
		c.mu.Unlock()
		return Cached[model.Snapshot]{}, false
	}
	e.touch(now)
	c.totalAccess++
	v := Cached[model.Snapshot]{Value: e.value, Provenance: model.ProvenanceCache, CapturedAt: e.capturedAt}
	c.mu.Unlock()

	c.metrics.CacheLookup(tierSnapshot, "stale")
	log.Info().Str("component", "cache").Str("symbol", symbol).Time("capturedAt", v.CapturedAt).Msg("serving stale snapshot")
	return v, true
}

// await registers a waiter for key, subscribes symbol and blocks until the
// first update for key is cached, the wait timeout elapses or ctx ends.
func (c *Coordinator) await(ctx context.Context, key waitKey, symbol string) error {
	ch := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.waiters[key] = append(c.waiters[key], ch)
	c.mu.Unlock()
	defer c.removeWaiter(key, ch)

	if err := c.Subscribe(symbol); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrWaitTimeout, symbol, c.cfg.WaitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) removeWaiter(key waitKey, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.waiters[key]
	for i, w := range chans {
		if w == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = chans
	}
}

// signalLocked wakes every waiter of key. c.mu must be held.
func (c *Coordinator) signalLocked(key waitKey) {
	for _, ch := range c.waiters[key] {
		close(ch)
	}
	delete(c.waiters, key)
}

// GetHistory returns the last count candles of symbol for period, oldest
// first. The series is kept chronologically, so the most recent count
// candles are its tail rather than its leading prefix. A fresh cached series
// holding at least count candles is served directly; otherwise the series is
// fetched and merged with any newer streamed candles.
func (c *Coordinator) GetHistory(ctx context.Context, symbol string, period model.Period, count int) (Cached[[]model.Candle], error) {
	symbol, err := normalize(symbol)
	if err != nil {
		return Cached[[]model.Candle]{}, err
	}
	if period.Duration() == 0 {
		return Cached[[]model.Candle]{}, fmt.Errorf("unsupported period %q", period)
	}
	if count <= 0 {
		return Cached[[]model.Candle]{}, fmt.Errorf("count must be positive, got %d", count)
	}
	if count > c.cfg.MaxHistoryLen {
		return Cached[[]model.Candle]{}, fmt.Errorf("%w: %d candles requested, cache retains %d", ErrHistoryUnavailable, count, c.cfg.MaxHistoryLen)
	}

	key := historyKey{symbol: symbol, period: period}
	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Cached[[]model.Candle]{}, ErrClosed
	}
	e, ok := c.history[key]
	if ok && e.fresh(now, c.cfg.HistoryTTL) && len(e.value) >= count {
		e.touch(now)
		c.totalAccess++
		v := Cached[[]model.Candle]{Value: tail(e.value, count), Provenance: e.provenance, CapturedAt: e.capturedAt}
		c.mu.Unlock()
		c.metrics.CacheLookup(tierHistory, "hit")
		return v, nil
	}
	have := 0
	if ok {
		have = len(e.value)
	}
	src := c.source
	c.mu.Unlock()
	c.metrics.CacheLookup(tierHistory, "miss")

	if src == nil {
		if have >= count {
			if v, ok := c.staleHistory(key, count); ok {
				return v, nil
			}
		}
		if have > 0 {
			return Cached[[]model.Candle]{}, fmt.Errorf("%w: %d of %d candles cached for %s %s", ErrHistoryUnavailable, have, count, symbol, period)
		}
		return Cached[[]model.Candle]{}, ErrNotInitialized
	}
	if count > src.MaxHistory() {
		return Cached[[]model.Candle]{}, fmt.Errorf("%w: %d candles requested, %s provides %d", ErrHistoryUnavailable, count, src.Name(), src.MaxHistory())
	}

	v, err, _ := c.group.Do(fmt.Sprintf("%s|%s|%s|%d", tierHistory, symbol, period, count), func() (any, error) {
		var series []model.Candle
		start := time.Now()
		err := c.ExecuteWithErrorHandling(ctx, fmt.Sprintf("fetch history %s %s", symbol, period), func(ctx context.Context) error {
			var err error
			series, err = src.History(ctx, symbol, period, count)
			return err
		})
		c.metrics.SourceFetch(tierHistory, err, time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		return c.storeHistory(key, series, src.Provenance()), nil
	})
	if err != nil {
		if fallbackAllowed(err) {
			if v, ok := c.staleHistory(key, count); ok {
				return v, nil
			}
		}
		return Cached[[]model.Candle]{}, err
	}
	full := v.(Cached[[]model.Candle])
	full.Value = tail(full.Value, count)
	return full, nil
}

func (c *Coordinator) staleHistory(key historyKey, count int) (Cached[[]model.Candle], bool) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.history[key]
	if !ok || len(e.value) == 0 {
		c.mu.Unlock()
		return Cached[[]model.Candle]{}, false
	}
	e.touch(now)
	c.totalAccess++
	v := Cached[[]model.Candle]{Value: tail(e.value, count), Provenance: model.ProvenanceCache, CapturedAt: e.capturedAt}
	c.mu.Unlock()
	c.metrics.CacheLookup(tierHistory, "stale")
	return v, true
}

// GetOrderBook returns the merged book of symbol.
func (c *Coordinator) GetOrderBook(ctx context.Context, symbol string) (Cached[model.OrderBook], error) {
	symbol, err := normalize(symbol)
	if err != nil {
		return Cached[model.OrderBook]{}, err
	}
	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Cached[model.OrderBook]{}, ErrClosed
	}
	if e, ok := c.books[symbol]; ok && e.fresh(now, c.cfg.OrderBookTTL) {
		e.touch(now)
		c.totalAccess++
		v := Cached[model.OrderBook]{Value: e.value.Snapshot(), Provenance: e.provenance, CapturedAt: e.capturedAt}
		c.mu.Unlock()
		c.metrics.CacheLookup(tierOrderBook, "hit")
		return v, nil
	}
	src, streamer := c.source, c.streamer
	c.mu.Unlock()
	c.metrics.CacheLookup(tierOrderBook, "miss")

	switch {
	case src != nil:
		return c.fetchOrderBook(ctx, src, symbol)
	case streamer != nil:
		if err := c.await(ctx, waitKey{tier: tierOrderBook, symbol: symbol}, symbol); err != nil {
			if errors.Is(err, ErrWaitTimeout) {
				if v, ok := c.staleOrderBook(symbol); ok {
					return v, nil
				}
			}
			return Cached[model.OrderBook]{}, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.books[symbol]
		if !ok {
			return Cached[model.OrderBook]{}, fmt.Errorf("%w: %s", ErrWaitTimeout, symbol)
		}
		e.touch(c.now())
		c.totalAccess++
		return Cached[model.OrderBook]{Value: e.value.Snapshot(), Provenance: e.provenance, CapturedAt: e.capturedAt}, nil
	default:
		return Cached[model.OrderBook]{}, ErrNotInitialized
	}
}

func (c *Coordinator) fetchOrderBook(ctx context.Context, src source.Source, symbol string) (Cached[model.OrderBook], error) {
	v, err, _ := c.group.Do(tierOrderBook+"|"+symbol, func() (any, error) {
		var ob model.OrderBook
		start := time.Now()
		err := c.ExecuteWithErrorHandling(ctx, "fetch order book "+symbol, func(ctx context.Context) error {
			var err error
			ob, err = src.OrderBook(ctx, symbol)
			return err
		})
		c.metrics.SourceFetch(tierOrderBook, err, time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		book, err := orderbook.FromUpdate(model.OrderBookUpdate{
			Symbol:     symbol,
			Bids:       ob.Bids,
			Asks:       ob.Asks,
			Sequence:   ob.Sequence,
			IsSnapshot: true,
			Timestamp:  ob.Timestamp,
		}, c.cfg.OrderBookDepth)
		if err != nil {
			log.Warn().Err(err).Str("component", "cache").Str("symbol", symbol).Msg("discarding invalid order book from source")
			return nil, err
		}
		return c.storeOrderBook(book, src.Provenance()), nil
	})
	if err != nil {
		if fallbackAllowed(err) {
			if v, ok := c.staleOrderBook(symbol); ok {
				return v, nil
			}
		}
		return Cached[model.OrderBook]{}, err
	}
	return v.(Cached[model.OrderBook]), nil
}

func (c *Coordinator) staleOrderBook(symbol string) (Cached[model.OrderBook], bool) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.books[symbol]
	if !ok {
		c.mu.Unlock()
		return Cached[model.OrderBook]{}, false
	}
	e.touch(now)
	c.totalAccess++
	v := Cached[model.OrderBook]{Value: e.value.Snapshot(), Provenance: model.ProvenanceCache, CapturedAt: e.capturedAt}
	c.mu.Unlock()
	c.metrics.CacheLookup(tierOrderBook, "stale")
	return v, true
}

// validCandles drops candles violating the OHLC invariants and stamps the key.
func validCandles(key historyKey, in []model.Candle) []model.Candle {
	out := make([]model.Candle, 0, len(in))
	for _, cd := range in {
		cd.Symbol, cd.Period = key.symbol, key.period
		if !candles.IsValid(cd) {
			log.Warn().
				Str("component", "cache").
				Str("symbol", key.symbol).
				Str("period", string(key.period)).
				Time("start", cd.StartTime).
				Msg("discarding invalid candle")
			continue
		}
		out = append(out, cd)
	}
	return out
}
