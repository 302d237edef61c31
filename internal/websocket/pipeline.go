package websocket

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"marketfeed/internal/model"
	"marketfeed/internal/wire"
)

// processFrame runs one inbound frame through the pipeline:
//
//  1. heartbeat short-circuit
//  2. deduplication on (symbol, kind, timestamp)
//  3. sequence ordering check (observed, not enforced)
//  4. payload decoding and data-quality validation
//  5. dedup and sequence tables advanced
//  6. handler dispatch and event emission
//
// Malformed and rejected frames are logged and dropped; the connection stays up.
func (c *Client) processFrame(s *session, raw []byte) {
	now := c.now()

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.health.RecordReceived(now)
	c.mu.Unlock()

	logger := log.With().
		Str("endpoint", s.url).
		Str("component", "pipeline").
		Logger()

	env, err := wire.Decode(raw)
	if err != nil {
		logger.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping undecodable frame")
		return
	}

	switch env.Type {
	case model.MessageHeartbeat:
		c.mu.Lock()
		if c.session == s {
			c.health.RecordPong(now)
		}
		c.mu.Unlock()
		c.emit(model.StreamEvent{Type: model.StreamHeartbeat, Endpoint: s.url, At: now})
		return

	case model.MessageSubscribe, model.MessageUnsubscribe, model.MessageSystemStatus:
		logger.Debug().Str("type", env.RawType).Str("symbol", env.Symbol).Msg("control frame")
		return

	case model.MessageError:
		p, err := c.codec.DecodePayload(env)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed error frame")
			return
		}
		logger.Warn().Str("error", p.ServerError).Msg("server reported error")
		c.emit(model.StreamEvent{Type: model.StreamServerError, Symbol: env.Symbol, Message: p.ServerError})
		return

	case model.MessageAuthentication:
		p, err := c.codec.DecodePayload(env)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed authentication frame")
			return
		}
		if p.AuthFailed {
			logger.Error().Str("reason", p.AuthReason).Msg("server rejected authentication")
			c.failSession(s, authError(p.AuthReason))
		}
		return

	case model.MessageUnknown, model.MessageOrderUpdate:
		c.dispatch(logger, env.RawType, func() error { return c.handler.OnUnknown(env) })
		c.emit(model.StreamEvent{Type: model.StreamUnknown, Symbol: env.Symbol, Message: env.RawType})
		return
	}

	meta, ok := c.admit(logger, env, now)
	if !ok {
		return
	}

	payload, err := c.codec.DecodePayload(env)
	if err != nil {
		logger.Warn().Err(err).Str("symbol", env.Symbol).Msg("dropping malformed payload")
		return
	}

	if c.cfg.QualityChecks {
		suspicious, err := c.checkQuality(env.Type, payload)
		if err != nil {
			logger.Warn().Err(err).Str("symbol", env.Symbol).Msg("data quality check failed, dropping message")
			return
		}
		meta.Suspicious = suspicious
	}

	c.commit(env, now)
	c.deliver(logger, env, payload, meta)
}

// admit applies the deduplication and ordering checks without mutating the
// tables, which only advance once the frame passed quality validation.
func (c *Client) admit(logger zerolog.Logger, env wire.Envelope, now time.Time) (Meta, bool) {
	meta := Meta{Sequence: env.Sequence, HasSeq: env.HasSeq, ReceivedAt: now}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.EnableDedup {
		if key, ok := dedupKey(env); ok {
			if seen, dup := c.dedup[key]; dup && now.Sub(seen) < c.cfg.DedupWindow {
				logger.Debug().Str("key", key).Msg("duplicate message detected, skipping")
				return meta, false
			}
		}
	}

	if c.cfg.EnableOrdering && env.HasSeq && env.Symbol != "" {
		if last, seen := c.sequences[env.Symbol]; seen && env.Sequence <= last {
			meta.OutOfOrder = true
			logger.Warn().
				Str("symbol", env.Symbol).
				Uint64("sequence", env.Sequence).
				Uint64("last", last).
				Msg("out-of-order message detected")
		}
	}
	return meta, true
}

// commit advances the deduplication and sequence tables.
func (c *Client) commit(env wire.Envelope, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.EnableDedup {
		if key, ok := dedupKey(env); ok {
			c.dedup[key] = now
		}
		if now.Sub(c.lastPrune) >= c.cfg.DedupWindow {
			c.pruneDedupLocked(now)
		}
	}
	if c.cfg.EnableOrdering && env.HasSeq && env.Symbol != "" {
		if last, seen := c.sequences[env.Symbol]; !seen || env.Sequence > last {
			c.sequences[env.Symbol] = env.Sequence
		}
	}
}

func (c *Client) pruneDedup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneDedupLocked(now)
}

func (c *Client) pruneDedupLocked(now time.Time) {
	for k, seen := range c.dedup {
		if now.Sub(seen) >= c.cfg.DedupWindow {
			delete(c.dedup, k)
		}
	}
	c.lastPrune = now
}

// dedupKey identifies a frame by symbol, kind and timestamp. Frames without
// a symbol or timestamp are never treated as duplicates.
func dedupKey(env wire.Envelope) (string, bool) {
	if env.Symbol == "" || env.Timestamp.IsZero() {
		return "", false
	}
	return env.Symbol + "|" + string(env.Type) + "|" + strconv.FormatInt(env.Timestamp.UnixNano(), 10), true
}

func (c *Client) checkQuality(mt model.MessageType, p wire.Payload) (bool, error) {
	switch mt {
	case model.MessageQuote:
		suspicious, err := wire.CheckQuote(*p.Quote, c.cfg.Quality)
		if suspicious && err == nil {
			log.Warn().
				Str("symbol", p.Quote.Symbol).
				Str("high", p.Quote.High.String()).
				Str("low", p.Quote.Low.String()).
				Msg("suspicious price range detected")
		}
		return suspicious, err
	case model.MessageTrade:
		return false, wire.CheckTrade(*p.Trade)
	case model.MessageOrderBook:
		return false, wire.CheckOrderBook(*p.Book)
	}
	return false, nil
}

// deliver dispatches an accepted frame to the handler and emits its event.
func (c *Client) deliver(logger zerolog.Logger, env wire.Envelope, p wire.Payload, meta Meta) {
	switch env.Type {
	case model.MessageQuote:
		q := *p.Quote
		c.dispatch(logger, "quote", func() error { return c.handler.OnQuote(q, meta) })
		c.emit(model.StreamEvent{Type: model.StreamQuote, Symbol: q.Symbol, Sequence: env.Sequence, Quote: &q, At: meta.ReceivedAt})

	case model.MessageTrade:
		t := *p.Trade
		c.dispatch(logger, "trade", func() error { return c.handler.OnTrade(t, meta) })
		c.emit(model.StreamEvent{Type: model.StreamTrade, Symbol: t.Symbol, Sequence: env.Sequence, Trade: &t, At: meta.ReceivedAt})

	case model.MessageOrderBook:
		u := *p.Book
		c.dispatch(logger, "order_book", func() error { return c.handler.OnOrderBook(u, meta) })
		c.emit(model.StreamEvent{Type: model.StreamOrderBook, Symbol: u.Symbol, Sequence: u.Sequence, Book: &u, At: meta.ReceivedAt})

	case model.MessageMarketStatus:
		symbol, status := env.Symbol, p.Status
		c.dispatch(logger, "market_status", func() error { return c.handler.OnMarketStatus(symbol, status, meta) })
		c.emit(model.StreamEvent{Type: model.StreamMarketStatus, Symbol: symbol, Status: status, At: meta.ReceivedAt})
	}
}

// dispatch calls fn, logging its error and recovering from panics.
func (c *Client) dispatch(logger zerolog.Logger, kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("recover", r).Str("kind", kind).Msg("panic in message handler")
		}
	}()
	if err := fn(); err != nil {
		logger.Error().Err(err).Str("kind", kind).Msg("message handler failed")
	}
}

func authError(reason string) error {
	if reason == "" {
		return ErrAuthRejected
	}
	return fmt.Errorf("%w: %s", ErrAuthRejected, reason)
}
