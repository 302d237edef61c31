package websocket

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"marketfeed/internal/model"
	"marketfeed/internal/policy"
	"marketfeed/internal/utils"
	"marketfeed/internal/wire"
)

// SubscriptionRequest pairs a symbol with the kinds requested for it.
type SubscriptionRequest struct {
	Symbol string
	Kinds  []model.MessageType
}

// Subscribe records a subscription and, when connected, sends the subscribe
// frame immediately. While disconnected the frame is sent by the
// resubscription that follows the next successful connect.
//
// It fails with a policy.ErrRateLimited error when the subscription rate
// limit is exceeded, ErrTooManySubscriptions at the ceiling and
// ErrAlreadySubscribed for a known symbol.
func (c *Client) Subscribe(symbol string, kinds []model.MessageType) error {
	symbol = utils.NormalizeSymbol(symbol)
	if err := utils.ValidateSymbol(symbol); err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClientShuttingDown
	}
	if _, ok := c.subs[symbol]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, symbol)
	}
	if len(c.subs) >= c.cfg.MaxSubscriptions {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTooManySubscriptions, c.cfg.MaxSubscriptions)
	}
	now := c.now()
	sub, err := model.NewSubscription(symbol, kinds, now)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.subLimiter.Check(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}

	c.subs[symbol] = &sub
	c.order = append(c.order, symbol)
	sendErr := c.sendControlLocked(wire.EncodeSubscribe, sub, now)
	c.mu.Unlock()

	if sendErr != nil {
		log.Warn().Err(sendErr).Str("symbol", symbol).Msg("subscribe frame not sent, will be re-sent on reconnect")
	}
	log.Debug().Str("symbol", symbol).Str("id", sub.ID).Msg("subscribed")
	c.emit(model.StreamEvent{Type: model.StreamSubscribed, Symbol: symbol})
	return nil
}

// Unsubscribe removes a subscription and, when connected, sends the
// unsubscribe frame. Unknown symbols are ignored.
func (c *Client) Unsubscribe(symbol string) error {
	symbol = utils.NormalizeSymbol(symbol)

	c.mu.Lock()
	sub, ok := c.subs[symbol]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, symbol)
	c.order = slices.DeleteFunc(c.order, func(s string) bool { return s == symbol })
	sendErr := c.sendControlLocked(wire.EncodeUnsubscribe, *sub, c.now())
	c.mu.Unlock()

	if sendErr != nil {
		log.Warn().Err(sendErr).Str("symbol", symbol).Msg("unsubscribe frame not sent")
	}
	c.emit(model.StreamEvent{Type: model.StreamUnsubscribed, Symbol: symbol})
	return nil
}

// SubscribeBatch subscribes each request in order and returns the symbols
// that succeeded. It stops at the first rate-limit rejection; all failures
// are joined into the returned error.
func (c *Client) SubscribeBatch(requests []SubscriptionRequest) ([]string, error) {
	var (
		subscribed []string
		errs       []error
	)
	for _, r := range requests {
		if err := c.Subscribe(r.Symbol, r.Kinds); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Symbol, err))
			if errors.Is(err, policy.ErrRateLimited) {
				break
			}
			continue
		}
		subscribed = append(subscribed, utils.NormalizeSymbol(r.Symbol))
	}
	if len(errs) > 0 {
		log.Warn().Int("failed", len(errs)).Int("subscribed", len(subscribed)).Msg("some subscriptions failed")
	}
	return subscribed, errors.Join(errs...)
}

// UnsubscribeBatch unsubscribes every symbol.
func (c *Client) UnsubscribeBatch(symbols []string) error {
	var errs []error
	for _, s := range symbols {
		if err := c.Unsubscribe(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// UnsubscribeAll removes every subscription.
func (c *Client) UnsubscribeAll() error {
	c.mu.Lock()
	symbols := slices.Clone(c.order)
	c.mu.Unlock()
	return c.UnsubscribeBatch(symbols)
}

// UpdateSubscription replaces the kinds of an existing subscription.
func (c *Client) UpdateSubscription(symbol string, kinds []model.MessageType) error {
	if len(kinds) == 0 {
		return errors.New("at least one message kind must be specified")
	}
	symbol = utils.NormalizeSymbol(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, symbol)
	}
	sub.Kinds = slices.Clone(kinds)
	return c.sendControlLocked(wire.EncodeSubscribe, *sub, c.now())
}

// PauseSubscription deactivates a subscription without removing it.
func (c *Client) PauseSubscription(symbol string) error {
	return c.setActive(symbol, false)
}

// ResumeSubscription reactivates a paused subscription.
func (c *Client) ResumeSubscription(symbol string) error {
	return c.setActive(symbol, true)
}

func (c *Client) setActive(symbol string, active bool) error {
	symbol = utils.NormalizeSymbol(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, symbol)
	}
	sub.Active = active
	if active {
		return c.sendControlLocked(wire.EncodeSubscribe, *sub, c.now())
	}
	return c.sendControlLocked(wire.EncodeUnsubscribe, *sub, c.now())
}

// Subscriptions returns copies of every subscription in insertion order.
func (c *Client) Subscriptions() []model.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Subscription, 0, len(c.order))
	for _, s := range c.order {
		sub := *c.subs[s]
		sub.Kinds = slices.Clone(sub.Kinds)
		out = append(out, sub)
	}
	return out
}

// IsSubscribed reports whether a subscription exists for symbol.
func (c *Client) IsSubscribed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[utils.NormalizeSymbol(symbol)]
	return ok
}

// SubscriptionCount returns the number of subscriptions, active or paused.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// SubscriptionRateUsage returns the subscriptions recorded in the current
// window and the limit.
func (c *Client) SubscriptionRateUsage() (int, int) {
	return c.subLimiter.Usage()
}

// Send encodes an arbitrary outbound message. While disconnected it is
// buffered and flushed, in order, right after the next successful connect.
func (c *Client) Send(mt model.MessageType, symbol string, data any) error {
	frame, err := wire.Encode(mt, symbol, data, c.now())
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrClientShuttingDown
	}
	return c.sendLocked(frame)
}

// BufferedCount returns the number of frames waiting for a connection.
func (c *Client) BufferedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// sendControlLocked sends a subscription control frame only when connected.
// c.mu must be held.
func (c *Client) sendControlLocked(
	encode func(model.Subscription, time.Time) ([]byte, error),
	sub model.Subscription,
	now time.Time,
) error {
	if !c.status.CanSend() || c.session == nil {
		return nil
	}
	frame, err := encode(sub, now)
	if err != nil {
		return err
	}
	return c.sendLocked(frame)
}

// sendLocked queues frame for the writer or, while disconnected, appends it
// to the bounded outbound buffer. c.mu must be held.
func (c *Client) sendLocked(frame []byte) error {
	if c.status.CanSend() && c.session != nil {
		if !c.session.enqueue(frame) {
			return ErrBufferFull
		}
		return nil
	}
	if len(c.buffer) >= c.cfg.MaxBufferSize {
		return fmt.Errorf("%w: %d messages", ErrBufferFull, c.cfg.MaxBufferSize)
	}
	c.buffer = append(c.buffer, frame)
	return nil
}
