package websocket

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"marketfeed/internal/endpoint"
	"marketfeed/internal/model"
	"marketfeed/internal/policy"
)

// handleConnectionError moves the client to the error state and decides what
// happens next: a delayed reconnect to the same endpoint, a failover to the
// next eligible endpoint, or nothing when auto-reconnect is off. s is nil
// for failed dial attempts.
func (c *Client) handleConnectionError(err error, s *session) {
	recoverable := isRecoverable(err)

	logger := log.With().
		Str("component", "reconnect").
		Logger()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if s != nil && c.session != s {
		c.mu.Unlock()
		return
	}
	if s == nil && c.status.State != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.health = model.ConnectionHealth{}
	c.status = Status{State: StateError, Message: err.Error(), Recoverable: recoverable}
	c.mu.Unlock()

	logger.Error().Err(err).Bool("recoverable", recoverable).Msg("connection error")
	c.emit(model.StreamEvent{Type: model.StreamConnectionError, Message: err.Error()})
	if c.cfg.Policy != nil {
		c.cfg.Policy.HandleError(asPolicyError(err, recoverable))
	}

	c.mu.Lock()
	if !c.autoReconnect || c.stopped || c.status.State != StateError {
		c.mu.Unlock()
		return
	}

	current, curErr := c.pool.Current()
	if !recoverable || c.attempts >= c.cfg.MaxReconnectAttempts || curErr != nil || !current.Active {
		c.mu.Unlock()
		c.failover()
		return
	}

	delay := policy.ExponentialDelay(c.cfg.BaseReconnectDelay, c.cfg.MaxReconnectDelay, c.attempts)
	c.attempts++
	attempt := c.attempts
	c.status = Status{State: StateReconnecting, Attempt: attempt, NextRetryIn: delay}
	gen := c.gen
	c.spawnLocked(func() { c.reconnectAfter(gen, delay) })
	c.mu.Unlock()

	logger.Info().
		Int("attempt", attempt).
		Int("maxAttempts", c.cfg.MaxReconnectAttempts).
		Dur("delay", delay).
		Str("endpoint", current.URL).
		Msg("scheduling reconnect")

	c.emit(model.StreamEvent{
		Type:     model.StreamReconnectAttempt,
		Endpoint: current.URL,
		Attempt:  attempt,
		Delay:    delay,
	})
	if c.cfg.Policy != nil {
		c.cfg.Policy.SetReconnecting(attempt, c.cfg.MaxReconnectAttempts)
	}
}

// reconnectAfter waits delay and retries the current endpoint unless the
// attempt was superseded by Connect, Disconnect or Close.
func (c *Client) reconnectAfter(gen uint64, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return
	case <-timer.C:
	}

	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ep, err := c.pool.Current()
	if err != nil {
		log.Error().Err(err).Str("component", "reconnect").Msg("no endpoint available for reconnection")
		return
	}
	// Errors are routed through handleConnectionError by connectTo.
	_ = c.connectTo(c.ctx, ep)
}

// failover binds the next eligible endpoint, resets the attempt counter and
// connects to it. With no eligible endpoint the client stays in the error
// state until Connect is called again.
func (c *Client) failover() {
	logger := log.With().
		Str("component", "failover").
		Logger()

	c.mu.Lock()
	from, _ := c.pool.Current()
	cooldown := policy.ExponentialDelay(c.cfg.BaseReconnectDelay, c.cfg.MaxReconnectDelay, c.attempts)
	to, err := c.pool.Failover(cooldown)
	if err != nil {
		c.mu.Unlock()
		logger.Error().Err(err).Str("from", from.URL).Msg("no available endpoints for failover")
		return
	}
	c.attempts = 0
	gen := c.gen
	started := c.spawnLocked(func() { c.failoverTo(gen, to) })
	c.mu.Unlock()

	if !started {
		return
	}
	logger.Warn().Str("from", from.URL).Str("to", to.URL).Msg("failing over to next endpoint")
	c.emit(model.StreamEvent{Type: model.StreamFailover, From: from.URL, To: to.URL, Endpoint: to.URL})
}

func (c *Client) failoverTo(gen uint64, ep endpoint.Endpoint) {
	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	_ = c.connectTo(c.ctx, ep)
}

// isRecoverable reports whether err should drive reconnection on the same
// endpoint.
func isRecoverable(err error) bool {
	if errors.Is(err, ErrAuthRejected) {
		return false
	}
	return policy.IsRecoverable(err)
}

// asPolicyError classifies a transport error for the policy handler.
func asPolicyError(err error, recoverable bool) error {
	if !recoverable {
		ne := policy.NewError(policy.KindAuthentication, err.Error())
		ne.Err = err
		return ne
	}
	return err
}
