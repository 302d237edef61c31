package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"marketfeed/internal/model"
	"marketfeed/internal/wire"
)

// session is one live connection and the goroutines serving it.
type session struct {
	conn   *websocket.Conn
	url    string
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// enqueue hands a frame to the writer without blocking.
func (s *session) enqueue(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// installHandlers routes control frames to health tracking. c.mu must be held.
func (c *Client) installHandlers(s *session) {
	s.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		if c.session == s {
			c.health.RecordPong(c.now())
		}
		c.mu.Unlock()
		return nil
	})
	s.conn.SetPingHandler(func(data string) error {
		c.mu.Lock()
		if c.session == s {
			c.health.RecordReceived(c.now())
		}
		c.mu.Unlock()

		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.SendTimeout))
		if err == nil || errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
}

// readLoop continuously reads frames from the connection and feeds them to
// the processing pipeline. Any read failure ends the session.
func (c *Client) readLoop(s *session) {
	logger := log.With().
		Str("endpoint", s.url).
		Str("component", "readLoop").
		Logger()

	logger.Info().Msg("starting read loop")
	defer logger.Info().Msg("read loop exiting")

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Err(err).Msg("websocket closed by server")
				err = fmt.Errorf("connection closed by server: %w", err)
			} else if websocket.IsUnexpectedCloseError(err) {
				logger.Warn().Err(err).Msg("unexpected websocket closure")
				err = fmt.Errorf("connection closed unexpectedly: %w", err)
			} else {
				logger.Error().Err(err).Msg("read error")
				err = fmt.Errorf("connection read failed: %w", err)
			}
			c.failSession(s, err)
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		logger.Debug().
			Int("messageType", messageType).
			Int("bytes", len(data)).
			Msg("received message")

		c.processFrame(s, data)
	}
}

// writeLoop is the only goroutine writing data frames to the socket.
func (c *Client) writeLoop(s *session) {
	logger := log.With().
		Str("endpoint", s.url).
		Str("component", "writeLoop").
		Logger()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.out:
			if err := s.conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
				logger.Warn().Err(err).Msg("failed to set write deadline")
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				logger.Error().Err(err).Msg("write error")
				c.failSession(s, fmt.Errorf("connection write failed: %w", err))
				return
			}
			c.mu.Lock()
			if c.session == s {
				c.health.RecordSent(c.now())
			}
			c.mu.Unlock()
		}
	}
}

// heartbeatLoop sends a ping on every tick: a protocol ping control frame
// plus an application Heartbeat frame.
func (c *Client) heartbeatLoop(s *session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", s.url).
		Str("component", "heartbeatLoop").
		Logger()

	logger.Info().Dur("period", c.cfg.HeartbeatInterval).Msg("starting heartbeat loop")
	defer logger.Info().Msg("heartbeat loop exiting")

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			if c.session == s {
				c.health.RecordPing(now)
			}
			c.mu.Unlock()

			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.SendTimeout)); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}

			frame, err := wire.EncodeHeartbeat(now)
			if err != nil {
				logger.Error().Err(err).Msg("failed to encode heartbeat")
				continue
			}
			if !s.enqueue(frame) {
				logger.Warn().Msg("outbound queue full, heartbeat dropped")
			}
		}
	}
}

// healthLoop treats silence longer than the liveness timeout like a socket
// failure. It also prunes expired deduplication keys.
func (c *Client) healthLoop(s *session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", s.url).
		Str("component", "healthLoop").
		Logger()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			if c.session != s {
				c.mu.Unlock()
				return
			}
			healthy := c.health.Healthy(now, c.cfg.HeartbeatTimeout)
			c.mu.Unlock()

			if !healthy {
				logger.Warn().Dur("timeout", c.cfg.HeartbeatTimeout).Msg("health check failed")
				c.emit(model.StreamEvent{Type: model.StreamHealthCheckFailed, Endpoint: s.url})
				c.failSession(s, ErrHealthCheckFailed)
				return
			}
			c.pruneDedup(now)
		}
	}
}

// failSession tears the session down and hands err to the reconnection
// state machine. Only the first failure of a session is reported.
func (c *Client) failSession(s *session, err error) {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		c.handleConnectionError(err, s)
	})
}

// closeSession shuts the session down with a normal close frame and without
// triggering reconnection.
func (c *Client) closeSession(s *session) {
	s.once.Do(func() {
		s.cancel()
		if err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); err != nil {
			log.Warn().Err(err).Str("endpoint", s.url).Msg("failed to send close frame")
		}
		if err := s.conn.Close(); err != nil {
			log.Warn().Err(err).Str("endpoint", s.url).Msg("error closing websocket connection")
		}
	})
}
