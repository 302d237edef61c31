// Package service exposes the cache coordinator over gRPC.
//
// The dispatcher fans out the coordinator's data events to every Watch
// stream, filtering by symbol and event type, and handles slow clients by
// dropping their oldest buffered event.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"marketfeed/internal/metrics"
	"marketfeed/internal/model"
	"marketfeed/internal/utils"
)

const (
	defaultSubscriberBuffer = 100
	controlBuffer           = 10
)

var (
	ErrDispatcherNotStarted     = errors.New("dispatcher not started")
	ErrDispatcherAlreadyStarted = errors.New("dispatcher already started")
	ErrDispatcherBusy           = errors.New("dispatcher control channel is full")
)

// Subscriber is one Watch stream's view of the event flow.
//
// Events without a symbol (cleanup, connection status, source changes) are
// delivered to every subscriber whose type filter admits them.
type Subscriber struct {
	id      string
	ch      chan model.DataEvent
	symbols map[string]struct{}
	types   map[model.DataEventType]struct{} // empty admits every type
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string { return s.id }

// Events delivers matching events. It is closed when the subscriber is
// removed or the dispatcher stops.
func (s *Subscriber) Events() <-chan model.DataEvent { return s.ch }

func (s *Subscriber) wants(ev model.DataEvent) bool {
	if len(s.types) > 0 {
		if _, ok := s.types[ev.Type]; !ok {
			return false
		}
	}
	if ev.Symbol == "" {
		return true
	}
	_, ok := s.symbols[ev.Symbol]
	return ok
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSymbolsAllowed int // per subscriber
	SubscriberBuffer  int
	Metrics           *metrics.Metrics
}

// Dispatcher distributes data events to subscribers.
//
// A single goroutine owns the subscriber map; subscription changes reach it
// in order through one control channel, so no mutex guards the map.
type Dispatcher struct {
	cfg         DispatcherConfig
	subscribers map[string]*Subscriber // owned by the dispatch goroutine
	controlCh   chan control
	started     atomic.Bool
	count       atomic.Int64
}

type control struct {
	sub    *Subscriber
	remove bool
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Dispatcher{
		cfg:         cfg,
		subscribers: make(map[string]*Subscriber),
		controlCh:   make(chan control, controlBuffer),
	}
}

// Subscribe registers a subscriber for symbols. types narrows the delivered
// event types; nil admits all of them.
func (b *Dispatcher) Subscribe(symbols []string, types []model.DataEventType) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, ErrDispatcherNotStarted
	}

	normalized, err := utils.NormalizeSymbols(symbols, b.cfg.MaxSymbolsAllowed)
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		id:      uuid.NewString(),
		ch:      make(chan model.DataEvent, b.cfg.SubscriberBuffer),
		symbols: make(map[string]struct{}, len(normalized)),
		types:   make(map[model.DataEventType]struct{}, len(types)),
	}
	for _, s := range normalized {
		sub.symbols[s] = struct{}{}
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	select {
	case b.controlCh <- control{sub: sub}:
	default:
		return nil, fmt.Errorf("subscribe: %w", ErrDispatcherBusy)
	}
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case b.controlCh <- control{sub: sub, remove: true}:
		return nil
	default:
		return fmt.Errorf("unsubscribe: %w", ErrDispatcherBusy)
	}
}

// Len reports the number of registered subscribers.
func (b *Dispatcher) Len() int { return int(b.count.Load()) }

func (b *Dispatcher) subscribe(sub *Subscriber) {
	b.subscribers[sub.id] = sub
	b.count.Store(int64(len(b.subscribers)))
}

func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
		b.count.Store(int64(len(b.subscribers)))
	}
}

// StartDispatching starts the goroutine that owns the subscribers and
// distributes events read from ch. It stops when ctx is cancelled or ch is
// closed, closing every subscriber channel.
func (b *Dispatcher) StartDispatching(ctx context.Context, ch <-chan model.DataEvent) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrDispatcherAlreadyStarted
	}

	go func() {
		defer func() {
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[string]*Subscriber)
			b.count.Store(0)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Str("component", "dispatcher").Msg("dispatcher stopped")
				return
			case c := <-b.controlCh:
				if c.remove {
					b.unsubscribe(c.sub)
				} else {
					b.subscribe(c.sub)
				}
			case ev, ok := <-ch:
				if !ok {
					log.Info().Str("component", "dispatcher").Msg("event source closed, dispatcher stopped")
					return
				}
				b.dispatch(ev)
			}
		}
	}()
	return nil
}

// dispatch runs on the dispatch goroutine. A subscriber whose buffer is full
// loses its oldest event so the newest is always delivered.
func (b *Dispatcher) dispatch(ev model.DataEvent) {
	for _, sub := range b.subscribers {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		log.Debug().Str("component", "dispatcher").Str("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest buffered event")
		b.cfg.Metrics.Dropped("dispatcher")
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
