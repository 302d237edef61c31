// Package source provides one-shot fetch sources the cache coordinator falls
// back to when the live stream has no data for an instrument: a seedable
// market simulator and a REST client. Sources are built by kind through a
// registry.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketfeed/internal/model"
)

var (
	// ErrNotFound is returned when a source has no data for a symbol.
	ErrNotFound = errors.New("no data for symbol")

	// ErrHistoryUnavailable is returned when more history is requested than
	// the source can provide.
	ErrHistoryUnavailable = errors.New("requested history exceeds what the source can provide")
)

// Source is a backing store queried on cache misses.
type Source interface {
	Name() string
	Provenance() model.Provenance
	Snapshot(ctx context.Context, symbol string) (model.Snapshot, error)
	History(ctx context.Context, symbol string, period model.Period, count int) ([]model.Candle, error)
	OrderBook(ctx context.Context, symbol string) (model.OrderBook, error)
	MaxHistory() int
}

// Config selects and configures a source.
type Config struct {
	Kind              string        `mapstructure:"kind" validate:"oneof=simulator http none"`
	BaseURL           string        `mapstructure:"base_url" validate:"required_if=Kind http,omitempty,url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Seed              uint64        `mapstructure:"seed"`
}

// Builder constructs a Source from configuration.
type Builder func(cfg Config) (Source, error)

var (
	registry   = make(map[string]Builder)
	registryMu sync.RWMutex
)

// Register registers a source constructor under kind.
func Register(kind string, builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[normalizeKind(kind)] = builder
}

func lookup(kind string) (Builder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[normalizeKind(kind)]
	return b, ok
}

// Build constructs the source selected by cfg.Kind. Kind "none" (or empty)
// yields a nil Source and no error.
func Build(cfg Config) (Source, error) {
	kind := normalizeKind(cfg.Kind)
	if kind == "" || kind == "none" {
		return nil, nil
	}
	builder, ok := lookup(kind)
	if !ok {
		return nil, fmt.Errorf("source: unsupported kind %q", cfg.Kind)
	}
	s, err := builder(cfg)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", kind, err)
	}
	return s, nil
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
