package cache

import (
	"time"

	"marketfeed/internal/model"
)

const (
	tierSnapshot  = "snapshot"
	tierHistory   = "history"
	tierOrderBook = "order_book"
)

// entry is one cached value with its bookkeeping.
type entry[T any] struct {
	value       T
	capturedAt  time.Time
	provenance  model.Provenance
	accessCount uint64
	lastAccess  time.Time
}

func newEntry[T any](v T, prov model.Provenance, now time.Time) *entry[T] {
	return &entry[T]{value: v, capturedAt: now, provenance: prov, lastAccess: now}
}

// replace refreshes the value in place, keeping access statistics.
func (e *entry[T]) replace(v T, prov model.Provenance, now time.Time) {
	e.value = v
	e.capturedAt = now
	e.provenance = prov
}

func (e *entry[T]) fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.capturedAt) < ttl
}

func (e *entry[T]) touch(now time.Time) {
	e.accessCount++
	e.lastAccess = now
}

// tail returns a copy of the last n candles of series, oldest first.
func tail(series []model.Candle, n int) []model.Candle {
	if n > len(series) {
		n = len(series)
	}
	return append([]model.Candle(nil), series[len(series)-n:]...)
}
