package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"marketfeed/internal/model"
)

// CleanupReport summarises one sweep.
type CleanupReport struct {
	Snapshots  int // expired snapshot entries removed
	OrderBooks int
	Series     int
	Evicted    int // snapshot entries removed to honour MaxEntries
	Trimmed    int // candles dropped from over-long series
	Flushed    int // candles closed by the sweep
}

// Removed is the number of entries the sweep deleted.
func (r CleanupReport) Removed() int {
	return r.Snapshots + r.OrderBooks + r.Series + r.Evicted
}

// Stats is a read-only view of the cache.
type Stats struct {
	Snapshots      int
	OrderBooks     int
	Series         int
	Candles        int
	ByProvenance   map[model.Provenance]int
	TotalAccess    uint64
	Subscribed     int
	SourceName     string
	StreamAttached bool
}

// Cleanup evicts entries older than RetentionMultiple times their tier TTL,
// evicts least recently accessed snapshots beyond MaxEntries, trims every
// series to MaxHistoryLen and moves candles whose period ended into the
// history tier.
func (c *Coordinator) Cleanup(now time.Time) CleanupReport {
	var r CleanupReport

	flushed := c.agg.Flush(now)
	r.Flushed = len(flushed)
	c.appendCandles(flushed)

	k := time.Duration(c.cfg.RetentionMultiple)
	c.mu.Lock()
	for sym, e := range c.snapshots {
		if now.Sub(e.capturedAt) > k*c.cfg.SnapshotTTL {
			delete(c.snapshots, sym)
			r.Snapshots++
		}
	}
	for sym, e := range c.books {
		if now.Sub(e.capturedAt) > k*c.cfg.OrderBookTTL {
			delete(c.books, sym)
			r.OrderBooks++
		}
	}
	for key, e := range c.history {
		if now.Sub(e.capturedAt) > k*c.cfg.HistoryTTL {
			delete(c.history, key)
			r.Series++
			continue
		}
		if over := len(e.value) - c.cfg.MaxHistoryLen; over > 0 {
			e.value = trimSeries(e.value, c.cfg.MaxHistoryLen)
			r.Trimmed += over
		}
	}
	r.Evicted = c.evictLRULocked()

	snapshots, books, series := len(c.snapshots), len(c.books), len(c.history)
	c.mu.Unlock()

	c.metrics.Evicted(r.Removed())
	c.metrics.SetCacheEntries(tierSnapshot, snapshots)
	c.metrics.SetCacheEntries(tierOrderBook, books)
	c.metrics.SetCacheEntries(tierHistory, series)

	log.Debug().
		Str("component", "cache").
		Int("expiredSnapshots", r.Snapshots).
		Int("expiredBooks", r.OrderBooks).
		Int("expiredSeries", r.Series).
		Int("evicted", r.Evicted).
		Int("trimmed", r.Trimmed).
		Int("flushed", r.Flushed).
		Msg("cache cleanup completed")

	c.emit(model.DataEvent{
		Type:    model.DataCacheCleanup,
		Message: fmt.Sprintf("removed %d entries", r.Removed()),
		At:      now,
	})
	return r
}

// evictLRULocked removes the least recently accessed snapshots until at most
// MaxEntries remain. c.mu must be held.
func (c *Coordinator) evictLRULocked() int {
	over := len(c.snapshots) - c.cfg.MaxEntries
	if over <= 0 {
		return 0
	}
	type candidate struct {
		symbol     string
		lastAccess time.Time
	}
	all := make([]candidate, 0, len(c.snapshots))
	for sym, e := range c.snapshots {
		all = append(all, candidate{symbol: sym, lastAccess: e.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].lastAccess.Equal(all[j].lastAccess) {
			return all[i].symbol < all[j].symbol
		}
		return all[i].lastAccess.Before(all[j].lastAccess)
	})
	for _, cand := range all[:over] {
		delete(c.snapshots, cand.symbol)
	}
	return over
}

// Stats returns entry counts per tier, per-provenance counts across tiers
// and the total number of cache hits served.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Snapshots:      len(c.snapshots),
		OrderBooks:     len(c.books),
		Series:         len(c.history),
		ByProvenance:   make(map[model.Provenance]int),
		TotalAccess:    c.totalAccess,
		Subscribed:     len(c.subscribed),
		SourceName:     "none",
		StreamAttached: c.streamer != nil,
	}
	if c.source != nil {
		s.SourceName = c.source.Name()
	}
	for _, e := range c.snapshots {
		s.ByProvenance[e.provenance]++
	}
	for _, e := range c.books {
		s.ByProvenance[e.provenance]++
	}
	for _, e := range c.history {
		s.ByProvenance[e.provenance]++
		s.Candles += len(e.value)
	}
	return s
}

func (c *Coordinator) cleanupLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup(c.now())
		}
	}
}

func (c *Coordinator) refreshLoop() {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(c.ctx)
		}
	}
}

// Refresh re-fetches from the fallback source the snapshot of every
// subscribed symbol whose entry is missing or expired. It returns the number
// of snapshots refreshed.
func (c *Coordinator) Refresh(ctx context.Context) int {
	now := c.now()
	c.mu.Lock()
	src := c.source
	var stale []string
	for sym := range c.subscribed {
		if e, ok := c.snapshots[sym]; !ok || !e.fresh(now, c.cfg.SnapshotTTL) {
			stale = append(stale, sym)
		}
	}
	c.mu.Unlock()

	if src == nil || len(stale) == 0 {
		return 0
	}
	sort.Strings(stale)

	refreshed := 0
	for _, sym := range stale {
		if ctx.Err() != nil {
			break
		}
		v, err := c.fetchSnapshot(ctx, src, sym)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("component", "cache").Str("symbol", sym).Msg("snapshot refresh failed")
			c.emit(model.DataEvent{Type: model.DataError, Symbol: sym, Message: err.Error()})
		case v.Provenance == model.ProvenanceCache:
			// source failed, the stale entry was kept
		default:
			refreshed++
		}
	}
	c.emit(model.DataEvent{
		Type:    model.DataRefreshCompleted,
		Message: fmt.Sprintf("refreshed %d of %d stale snapshots", refreshed, len(stale)),
	})
	return refreshed
}
