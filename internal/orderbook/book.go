// Package orderbook merges order-book snapshots and deltas into a bounded,
// sorted book per instrument.
//
// Each side is a B-tree keyed by price, so merging a delta is a set or delete
// per level instead of a full re-sort. After every merge both sides are
// truncated to the configured depth and the spread and mid price are
// recomputed.
package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/btree"

	"marketfeed/internal/model"
)

// DefaultDepth is the number of levels kept per side.
const DefaultDepth = 20

var (
	// ErrSymbolMismatch is returned when an update targets another instrument.
	ErrSymbolMismatch = errors.New("order book symbol mismatch")

	// ErrCrossedBook is returned when a merge would leave best bid >= best ask.
	// The book is left unchanged.
	ErrCrossedBook = errors.New("merge would cross the book")

	// ErrInvalidLevel is returned for a level with a non-positive price or a negative size.
	ErrInvalidLevel = errors.New("invalid price level")
)

// Book is the merged order book of one instrument. It is not safe for
// concurrent use; the cache coordinator serializes access.
type Book struct {
	symbol    string
	depth     int
	bids      *btree.BTreeG[model.PriceLevel] // highest price first
	asks      *btree.BTreeG[model.PriceLevel] // lowest price first
	sequence  uint64
	timestamp time.Time
}

func bidLess(a, b model.PriceLevel) bool { return a.Price.GreaterThan(b.Price) }
func askLess(a, b model.PriceLevel) bool { return a.Price.LessThan(b.Price) }

// New returns an empty book. A depth <= 0 means DefaultDepth.
func New(symbol string, depth int) *Book {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Book{
		symbol: symbol,
		depth:  depth,
		bids:   btree.NewBTreeG(bidLess),
		asks:   btree.NewBTreeG(askLess),
	}
}

// FromUpdate builds a book from its first update.
func FromUpdate(u model.OrderBookUpdate, depth int) (*Book, error) {
	b := New(u.Symbol, depth)
	if err := b.Apply(u); err != nil {
		return nil, err
	}
	return b, nil
}

// Symbol returns the instrument of the book.
func (b *Book) Symbol() string { return b.symbol }

// Sequence returns the sequence number of the last applied update.
func (b *Book) Sequence() uint64 { return b.sequence }

// Apply merges u into the book. A snapshot replaces both sides; a delta sets
// each level by price and removes levels whose size is zero. A merge that
// would cross the book is rejected and leaves the book untouched.
func (b *Book) Apply(u model.OrderBookUpdate) error {
	if u.Symbol != b.symbol {
		return fmt.Errorf("%w: book %s, update %s", ErrSymbolMismatch, b.symbol, u.Symbol)
	}

	var bids, asks *btree.BTreeG[model.PriceLevel]
	if u.IsSnapshot {
		bids, asks = btree.NewBTreeG(bidLess), btree.NewBTreeG(askLess)
	} else {
		bids, asks = b.bids.Copy(), b.asks.Copy()
	}
	if err := merge(bids, u.Bids); err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	if err := merge(asks, u.Asks); err != nil {
		return fmt.Errorf("asks: %w", err)
	}
	truncate(bids, b.depth)
	truncate(asks, b.depth)

	if bestBid, ok := bids.Min(); ok {
		if bestAsk, ok := asks.Min(); ok && bestBid.Price.GreaterThanOrEqual(bestAsk.Price) {
			return fmt.Errorf("%w: bid %s >= ask %s", ErrCrossedBook, bestBid.Price, bestAsk.Price)
		}
	}

	b.bids, b.asks = bids, asks
	if u.Sequence > b.sequence || u.IsSnapshot {
		b.sequence = u.Sequence
	}
	if !u.Timestamp.IsZero() {
		b.timestamp = u.Timestamp
	}
	return nil
}

func merge(side *btree.BTreeG[model.PriceLevel], levels []model.PriceLevel) error {
	for _, l := range levels {
		if !l.Price.IsPositive() || l.Size.IsNegative() {
			return fmt.Errorf("%w: price %s size %s", ErrInvalidLevel, l.Price, l.Size)
		}
		if l.Size.IsZero() {
			side.Delete(l)
			continue
		}
		side.Set(l)
	}
	return nil
}

// truncate drops the worst levels beyond depth.
func truncate(side *btree.BTreeG[model.PriceLevel], depth int) {
	for side.Len() > depth {
		side.PopMax()
	}
}

// Snapshot returns the merged book with spread and mid price computed.
func (b *Book) Snapshot() model.OrderBook {
	ob := model.OrderBook{
		Symbol:    b.symbol,
		Bids:      levels(b.bids),
		Asks:      levels(b.asks),
		Sequence:  b.sequence,
		Timestamp: b.timestamp,
	}
	ob.Recalculate()
	return ob
}

func levels(side *btree.BTreeG[model.PriceLevel]) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, side.Len())
	side.Scan(func(l model.PriceLevel) bool {
		out = append(out, l)
		return true
	})
	return out
}

// Depth returns the number of levels on each side.
func (b *Book) Depth() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}
