package source

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/model"
)

const (
	defaultSimulatorHistory = 5000
	defaultSimulatorDepth   = 10
)

var (
	tick     = decimal.New(1, -2) // 0.01
	minPrice = decimal.NewFromInt(1)
)

// walk is the random-walk state of one simulated instrument.
type walk struct {
	price  decimal.Decimal
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	volume decimal.Decimal
}

// Simulator generates market data by a per-symbol random walk. Every value
// it returns satisfies the model invariants. The same seed and clock yield
// the same sequence of values.
type Simulator struct {
	mu         sync.Mutex
	rng        *rand.Rand
	now        func() time.Time
	universe   map[string]struct{}
	walks      map[string]*walk
	maxHistory int
	depth      int
}

// SimulatorOption customises the simulator.
type SimulatorOption func(*Simulator)

// WithSeed fixes the random seed.
func WithSeed(seed uint64) SimulatorOption {
	return func(s *Simulator) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithSimulatorClock overrides the time source.
func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

// WithUniverse restricts the simulator to the given symbols; any other symbol
// yields ErrNotFound.
func WithUniverse(symbols ...string) SimulatorOption {
	return func(s *Simulator) {
		s.universe = make(map[string]struct{}, len(symbols))
		for _, sym := range symbols {
			s.universe[sym] = struct{}{}
		}
	}
}

// WithMaxHistory bounds the number of candles History can return.
func WithMaxHistory(n int) SimulatorOption {
	return func(s *Simulator) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// NewSimulator returns a simulator seeded from the current time unless WithSeed is given.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		now:        time.Now,
		walks:      make(map[string]*walk),
		maxHistory: defaultSimulatorHistory,
		depth:      defaultSimulatorDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func init() {
	Register("simulator", func(cfg Config) (Source, error) {
		opts := []SimulatorOption{}
		if cfg.Seed != 0 {
			opts = append(opts, WithSeed(cfg.Seed))
		}
		return NewSimulator(opts...), nil
	})
}

func (s *Simulator) Name() string { return "simulator" }

func (s *Simulator) Provenance() model.Provenance { return model.ProvenanceSimulated }

func (s *Simulator) MaxHistory() int { return s.maxHistory }

// Snapshot advances the walk of symbol by one step and returns the result.
func (s *Simulator) Snapshot(ctx context.Context, symbol string) (model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.walkLocked(symbol)
	if err != nil {
		return model.Snapshot{}, err
	}
	s.stepLocked(w)

	spread := decimal.Max(tick, w.price.Mul(decimal.New(5, -4)).Round(2))
	q := model.Quote{
		Symbol:    symbol,
		Bid:       w.price.Sub(spread),
		Ask:       w.price.Add(spread),
		BidSize:   decimal.NewFromInt(int64(s.rng.IntN(500) + 1)),
		AskSize:   decimal.NewFromInt(int64(s.rng.IntN(500) + 1)),
		Last:      w.price,
		LastSize:  decimal.NewFromInt(int64(s.rng.IntN(100) + 1)),
		High:      w.high,
		Low:       w.low,
		Open:      w.open,
		Volume:    w.volume,
		Timestamp: s.now(),
	}
	return model.SnapshotFromQuote(q), nil
}

// History generates count candles ending at the current period boundary,
// oldest first.
func (s *Simulator) History(ctx context.Context, symbol string, period model.Period, count int) ([]model.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}
	if count > s.maxHistory {
		return nil, fmt.Errorf("%w: %d candles requested, at most %d", ErrHistoryUnavailable, count, s.maxHistory)
	}
	d := period.Duration()
	if d == 0 {
		return nil, fmt.Errorf("unsupported period %q", period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.walkLocked(symbol)
	if err != nil {
		return nil, err
	}

	start := s.now().Truncate(d).Add(-time.Duration(count) * d)
	price := w.price
	out := make([]model.Candle, 0, count)
	for i := 0; i < count; i++ {
		open := price
		closePrice := s.move(open)
		wick := decimal.NewFromFloat(1 + s.rng.Float64()*0.005)
		high := decimal.Max(open, closePrice).Mul(wick).Round(2)
		low := decimal.Max(tick, decimal.Min(open, closePrice).Div(wick).Round(2))
		out = append(out, model.Candle{
			Symbol:    symbol,
			Period:    period,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    decimal.NewFromInt(int64(s.rng.IntN(10000) + 100)),
			StartTime: start.Add(time.Duration(i) * d),
			EndTime:   start.Add(time.Duration(i+1) * d),
		})
		price = closePrice
	}
	return out, nil
}

// OrderBook returns a book of depth levels per side around the current price.
func (s *Simulator) OrderBook(ctx context.Context, symbol string) (model.OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderBook{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.walkLocked(symbol)
	if err != nil {
		return model.OrderBook{}, err
	}

	ob := model.OrderBook{Symbol: symbol, Timestamp: s.now()}
	bestBid := w.price.Sub(tick)
	bestAsk := w.price.Add(tick)
	for i := 0; i < s.depth; i++ {
		step := tick.Mul(decimal.NewFromInt(int64(i)))
		ob.Bids = append(ob.Bids, model.PriceLevel{
			Price:  bestBid.Sub(step),
			Size:   decimal.NewFromInt(int64(s.rng.IntN(500) + 1)),
			Orders: s.rng.IntN(10) + 1,
		})
		ob.Asks = append(ob.Asks, model.PriceLevel{
			Price:  bestAsk.Add(step),
			Size:   decimal.NewFromInt(int64(s.rng.IntN(500) + 1)),
			Orders: s.rng.IntN(10) + 1,
		})
	}
	ob.Recalculate()
	return ob, nil
}

func (s *Simulator) walkLocked(symbol string) (*walk, error) {
	if s.universe != nil {
		if _, ok := s.universe[symbol]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
		}
	}
	w, ok := s.walks[symbol]
	if !ok {
		p := basePrice(symbol)
		w = &walk{price: p, open: p, high: p, low: p, volume: decimal.Zero}
		s.walks[symbol] = w
	}
	return w, nil
}

func (s *Simulator) stepLocked(w *walk) {
	w.price = s.move(w.price)
	w.high = decimal.Max(w.high, w.price)
	w.low = decimal.Min(w.low, w.price)
	w.volume = w.volume.Add(decimal.NewFromInt(int64(s.rng.IntN(1000) + 1)))
}

// move applies a step of at most 1% in either direction.
func (s *Simulator) move(p decimal.Decimal) decimal.Decimal {
	pct := (s.rng.Float64() - 0.5) * 0.02
	next := p.Mul(decimal.NewFromFloat(1 + pct)).Round(2)
	return decimal.Max(minPrice, next)
}

// basePrice derives a stable starting price in [20, 520) from the symbol.
func basePrice(symbol string) decimal.Decimal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	cents := int64(h.Sum32()%50000) + 2000
	return decimal.New(cents, -2)
}
