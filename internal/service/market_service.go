package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketfeed/internal/cache"
	"marketfeed/internal/model"
	"marketfeed/internal/policy"
	"marketfeed/internal/utils"
	"marketfeed/internal/websocket"
)

// Coordinator is the subset of *cache.Coordinator the service exposes.
type Coordinator interface {
	GetCurrent(ctx context.Context, symbol string) (cache.Cached[model.Snapshot], error)
	GetHistory(ctx context.Context, symbol string, period model.Period, count int) (cache.Cached[[]model.Candle], error)
	GetOrderBook(ctx context.Context, symbol string) (cache.Cached[model.OrderBook], error)
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	Stats() cache.Stats
	Events() <-chan model.DataEvent
}

// SubscriptionManager distributes data events to Watch streams.
type SubscriptionManager interface {
	Subscribe(symbols []string, types []model.DataEventType) (*Subscriber, error)
	Unsubscribe(sub *Subscriber) error
	StartDispatching(ctx context.Context, ch <-chan model.DataEvent) error
	Len() int
}

// MarketDataService implements MarketDataServer on top of the cache
// coordinator. Unary calls read through the coordinator; Watch streams are
// fed by the dispatcher from the coordinator's event channel.
type MarketDataService struct {
	coordinator         Coordinator
	subscriptionManager SubscriptionManager
	started             atomic.Bool
	cancel              context.CancelFunc
}

var _ MarketDataServer = (*MarketDataService)(nil)

func NewMarketDataService(coordinator Coordinator, manager SubscriptionManager) *MarketDataService {
	return &MarketDataService{
		coordinator:         coordinator,
		subscriptionManager: manager,
	}
}

// Start begins dispatching coordinator events to Watch streams.
func (s *MarketDataService) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("market data service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.subscriptionManager.StartDispatching(ctx, s.coordinator.Events()); err != nil {
		cancel()
		s.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}
	s.cancel = cancel
	return nil
}

// Stop ends dispatching; open Watch streams return.
func (s *MarketDataService) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	log.Info().Str("component", "service").Msg("market data service stopped")
	return nil
}

func (s *MarketDataService) GetSnapshot(ctx context.Context, req *SymbolRequest) (*SnapshotReply, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	v, err := s.coordinator.GetCurrent(ctx, req.Symbol)
	if err != nil {
		return nil, toStatus(err)
	}
	reply := toSnapshotReply(v.Value)
	reply.Provenance = v.Provenance.String()
	reply.CapturedAt = v.CapturedAt
	return reply, nil
}

func (s *MarketDataService) GetHistory(ctx context.Context, req *HistoryRequest) (*HistoryReply, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	period, err := model.ParsePeriod(req.Period)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Count <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "count must be positive, got %d", req.Count)
	}

	v, err := s.coordinator.GetHistory(ctx, req.Symbol, period, req.Count)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryReply{
		Symbol:     utils.NormalizeSymbol(req.Symbol),
		Period:     string(period),
		Candles:    toCandles(v.Value),
		Provenance: v.Provenance.String(),
		CapturedAt: v.CapturedAt,
	}, nil
}

func (s *MarketDataService) GetOrderBook(ctx context.Context, req *SymbolRequest) (*OrderBookReply, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	v, err := s.coordinator.GetOrderBook(ctx, req.Symbol)
	if err != nil {
		return nil, toStatus(err)
	}
	reply := toOrderBookReply(v.Value)
	reply.Provenance = v.Provenance.String()
	reply.CapturedAt = v.CapturedAt
	return reply, nil
}

func (s *MarketDataService) Subscribe(_ context.Context, req *SymbolRequest) (*SubscribeReply, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if err := s.coordinator.Subscribe(req.Symbol); err != nil {
		return nil, toStatus(err)
	}
	return &SubscribeReply{Symbol: utils.NormalizeSymbol(req.Symbol), Subscribed: true}, nil
}

func (s *MarketDataService) Unsubscribe(_ context.Context, req *SymbolRequest) (*SubscribeReply, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if err := s.coordinator.Unsubscribe(req.Symbol); err != nil {
		return nil, toStatus(err)
	}
	return &SubscribeReply{Symbol: utils.NormalizeSymbol(req.Symbol), Subscribed: false}, nil
}

func (s *MarketDataService) Stats(context.Context, *StatsRequest) (*StatsReply, error) {
	st := s.coordinator.Stats()
	byProv := make(map[string]int, len(st.ByProvenance))
	for p, n := range st.ByProvenance {
		byProv[p.String()] = n
	}
	return &StatsReply{
		Snapshots:      st.Snapshots,
		OrderBooks:     st.OrderBooks,
		Series:         st.Series,
		Candles:        st.Candles,
		ByProvenance:   byProv,
		TotalAccess:    st.TotalAccess,
		Subscribed:     st.Subscribed,
		SourceName:     st.SourceName,
		StreamAttached: st.StreamAttached,
		Watchers:       s.subscriptionManager.Len(),
	}, nil
}

// Watch streams data events for the requested symbols until the client
// disconnects or the service stops.
func (s *MarketDataService) Watch(req *WatchRequest, stream WatchServer) error {
	if !s.started.Load() {
		return status.Error(codes.Unavailable, "market data service not started")
	}
	if req == nil {
		return status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if len(req.Symbols) == 0 {
		return status.Error(codes.InvalidArgument, "no symbols provided")
	}

	types := make([]model.DataEventType, 0, len(req.Types))
	for _, name := range req.Types {
		t, err := model.ParseDataEventType(name)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		types = append(types, t)
	}

	sub, err := s.subscriptionManager.Subscribe(req.Symbols, types)
	if err != nil {
		return toStatus(err)
	}
	defer func() {
		if err := s.subscriptionManager.Unsubscribe(sub); err != nil {
			log.Error().Err(err).Strs("symbols", req.Symbols).Msg("failed to unsubscribe watcher")
		}
	}()

	logger := log.With().Str("component", "service").Str("watcher", sub.ID()).Strs("symbols", req.Symbols).Logger()
	logger.Info().Msg("new watch stream")

	for {
		select {
		case <-stream.Context().Done():
			logger.Info().Msg("client disconnected")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				logger.Info().Msg("watch channel closed")
				return nil
			}
			if err := stream.Send(toEvent(ev)); err != nil {
				logger.Error().Err(err).Msg("failed to send event to client")
				return fmt.Errorf("failed to send event: %w", err)
			}
		}
	}
}

// toStatus maps coordinator errors onto gRPC status codes.
func toStatus(err error) error {
	var opErr *cache.OperationError
	switch {
	case errors.Is(err, utils.ErrInvalidSymbol), errors.Is(err, utils.ErrNoSymbols), errors.Is(err, utils.ErrTooManySymbols):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, cache.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, cache.ErrHistoryUnavailable):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, cache.ErrNotInitialized):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, cache.ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, policy.ErrRateLimited), errors.Is(err, websocket.ErrTooManySubscriptions):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, cache.ErrClosed), errors.Is(err, websocket.ErrClientShuttingDown), errors.As(err, &opErr):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func nullString(d interface{ String() string }, valid bool) string {
	if !valid {
		return ""
	}
	return d.String()
}

func toSnapshotReply(s model.Snapshot) *SnapshotReply {
	return &SnapshotReply{
		Symbol:        s.Symbol,
		Price:         s.Price.String(),
		Change:        s.Change.String(),
		ChangePercent: s.ChangePercent.StringFixed(2),
		Volume:        s.Volume.String(),
		PreviousClose: s.PreviousClose.String(),
		DayHigh:       s.DayHigh.String(),
		DayLow:        s.DayLow.String(),
		Bid:           nullString(s.Bid.Decimal, s.Bid.Valid),
		Ask:           nullString(s.Ask.Decimal, s.Ask.Valid),
		MarketStatus:  string(s.MarketStatus),
		Timestamp:     s.Timestamp,
	}
}

func toCandles(in []model.Candle) []Candle {
	out := make([]Candle, len(in))
	for i, c := range in {
		out[i] = Candle{
			Open:           c.Open.String(),
			High:           c.High.String(),
			Low:            c.Low.String(),
			Close:          c.Close.String(),
			Volume:         c.Volume.String(),
			StartTimestamp: c.StartTime.UnixMilli(),
			EndTimestamp:   c.EndTime.UnixMilli(),
		}
	}
	return out
}

func toLevels(in []model.PriceLevel) []Level {
	out := make([]Level, len(in))
	for i, l := range in {
		out[i] = Level{Price: l.Price.String(), Size: l.Size.String(), Orders: l.Orders}
	}
	return out
}

func toOrderBookReply(b model.OrderBook) *OrderBookReply {
	return &OrderBookReply{
		Symbol:        b.Symbol,
		Bids:          toLevels(b.Bids),
		Asks:          toLevels(b.Asks),
		Spread:        b.Spread.String(),
		SpreadPercent: b.SpreadPercent.StringFixed(4),
		Mid:           b.Mid.String(),
		Sequence:      b.Sequence,
		Timestamp:     b.Timestamp,
	}
}

func toEvent(ev model.DataEvent) *Event {
	out := &Event{
		Type:    ev.Type.String(),
		Symbol:  ev.Symbol,
		Period:  string(ev.Period),
		Status:  ev.Status,
		Message: ev.Message,
		At:      ev.At,
	}
	if out.At.IsZero() {
		out.At = time.Now()
	}
	switch ev.Type {
	case model.DataMarketData, model.DataHistory, model.DataOrderBook, model.DataTrade:
		out.Provenance = ev.Provenance.String()
	}
	if ev.Snapshot != nil {
		out.Snapshot = toSnapshotReply(*ev.Snapshot)
	}
	if len(ev.Candles) > 0 {
		out.Candles = toCandles(ev.Candles)
	}
	if ev.Book != nil {
		out.Book = toOrderBookReply(*ev.Book)
	}
	if ev.Trade != nil {
		out.Trade = &Trade{
			ID:        ev.Trade.ID,
			Price:     ev.Trade.Price.String(),
			Size:      ev.Trade.Size.String(),
			Side:      string(ev.Trade.Side),
			Venue:     ev.Trade.Venue,
			Timestamp: ev.Trade.Timestamp,
		}
	}
	return out
}
