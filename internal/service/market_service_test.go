package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"marketfeed/internal/cache"
	"marketfeed/internal/model"
	"marketfeed/internal/policy"
	"marketfeed/internal/source"
	"marketfeed/internal/utils"
	"marketfeed/internal/websocket"
)

var d = decimal.RequireFromString

// MockCoordinator stands in for the cache coordinator.
type MockCoordinator struct {
	mock.Mock
	events chan model.DataEvent
}

func NewMockCoordinator() *MockCoordinator {
	return &MockCoordinator{events: make(chan model.DataEvent, 10)}
}

func (m *MockCoordinator) GetCurrent(ctx context.Context, symbol string) (cache.Cached[model.Snapshot], error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(cache.Cached[model.Snapshot]), args.Error(1)
}

func (m *MockCoordinator) GetHistory(ctx context.Context, symbol string, period model.Period, count int) (cache.Cached[[]model.Candle], error) {
	args := m.Called(ctx, symbol, period, count)
	return args.Get(0).(cache.Cached[[]model.Candle]), args.Error(1)
}

func (m *MockCoordinator) GetOrderBook(ctx context.Context, symbol string) (cache.Cached[model.OrderBook], error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(cache.Cached[model.OrderBook]), args.Error(1)
}

func (m *MockCoordinator) Subscribe(symbol string) error { return m.Called(symbol).Error(0) }

func (m *MockCoordinator) Unsubscribe(symbol string) error { return m.Called(symbol).Error(0) }

func (m *MockCoordinator) Stats() cache.Stats { return m.Called().Get(0).(cache.Stats) }

func (m *MockCoordinator) Events() <-chan model.DataEvent { return m.events }

// MockSubscriptionManager stands in for the dispatcher.
type MockSubscriptionManager struct {
	mock.Mock
}

func (m *MockSubscriptionManager) Subscribe(symbols []string, types []model.DataEventType) (*Subscriber, error) {
	args := m.Called(symbols, types)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Subscriber), args.Error(1)
}

func (m *MockSubscriptionManager) Unsubscribe(sub *Subscriber) error { return m.Called(sub).Error(0) }

func (m *MockSubscriptionManager) StartDispatching(ctx context.Context, ch <-chan model.DataEvent) error {
	return m.Called(ctx, ch).Error(0)
}

func (m *MockSubscriptionManager) Len() int { return m.Called().Int(0) }

// MockWatchServer captures events sent on a Watch stream.
type MockWatchServer struct {
	grpc.ServerStream
	ctx     context.Context
	sent    chan *Event
	sendErr error
}

func NewMockWatchServer(ctx context.Context) *MockWatchServer {
	return &MockWatchServer{ctx: ctx, sent: make(chan *Event, 10)}
}

func (m *MockWatchServer) Context() context.Context { return m.ctx }

func (m *MockWatchServer) SetHeader(metadata.MD) error { return nil }

func (m *MockWatchServer) Send(e *Event) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent <- e
	return nil
}

func TestMarketDataService_StartStop(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		coord := NewMockCoordinator()
		manager := &MockSubscriptionManager{}
		manager.On("StartDispatching", mock.Anything, mock.Anything).Return(nil)

		svc := NewMarketDataService(coord, manager)
		require.NoError(t, svc.Start(context.Background()))
		assert.Error(t, svc.Start(context.Background()), "second start is rejected")

		require.NoError(t, svc.Stop())
		assert.Error(t, svc.Stop(), "second stop is rejected")
		manager.AssertExpectations(t)
	})

	t.Run("dispatch failure", func(t *testing.T) {
		manager := &MockSubscriptionManager{}
		manager.On("StartDispatching", mock.Anything, mock.Anything).Return(ErrDispatcherAlreadyStarted)

		svc := NewMarketDataService(NewMockCoordinator(), manager)
		err := svc.Start(context.Background())
		assert.ErrorIs(t, err, ErrDispatcherAlreadyStarted)
		assert.False(t, svc.started.Load())
	})
}

func TestMarketDataService_GetSnapshot(t *testing.T) {
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	coord := NewMockCoordinator()
	svc := NewMarketDataService(coord, &MockSubscriptionManager{})

	snap := model.Snapshot{
		Symbol:        "AAPL",
		Price:         d("150.5"),
		ChangePercent: d("1.234"),
		Bid:           decimal.NewNullDecimal(d("150.4")),
		MarketStatus:  model.MarketOpen,
		Timestamp:     now,
	}
	coord.On("GetCurrent", mock.Anything, "aapl").
		Return(cache.Cached[model.Snapshot]{Value: snap, Provenance: model.ProvenanceCache, CapturedAt: now}, nil)

	reply, err := svc.GetSnapshot(context.Background(), &SymbolRequest{Symbol: "aapl"})
	require.NoError(t, err)
	assert.Equal(t, "150.5", reply.Price)
	assert.Equal(t, "1.23", reply.ChangePercent)
	assert.Equal(t, "150.4", reply.Bid)
	assert.Empty(t, reply.Ask)
	assert.Equal(t, "cache", reply.Provenance)
	assert.Equal(t, "open", reply.MarketStatus)

	_, err = svc.GetSnapshot(context.Background(), nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestMarketDataService_GetHistoryValidation(t *testing.T) {
	svc := NewMarketDataService(NewMockCoordinator(), &MockSubscriptionManager{})

	tests := []struct {
		name string
		req  *HistoryRequest
	}{
		{"nil request", nil},
		{"unknown period", &HistoryRequest{Symbol: "AAPL", Period: "3m", Count: 10}},
		{"zero count", &HistoryRequest{Symbol: "AAPL", Period: "1m", Count: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GetHistory(context.Background(), tt.req)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: bad", utils.ErrInvalidSymbol), codes.InvalidArgument},
		{cache.ErrNotFound, codes.NotFound},
		{fmt.Errorf("%w: 2000 requested", cache.ErrHistoryUnavailable), codes.OutOfRange},
		{cache.ErrNotInitialized, codes.FailedPrecondition},
		{cache.ErrWaitTimeout, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{policy.RateLimitError(time.Second, 100), codes.ResourceExhausted},
		{websocket.ErrTooManySubscriptions, codes.ResourceExhausted},
		{cache.ErrClosed, codes.Unavailable},
		{&cache.OperationError{Op: "snapshot", Strategy: policy.ShowError, Err: errors.New("refused")}, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(toStatus(tt.err)))
		})
	}
}

func TestMarketDataService_Watch(t *testing.T) {
	t.Run("not started", func(t *testing.T) {
		svc := NewMarketDataService(NewMockCoordinator(), &MockSubscriptionManager{})
		err := svc.Watch(&WatchRequest{Symbols: []string{"AAPL"}}, NewMockWatchServer(context.Background()))
		assert.Equal(t, codes.Unavailable, status.Code(err))
	})

	newStarted := func(t *testing.T) (*MarketDataService, *MockSubscriptionManager) {
		manager := &MockSubscriptionManager{}
		manager.On("StartDispatching", mock.Anything, mock.Anything).Return(nil)
		svc := NewMarketDataService(NewMockCoordinator(), manager)
		require.NoError(t, svc.Start(context.Background()))
		t.Cleanup(func() { _ = svc.Stop() })
		return svc, manager
	}

	t.Run("invalid requests", func(t *testing.T) {
		svc, _ := newStarted(t)
		stream := NewMockWatchServer(context.Background())
		assert.Equal(t, codes.InvalidArgument, status.Code(svc.Watch(nil, stream)))
		assert.Equal(t, codes.InvalidArgument, status.Code(svc.Watch(&WatchRequest{}, stream)))
		assert.Equal(t, codes.InvalidArgument, status.Code(svc.Watch(&WatchRequest{Symbols: []string{"AAPL"}, Types: []string{"quote"}}, stream)))
	})

	t.Run("streams events until the client leaves", func(t *testing.T) {
		svc, manager := newStarted(t)
		sub := &Subscriber{id: "watcher", ch: make(chan model.DataEvent, 4)}
		manager.On("Subscribe", []string{"AAPL"}, []model.DataEventType{model.DataTrade}).Return(sub, nil)
		manager.On("Unsubscribe", sub).Return(nil)

		ctx, cancel := context.WithCancel(context.Background())
		stream := NewMockWatchServer(ctx)
		done := make(chan error, 1)
		go func() {
			done <- svc.Watch(&WatchRequest{Symbols: []string{"AAPL"}, Types: []string{"trade"}}, stream)
		}()

		trade := model.Trade{Symbol: "AAPL", Price: d("150"), Size: d("10"), Side: model.SideBuy}
		sub.ch <- model.DataEvent{Type: model.DataTrade, Symbol: "AAPL", Trade: &trade}

		select {
		case e := <-stream.sent:
			assert.Equal(t, "trade", e.Type)
			require.NotNil(t, e.Trade)
			assert.Equal(t, "150", e.Trade.Price)
			assert.Equal(t, "buy", e.Trade.Side)
			assert.Equal(t, "socket", e.Provenance)
			assert.False(t, e.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not sent")
		}

		cancel()
		require.NoError(t, <-done)
		manager.AssertCalled(t, "Unsubscribe", sub)
	})

	t.Run("send failure ends the stream", func(t *testing.T) {
		svc, manager := newStarted(t)
		sub := &Subscriber{id: "watcher", ch: make(chan model.DataEvent, 1)}
		manager.On("Subscribe", []string{"AAPL"}, []model.DataEventType{}).Return(sub, nil)
		manager.On("Unsubscribe", sub).Return(nil)

		stream := NewMockWatchServer(context.Background())
		stream.sendErr = errors.New("broken pipe")
		sub.ch <- marketEvent("AAPL", "1")

		err := svc.Watch(&WatchRequest{Symbols: []string{"AAPL"}}, stream)
		assert.ErrorContains(t, err, "broken pipe")
	})
}

// newGRPCHarness serves a service backed by a real coordinator and a seeded
// simulator over an in-memory listener.
func newGRPCHarness(t *testing.T) (*MarketDataClient, *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cfg := cache.DefaultConfig()
	cfg.CleanupInterval = 0
	cfg.RefreshInterval = 0
	coord := cache.New(ctx, cfg, cache.WithSource(source.NewSimulator(source.WithSeed(7))))

	dispatcher := NewDispatcher(DispatcherConfig{MaxSymbolsAllowed: 10})
	svc := NewMarketDataService(coord, dispatcher)
	require.NoError(t, svc.Start(ctx))

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterMarketDataServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		_ = svc.Stop()
		coord.Close()
		cancel()
	})
	return NewMarketDataClient(conn), dispatcher
}

func TestMarketDataService_GRPC(t *testing.T) {
	client, _ := newGRPCHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := client.GetSnapshot(ctx, &SymbolRequest{Symbol: "aapl"})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", snap.Symbol)
	assert.Equal(t, "simulated", snap.Provenance)
	assert.True(t, d(snap.Price).IsPositive())

	again, err := client.GetSnapshot(ctx, &SymbolRequest{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, snap.Price, again.Price, "fresh entries are served from the cache")

	hist, err := client.GetHistory(ctx, &HistoryRequest{Symbol: "AAPL", Period: "5m", Count: 12})
	require.NoError(t, err)
	require.Len(t, hist.Candles, 12)
	assert.Less(t, hist.Candles[0].StartTimestamp, hist.Candles[11].StartTimestamp)

	_, err = client.GetHistory(ctx, &HistoryRequest{Symbol: "AAPL", Period: "5m", Count: 5000})
	assert.Equal(t, codes.OutOfRange, status.Code(err))

	book, err := client.GetOrderBook(ctx, &SymbolRequest{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.NotEmpty(t, book.Bids)
	assert.NotEmpty(t, book.Asks)
	assert.True(t, d(book.Spread).IsPositive())

	_, err = client.GetSnapshot(ctx, &SymbolRequest{Symbol: "1BAD"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	sub, err := client.Subscribe(ctx, &SymbolRequest{Symbol: "msft"})
	require.NoError(t, err)
	assert.Equal(t, &SubscribeReply{Symbol: "MSFT", Subscribed: true}, sub)

	stats, err := client.Stats(ctx, &StatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Snapshots)
	assert.Equal(t, 1, stats.Subscribed)
	assert.Equal(t, "simulator", stats.SourceName)
	assert.Equal(t, 3, stats.ByProvenance["simulated"])

	unsub, err := client.Unsubscribe(ctx, &SymbolRequest{Symbol: "MSFT"})
	require.NoError(t, err)
	assert.False(t, unsub.Subscribed)
}

func TestMarketDataService_GRPCWatch(t *testing.T) {
	client, dispatcher := newGRPCHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watch, err := client.Watch(ctx, &WatchRequest{Symbols: []string{"AAPL"}, Types: []string{"market_data"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dispatcher.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = client.GetSnapshot(ctx, &SymbolRequest{Symbol: "AAPL"})
	require.NoError(t, err)

	ev, err := watch.Recv()
	require.NoError(t, err)
	assert.Equal(t, "market_data", ev.Type)
	assert.Equal(t, "AAPL", ev.Symbol)
	require.NotNil(t, ev.Snapshot)
	assert.Equal(t, "simulated", ev.Provenance)

	bad, err := client.Watch(ctx, &WatchRequest{Symbols: []string{"AAPL"}, Types: []string{"quote"}})
	require.NoError(t, err)
	_, err = bad.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
