package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/endpoint"
	"marketfeed/internal/model"
	"marketfeed/internal/policy"
	"marketfeed/internal/wire"
)

// TestWebSocketServer is a feed server for tests: it records every text
// frame it receives and lets the test push frames to the live connection.
type TestWebSocketServer struct {
	server       *httptest.Server
	upgrader     websocket.Upgrader
	mu           sync.Mutex
	writeMu      sync.Mutex
	conns        []*websocket.Conn
	received     [][]byte
	rejectStatus atomic.Int32
	connCount    atomic.Int32
	handlerFunc  func(conn *websocket.Conn)
	done         chan struct{}
}

func NewTestWebSocketServer(t *testing.T) *TestWebSocketServer {
	ts := &TestWebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	ts.server = httptest.NewServer(http.HandlerFunc(ts.handleWebSocket))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *TestWebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if code := ts.rejectStatus.Load(); code != 0 {
		w.WriteHeader(int(code))
		_, _ = w.Write([]byte("Connection rejected"))
		return
	}

	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	handler := ts.handlerFunc
	ts.mu.Unlock()
	ts.connCount.Add(1)

	if handler != nil {
		handler(conn)
		return
	}
	ts.defaultHandler(conn)
}

func (ts *TestWebSocketServer) defaultHandler(conn *websocket.Conn) {
	defer conn.Close()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.TextMessage {
			ts.mu.Lock()
			ts.received = append(ts.received, data)
			ts.mu.Unlock()
		}
	}
}

func (ts *TestWebSocketServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *TestWebSocketServer) Close() {
	select {
	case <-ts.done:
		return
	default:
		close(ts.done)
	}
	ts.DropAll()
	ts.server.Close()
}

// Push writes a frame to the most recent connection.
func (ts *TestWebSocketServer) Push(t *testing.T, frame string) {
	ts.mu.Lock()
	require.NotEmpty(t, ts.conns, "no connection to push to")
	conn := ts.conns[len(ts.conns)-1]
	ts.mu.Unlock()

	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// DropAll closes every connection without a close frame.
func (ts *TestWebSocketServer) DropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range ts.conns {
		_ = conn.Close()
	}
	ts.conns = nil
}

func (ts *TestWebSocketServer) SetRejectStatus(code int) {
	ts.rejectStatus.Store(int32(code))
}

func (ts *TestWebSocketServer) SetCustomHandler(handler func(conn *websocket.Conn)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handlerFunc = handler
}

// Received returns the decoded envelopes of every text frame received.
func (ts *TestWebSocketServer) Received() []wire.Envelope {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]wire.Envelope, 0, len(ts.received))
	for _, raw := range ts.received {
		if env, err := wire.Decode(raw); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (ts *TestWebSocketServer) ReceivedOfType(mt model.MessageType) []wire.Envelope {
	var out []wire.Envelope
	for _, env := range ts.Received() {
		if env.Type == mt {
			out = append(out, env)
		}
	}
	return out
}

// recorder is a Handler capturing everything it receives.
type recorder struct {
	NopHandler
	mu         sync.Mutex
	quotes     []model.Quote
	quoteMetas []Meta
	trades     []model.Trade
	books      []model.OrderBookUpdate
	unknown    []string
	panicOnce  atomic.Bool
}

func (r *recorder) OnQuote(q model.Quote, m Meta) error {
	if r.panicOnce.CompareAndSwap(true, false) {
		panic("handler panic")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes = append(r.quotes, q)
	r.quoteMetas = append(r.quoteMetas, m)
	return nil
}

func (r *recorder) OnTrade(t model.Trade, _ Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return nil
}

func (r *recorder) OnOrderBook(u model.OrderBookUpdate, _ Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books = append(r.books, u)
	return nil
}

func (r *recorder) OnUnknown(env wire.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknown = append(r.unknown, env.RawType)
	return nil
}

func (r *recorder) quoteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.quotes)
}

var baseTime = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func quoteFrame(symbol, bid, ask string, ts time.Time, seq int) string {
	return fmt.Sprintf(`{"message_type":"Quote","symbol":%q,"sequence":%d,"timestamp":%q,`+
		`"data":{"symbol":%q,"bid":%q,"ask":%q,"bid_size":"100","ask_size":"200","last_price":%q,`+
		`"last_size":"10","volume":"1000","high":"151","low":"149","open":"149.5"}}`,
		symbol, seq, ts.Format(time.RFC3339Nano), symbol, bid, ask, bid,
	)
}

func testConfig(t *testing.T, urls ...string) Config {
	t.Helper()
	configs := make([]endpoint.Config, len(urls))
	for i, u := range urls {
		configs[i] = endpoint.Config{URL: u, Priority: 100 - i*10, MaxFailures: 3}
	}
	pool, err := endpoint.NewPool(configs)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Pool = pool
	cfg.BaseReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	cfg.HeartbeatInterval = time.Second
	return cfg
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// waitForEvent consumes events until one of type want arrives.
func waitForEvent(t *testing.T, c *Client, want model.StreamEventType, timeout time.Duration) model.StreamEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "event channel closed while waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return model.StreamEvent{}
		}
	}
}

func connected(c *Client) func() bool {
	return func() bool { return c.State().State == StateConnected }
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	pool, err := endpoint.NewPool(nil)
	require.NoError(t, err)
	c, err := New(context.Background(), Config{Pool: pool})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 5, c.cfg.MaxReconnectAttempts)
	assert.Equal(t, 90*time.Second, c.cfg.HeartbeatTimeout, "timeout defaults to 3x heartbeat interval")
	assert.Equal(t, 1000, c.cfg.MaxBufferSize)
	assert.Equal(t, StateDisconnected, c.State().State)
}

func TestConnect_NoEndpoints(t *testing.T) {
	pool, err := endpoint.NewPool(nil)
	require.NoError(t, err)
	c := newTestClient(t, Config{Pool: pool})

	assert.ErrorIs(t, c.Connect(context.Background()), endpoint.ErrNoEndpoints)
}

func TestConnect_ResubscribesAndDeliversQuote(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	rec := &recorder{}
	cfg := testConfig(t, ts.URL())
	cfg.Handler = rec
	c := newTestClient(t, cfg)

	// Subscribing while disconnected records the subscription without sending.
	require.NoError(t, c.Subscribe("aapl", []model.MessageType{model.MessageQuote}))
	assert.Equal(t, 0, c.BufferedCount())

	require.NoError(t, c.Connect(context.Background()))
	waitForEvent(t, c, model.StreamConnected, time.Second)

	require.Eventually(t, func() bool {
		return len(ts.ReceivedOfType(model.MessageSubscribe)) == 1
	}, time.Second, 10*time.Millisecond)
	sub := ts.ReceivedOfType(model.MessageSubscribe)[0]
	assert.Equal(t, "AAPL", sub.Symbol)

	ts.Push(t, quoteFrame("AAPL", "150.00", "150.05", baseTime, 1))
	ev := waitForEvent(t, c, model.StreamQuote, time.Second)
	require.NotNil(t, ev.Quote)
	assert.Equal(t, "150.05", ev.Quote.Ask.StringFixed(2))

	require.Equal(t, 1, rec.quoteCount())
	assert.Equal(t, "AAPL", rec.quotes[0].Symbol)
	assert.False(t, rec.quoteMetas[0].OutOfOrder)

	h := c.Health()
	assert.GreaterOrEqual(t, h.MessagesReceived, uint64(1))
	assert.False(t, h.EstablishedAt.IsZero())
}

func TestPipeline_Deduplication(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	rec := &recorder{}
	cfg := testConfig(t, ts.URL())
	cfg.Handler = rec
	cfg.EnableOrdering = false
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))

	frame := quoteFrame("AAPL", "150.00", "150.05", baseTime, 1)
	ts.Push(t, frame)
	ts.Push(t, frame)
	ts.Push(t, quoteFrame("AAPL", "150.01", "150.06", baseTime.Add(time.Second), 2))

	require.Eventually(t, func() bool { return rec.quoteCount() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.quoteCount(), "identical frame within the window is processed once")
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (c *Client) dedupLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dedup)
}

func TestPipeline_DeduplicationWindowSlides(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	rec := &recorder{}
	clock := &manualClock{now: baseTime}
	cfg := testConfig(t, ts.URL())
	cfg.Handler = rec
	cfg.EnableOrdering = false
	cfg.DedupWindow = 2 * time.Second
	cfg.HeartbeatInterval = time.Minute // keep the health loop out of the way
	cfg.Now = clock.Now
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))

	frame := quoteFrame("AAPL", "150.00", "150.05", baseTime, 1)
	ts.Push(t, frame)
	require.Eventually(t, func() bool { return rec.quoteCount() == 1 }, time.Second, 10*time.Millisecond)

	clock.Advance(time.Second)
	ts.Push(t, frame)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.quoteCount(), "still inside the window")
	assert.Equal(t, 1, c.dedupLen())

	clock.Advance(1500 * time.Millisecond)
	ts.Push(t, frame)
	require.Eventually(t, func() bool { return rec.quoteCount() == 2 }, time.Second, 10*time.Millisecond)

	clock.Advance(3 * time.Second)
	c.pruneDedup(clock.Now())
	assert.Zero(t, c.dedupLen(), "expired keys are pruned")
}

func TestPipeline_QualityRejection(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	rec := &recorder{}
	cfg := testConfig(t, ts.URL())
	cfg.Handler = rec
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))

	ts.Push(t, quoteFrame("AAPL", "150.10", "150.05", baseTime, 1)) // crossed
	ts.Push(t, `{"message_type":"Trade","symbol":"AAPL","timestamp":"2024-01-02T15:00:00Z",`+
		`"data":{"symbol":"AAPL","trade_id":"t1","price":"0","size":"1"}}`)
	ts.Push(t, `{not json`)
	ts.Push(t, quoteFrame("AAPL", "150.00", "150.05", baseTime.Add(time.Second), 2))

	require.Eventually(t, func() bool { return rec.quoteCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "150", rec.quotes[0].Bid.String())

	rec.mu.Lock()
	assert.Empty(t, rec.trades)
	rec.mu.Unlock()
	assert.Equal(t, StateConnected, c.State().State, "bad frames never tear the connection down")
}

func TestPipeline_RejectedFrameDoesNotPoisonDedup(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	rec := &recorder{}
	cfg := testConfig(t, ts.URL())
	cfg.Handler = rec
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))

	// Same key twice: the first copy fails quality, so the second is not a duplicate.
	ts.Push(t, quoteFrame("AAPL", "150.10", "150.05", baseTime, 1))
	ts.Push(t, quoteFrame("AAPL", "150.00", "150.05", baseTime, 1))

	require.Eventually(t, func() bool { return rec.quoteCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestPipeline_OutOfOrderIsObservedNotEnforced(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	rec := &recorder{}
	cfg := testConfig(t, ts.URL())
	cfg.Handler = rec
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))

	ts.Push(t, quoteFrame("AAPL", "150.00", "150.05", baseTime, 5))
	ts.Push(t, quoteFrame("AAPL", "150.01", "150.06", baseTime.Add(time.Second), 3))
	ts.Push(t, quoteFrame("AAPL", "150.02", "150.07", baseTime.Add(2*time.Second), 6))

	require.Eventually(t, func() bool { return rec.quoteCount() == 3 }, time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.False(t, rec.quoteMetas[0].OutOfOrder)
	assert.True(t, rec.quoteMetas[1].OutOfOrder)
	assert.False(t, rec.quoteMetas[2].OutOfOrder, "tracker keeps the highest sequence seen")
}

func TestPipeline_HandlerPanicRecovered(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	rec := &recorder{}
	rec.panicOnce.Store(true)
	cfg := testConfig(t, ts.URL())
	cfg.Handler = rec
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))

	ts.Push(t, quoteFrame("AAPL", "150.00", "150.05", baseTime, 1))
	ts.Push(t, quoteFrame("AAPL", "150.01", "150.06", baseTime.Add(time.Second), 2))

	require.Eventually(t, func() bool { return rec.quoteCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, c.State().State)
}

func TestPipeline_ControlFrames(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	rec := &recorder{}
	cfg := testConfig(t, ts.URL())
	cfg.Handler = rec
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))

	ts.Push(t, `{"message_type":"Heartbeat","timestamp":"2024-01-02T15:00:00Z","data":{"type":"pong"}}`)
	waitForEvent(t, c, model.StreamHeartbeat, time.Second)
	assert.False(t, c.Health().LastPong.IsZero())

	ts.Push(t, `{"message_type":"Error","data":{"code":500,"message":"boom"}}`)
	ev := waitForEvent(t, c, model.StreamServerError, time.Second)
	assert.Contains(t, ev.Message, "boom")

	ts.Push(t, `{"message_type":"Greeks","symbol":"AAPL","timestamp":"2024-01-02T15:00:00Z"}`)
	ev = waitForEvent(t, c, model.StreamUnknown, time.Second)
	assert.Equal(t, "Greeks", ev.Message)
	rec.mu.Lock()
	assert.Equal(t, []string{"Greeks"}, rec.unknown)
	rec.mu.Unlock()
}

func TestSubscribe_Rules(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/ws")
	cfg.SubscriptionRateLimit = 3
	cfg.MaxSubscriptions = 100
	c := newTestClient(t, cfg)

	kinds := []model.MessageType{model.MessageQuote}

	require.NoError(t, c.Subscribe("AAPL", kinds))
	assert.ErrorIs(t, c.Subscribe("aapl", kinds), ErrAlreadySubscribed)
	assert.Equal(t, 1, c.SubscriptionCount())

	require.NoError(t, c.Subscribe("MSFT", kinds))
	require.NoError(t, c.Subscribe("GOOG", kinds))

	err := c.Subscribe("TSLA", kinds)
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrRateLimited)
	var ne *policy.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.LessOrEqual(t, ne.RetryAfter, time.Second)

	used, limit := c.SubscriptionRateUsage()
	assert.Equal(t, 3, used)
	assert.Equal(t, 3, limit)

	assert.Error(t, c.Subscribe("", kinds))
	assert.Error(t, c.Subscribe("NVDA", nil))

	assert.NoError(t, c.Unsubscribe("UNKNOWN"))
	assert.ErrorIs(t, c.PauseSubscription("UNKNOWN"), ErrNotSubscribed)
	assert.ErrorIs(t, c.ResumeSubscription("UNKNOWN"), ErrNotSubscribed)

	require.NoError(t, c.PauseSubscription("MSFT"))
	subs := c.Subscriptions()
	require.Len(t, subs, 3)
	assert.Equal(t, []string{"AAPL", "MSFT", "GOOG"}, []string{subs[0].Symbol, subs[1].Symbol, subs[2].Symbol})
	assert.False(t, subs[1].Active)
	assert.NotEmpty(t, subs[0].ID)

	require.NoError(t, c.Unsubscribe("MSFT"))
	assert.False(t, c.IsSubscribed("MSFT"))
}

func TestSubscribe_Ceiling(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/ws")
	cfg.MaxSubscriptions = 2
	c := newTestClient(t, cfg)

	kinds := model.DefaultKinds
	require.NoError(t, c.Subscribe("AAPL", kinds))
	require.NoError(t, c.Subscribe("MSFT", kinds))
	assert.ErrorIs(t, c.Subscribe("GOOG", kinds), ErrTooManySubscriptions)
}

func TestSubscribeBatch_StopsOnRateLimit(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/ws")
	cfg.SubscriptionRateLimit = 2
	c := newTestClient(t, cfg)

	kinds := []model.MessageType{model.MessageTrade}
	reqs := []SubscriptionRequest{
		{Symbol: "AAPL", Kinds: kinds},
		{Symbol: "AAPL", Kinds: kinds}, // duplicate: reported, batch continues
		{Symbol: "MSFT", Kinds: kinds},
		{Symbol: "GOOG", Kinds: kinds}, // rate limited: batch stops
		{Symbol: "TSLA", Kinds: kinds},
	}
	got, err := c.SubscribeBatch(reqs)
	assert.Equal(t, []string{"AAPL", "MSFT"}, got)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
	assert.ErrorIs(t, err, policy.ErrRateLimited)
	assert.False(t, c.IsSubscribed("TSLA"))

	require.NoError(t, c.UnsubscribeAll())
	assert.Equal(t, 0, c.SubscriptionCount())
}

func TestSend_BuffersWhileDisconnectedAndFlushesInOrder(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	cfg := testConfig(t, ts.URL())
	cfg.MaxBufferSize = 2
	c := newTestClient(t, cfg)

	require.NoError(t, c.Send(model.MessageSystemStatus, "", map[string]int{"n": 1}))
	require.NoError(t, c.Send(model.MessageSystemStatus, "", map[string]int{"n": 2}))
	assert.ErrorIs(t, c.Send(model.MessageSystemStatus, "", map[string]int{"n": 3}), ErrBufferFull)
	assert.Equal(t, 2, c.BufferedCount())

	require.NoError(t, c.Subscribe("AAPL", model.DefaultKinds))
	require.NoError(t, c.Connect(context.Background()))
	ev := waitForEvent(t, c, model.StreamBufferFlushed, time.Second)
	assert.Contains(t, ev.Message, "2")
	assert.Equal(t, 0, c.BufferedCount())

	require.Eventually(t, func() bool { return len(ts.Received()) >= 3 }, time.Second, 10*time.Millisecond)
	got := ts.Received()
	assert.Equal(t, model.MessageSystemStatus, got[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(got[0].Data))
	assert.JSONEq(t, `{"n":2}`, string(got[1].Data))
	assert.Equal(t, model.MessageSubscribe, got[2].Type, "resubscription follows the flushed buffer")
}

func TestSubscribe_WhileConnectedSendsImmediately(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	c := newTestClient(t, testConfig(t, ts.URL()))

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe("MSFT", model.DefaultKinds))
	require.NoError(t, c.PauseSubscription("MSFT"))
	require.NoError(t, c.ResumeSubscription("MSFT"))
	require.NoError(t, c.Unsubscribe("MSFT"))

	require.Eventually(t, func() bool { return len(ts.Received()) == 4 }, time.Second, 10*time.Millisecond)
	got := ts.Received()
	assert.Equal(t, []model.MessageType{
		model.MessageSubscribe, model.MessageUnsubscribe, model.MessageSubscribe, model.MessageUnsubscribe,
	}, []model.MessageType{got[0].Type, got[1].Type, got[2].Type, got[3].Type})
}

func TestReconnect_AfterServerDropResubscribes(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	c := newTestClient(t, testConfig(t, ts.URL()))

	require.NoError(t, c.Subscribe("AAPL", model.DefaultKinds))
	require.NoError(t, c.Subscribe("MSFT", model.DefaultKinds))
	require.NoError(t, c.PauseSubscription("MSFT"))
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return len(ts.ReceivedOfType(model.MessageSubscribe)) == 1
	}, time.Second, 10*time.Millisecond)

	ts.DropAll()

	ev := waitForEvent(t, c, model.StreamReconnectAttempt, time.Second)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, 10*time.Millisecond, ev.Delay)

	require.Eventually(t, func() bool { return ts.connCount.Load() == 2 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, connected(c), time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(ts.ReceivedOfType(model.MessageSubscribe)) == 2
	}, time.Second, 10*time.Millisecond)
	for _, env := range ts.ReceivedOfType(model.MessageSubscribe) {
		assert.Equal(t, "AAPL", env.Symbol, "paused subscriptions are not re-sent")
	}
}

func TestFailover_AfterEndpointDeactivated(t *testing.T) {
	tests := []struct {
		name        string
		maxFailures int
		maxAttempts int
	}{
		{name: "threshold below attempt ceiling", maxFailures: 3, maxAttempts: 5},
		{name: "attempt ceiling reached", maxFailures: 10, maxAttempts: 5},
		{name: "threshold of five", maxFailures: 5, maxAttempts: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := NewTestWebSocketServer(t)
			primary.SetRejectStatus(http.StatusInternalServerError)
			secondary := NewTestWebSocketServer(t)

			pool, err := endpoint.NewPool([]endpoint.Config{
				{URL: primary.URL(), Priority: 100, MaxFailures: tt.maxFailures},
				{URL: secondary.URL(), Priority: 50, MaxFailures: tt.maxFailures},
			})
			require.NoError(t, err)

			cfg := DefaultConfig()
			cfg.Pool = pool
			cfg.BaseReconnectDelay = 5 * time.Millisecond
			cfg.MaxReconnectDelay = 20 * time.Millisecond
			cfg.MaxReconnectAttempts = tt.maxAttempts
			c := newTestClient(t, cfg)

			require.Error(t, c.Connect(context.Background()))

			ev := waitForEvent(t, c, model.StreamFailover, 2*time.Second)
			assert.Equal(t, primary.URL(), ev.From)
			assert.Equal(t, secondary.URL(), ev.To)

			require.Eventually(t, connected(c), 2*time.Second, 10*time.Millisecond)
			cur, err := c.CurrentEndpoint()
			require.NoError(t, err)
			assert.Equal(t, secondary.URL(), cur.URL)

			eps := c.Endpoints()
			require.Len(t, eps, 2)
			assert.Equal(t, primary.URL(), eps[0].URL)
			if tt.maxFailures <= tt.maxAttempts {
				assert.False(t, eps[0].Active, "primary deactivated at its failure threshold")
				assert.Equal(t, tt.maxFailures, eps[0].Failures)
			} else {
				assert.True(t, eps[0].Active)
			}
			assert.Equal(t, 0, eps[1].Failures)
		})
	}
}

func TestFailover_AuthRejectionIsNotRetried(t *testing.T) {
	primary := NewTestWebSocketServer(t)
	primary.SetRejectStatus(http.StatusForbidden)
	secondary := NewTestWebSocketServer(t)

	h := policy.NewHandler(policy.DefaultConfig())
	cfg := testConfig(t, primary.URL(), secondary.URL())
	cfg.Policy = h
	c := newTestClient(t, cfg)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthRejected)

	ev := waitForEvent(t, c, model.StreamFailover, time.Second)
	assert.Equal(t, primary.URL(), ev.From)
	require.Eventually(t, connected(c), time.Second, 10*time.Millisecond)

	eps := c.Endpoints()
	assert.Equal(t, 1, eps[0].Failures, "no retry on the rejecting endpoint")
	assert.Equal(t, policy.StatusOnline, h.Status().State)
	require.NotEmpty(t, h.RecentErrors(1))
	assert.Equal(t, policy.KindAuthentication, h.RecentErrors(1)[0].Err.Kind)
}

func TestAuthenticationFrame_NoEligibleEndpointStaysInError(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	c := newTestClient(t, testConfig(t, ts.URL()))

	require.NoError(t, c.Connect(context.Background()))
	ts.Push(t, `{"message_type":"Authentication","data":{"success":false,"reason":"bad key"}}`)

	ev := waitForEvent(t, c, model.StreamConnectionError, time.Second)
	assert.Contains(t, ev.Message, "bad key")

	time.Sleep(50 * time.Millisecond)
	st := c.State()
	assert.Equal(t, StateError, st.State)
	assert.False(t, st.Recoverable)
	assert.Equal(t, int32(1), ts.connCount.Load())

	// An explicit connect recovers.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State().State)
}

func TestHeartbeat_PingPong(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	cfg := testConfig(t, ts.URL())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		h := c.Health()
		return !h.LastPong.IsZero() && h.MessagesSent > 0
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(ts.ReceivedOfType(model.MessageHeartbeat)) > 0
	}, time.Second, 10*time.Millisecond)
	hb := ts.ReceivedOfType(model.MessageHeartbeat)[0]
	assert.Contains(t, string(hb.Data), `"type":"ping"`)
	assert.Equal(t, StateConnected, c.State().State)
}

func TestHealthCheck_SilentConnectionReconnects(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	var silent atomic.Bool
	silent.Store(true)
	ts.SetCustomHandler(func(conn *websocket.Conn) {
		if silent.CompareAndSwap(true, false) {
			// Never read, so pings are never answered.
			<-ts.done
			return
		}
		ts.defaultHandler(conn)
	})

	cfg := testConfig(t, ts.URL())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond
	c := newTestClient(t, cfg)

	require.NoError(t, c.Connect(context.Background()))
	waitForEvent(t, c, model.StreamHealthCheckFailed, time.Second)
	waitForEvent(t, c, model.StreamReconnectAttempt, time.Second)
	require.Eventually(t, func() bool { return ts.connCount.Load() == 2 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, connected(c), time.Second, 10*time.Millisecond)
}

func TestDisconnect_StopsReconnection(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	c := newTestClient(t, testConfig(t, ts.URL()))

	require.NoError(t, c.Connect(context.Background()))
	waitForEvent(t, c, model.StreamConnected, time.Second)

	c.Disconnect()
	waitForEvent(t, c, model.StreamDisconnected, time.Second)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State().State)
	assert.Equal(t, int32(1), ts.connCount.Load())
	assert.True(t, c.Health().EstablishedAt.IsZero())
}

func TestClose_Idempotent(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	c, err := New(context.Background(), testConfig(t, ts.URL()))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	c.Close()
	c.Close()

	_, open := <-c.Events()
	for open {
		_, open = <-c.Events()
	}
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientShuttingDown)
	assert.ErrorIs(t, c.Subscribe("AAPL", model.DefaultKinds), ErrClientShuttingDown)
}

func TestClose_OnContextCancel(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(ctx, testConfig(t, ts.URL()))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	cancel()
	require.Eventually(t, func() bool {
		return c.State().State == StateDisconnected
	}, time.Second, 10*time.Millisecond)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Status{State: StateConnected}, "connected"},
		{Status{State: StateReconnecting, Attempt: 2, NextRetryIn: time.Second}, "reconnecting (attempt 2, retry in 1s)"},
		{Status{State: StateError, Message: "boom", Recoverable: true}, "error: boom (recoverable=true)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
	assert.True(t, Status{State: StateConnected}.CanSend())
	assert.False(t, Status{State: StateReconnecting}.CanSend())
}
