package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/metrics"
	"marketfeed/internal/model"
	"marketfeed/internal/utils"
)

func createTestConfig() DispatcherConfig {
	return DispatcherConfig{MaxSymbolsAllowed: 2}
}

func marketEvent(symbol string, price string) model.DataEvent {
	snap := model.Snapshot{Symbol: symbol, Price: d(price)}
	return model.DataEvent{Type: model.DataMarketData, Symbol: symbol, Snapshot: &snap, At: time.Now()}
}

// startDispatcher starts d on a fresh event channel and stops it with the test.
func startDispatcher(t *testing.T, d *Dispatcher) chan model.DataEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch := make(chan model.DataEvent, 10)
	require.NoError(t, d.StartDispatching(ctx, ch))
	return ch
}

func subscribe(t *testing.T, d *Dispatcher, symbols []string, types ...model.DataEventType) *Subscriber {
	t.Helper()
	want := d.Len() + 1
	sub, err := d.Subscribe(symbols, types)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Len() == want }, time.Second, 5*time.Millisecond)
	return sub
}

func receive(t *testing.T, sub *Subscriber) model.DataEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return model.DataEvent{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %v for %s", ev.Type, ev.Symbol)
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_NewDispatcher(t *testing.T) {
	tests := []struct {
		name       string
		config     DispatcherConfig
		wantBuffer int
	}{
		{"default buffer", DispatcherConfig{MaxSymbolsAllowed: 10}, defaultSubscriberBuffer},
		{"custom buffer", DispatcherConfig{MaxSymbolsAllowed: 10, SubscriberBuffer: 5}, 5},
		{"negative buffer", DispatcherConfig{SubscriberBuffer: -1}, defaultSubscriberBuffer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := NewDispatcher(tt.config)

			assert.Equal(t, tt.wantBuffer, dispatcher.cfg.SubscriberBuffer)
			assert.NotNil(t, dispatcher.subscribers)
			assert.Equal(t, controlBuffer, cap(dispatcher.controlCh))
			assert.False(t, dispatcher.started.Load(), "Should start in stopped state")
			assert.Zero(t, dispatcher.Len())
		})
	}
}

func Test_StartDispatching(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())
	startDispatcher(t, dispatcher)
	assert.True(t, dispatcher.started.Load())

	err := dispatcher.StartDispatching(context.Background(), make(chan model.DataEvent))
	assert.ErrorIs(t, err, ErrDispatcherAlreadyStarted)
}

func Test_Subscribe(t *testing.T) {
	tests := []struct {
		name        string
		symbols     []string
		startFirst  bool
		wantErr     error
		wantSymbols []string
	}{
		{"not started", []string{"AAPL"}, false, ErrDispatcherNotStarted, nil},
		{"no symbols", nil, true, utils.ErrNoSymbols, nil},
		{"too many symbols", []string{"AAPL", "MSFT", "GOOG"}, true, utils.ErrTooManySymbols, nil},
		{"invalid symbol", []string{"1ABC"}, true, utils.ErrInvalidSymbol, nil},
		{"normalised", []string{" aapl", "msft"}, true, nil, []string{"AAPL", "MSFT"}},
		{"duplicates collapse", []string{"AAPL", "aapl", "MSFT"}, true, nil, []string{"AAPL", "MSFT"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := NewDispatcher(createTestConfig())
			if tt.startFirst {
				startDispatcher(t, dispatcher)
			}

			sub, err := dispatcher.Subscribe(tt.symbols, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, sub)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, sub.ID())
			assert.Len(t, sub.symbols, len(tt.wantSymbols))
			for _, s := range tt.wantSymbols {
				assert.Contains(t, sub.symbols, s)
			}
		})
	}
}

func Test_SubscribeControlChannelFull(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())
	dispatcher.started.Store(true) // no goroutine drains the control channel

	for range controlBuffer {
		_, err := dispatcher.Subscribe([]string{"AAPL"}, nil)
		require.NoError(t, err)
	}
	_, err := dispatcher.Subscribe([]string{"AAPL"}, nil)
	assert.ErrorIs(t, err, ErrDispatcherBusy)
	assert.ErrorIs(t, dispatcher.Unsubscribe(&Subscriber{id: "x"}), ErrDispatcherBusy)
}

func Test_Unsubscribe(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())
	startDispatcher(t, dispatcher)
	sub := subscribe(t, dispatcher, []string{"AAPL"})

	require.NoError(t, dispatcher.Unsubscribe(sub))
	require.Eventually(t, func() bool { return dispatcher.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed")

	// a second unsubscribe is a no-op
	require.NoError(t, dispatcher.Unsubscribe(sub))
}

func Test_MessageDistribution(t *testing.T) {
	dispatcher := NewDispatcher(createTestConfig())
	ch := startDispatcher(t, dispatcher)

	apple := subscribe(t, dispatcher, []string{"AAPL"})
	both := subscribe(t, dispatcher, []string{"AAPL", "MSFT"})
	books := subscribe(t, dispatcher, []string{"MSFT"}, model.DataOrderBook)

	ch <- marketEvent("AAPL", "150")
	assert.Equal(t, "AAPL", receive(t, apple).Symbol)
	assert.Equal(t, "AAPL", receive(t, both).Symbol)

	ch <- marketEvent("MSFT", "400")
	assert.Equal(t, "MSFT", receive(t, both).Symbol)
	assertNoEvent(t, apple)
	assertNoEvent(t, books)

	ch <- model.DataEvent{Type: model.DataOrderBook, Symbol: "MSFT", Book: &model.OrderBook{Symbol: "MSFT"}}
	assert.Equal(t, model.DataOrderBook, receive(t, books).Type)
	assert.Equal(t, model.DataOrderBook, receive(t, both).Type)

	// events without a symbol reach everyone whose type filter admits them
	ch <- model.DataEvent{Type: model.DataCacheCleanup, Message: "removed 0 entries"}
	assert.Equal(t, model.DataCacheCleanup, receive(t, apple).Type)
	assert.Equal(t, model.DataCacheCleanup, receive(t, both).Type)
	assertNoEvent(t, books)
}

func Test_SlowClientHandling(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	dispatcher := NewDispatcher(DispatcherConfig{MaxSymbolsAllowed: 2, SubscriberBuffer: 2, Metrics: m})
	ch := startDispatcher(t, dispatcher)
	sub := subscribe(t, dispatcher, []string{"AAPL"})

	for _, p := range []string{"1", "2", "3"} {
		ch <- marketEvent("AAPL", p)
	}
	require.Eventually(t, func() bool { return len(sub.ch) == 2 && len(ch) == 0 }, time.Second, 5*time.Millisecond)
	// wait for the third event to replace the oldest
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DroppedEvents.WithLabelValues("dispatcher")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, receive(t, sub).Snapshot.Price.Equal(d("2")))
	assert.True(t, receive(t, sub).Snapshot.Price.Equal(d("3")))
}

func Test_ConcurrentSubscriptions(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{MaxSymbolsAllowed: 5})
	startDispatcher(t, dispatcher)

	const n = 8
	var wg sync.WaitGroup
	subs := make(chan *Subscriber, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := dispatcher.Subscribe([]string{"AAPL"}, nil)
			if assert.NoError(t, err) {
				subs <- sub
			}
		}()
	}
	wg.Wait()
	close(subs)
	require.Eventually(t, func() bool { return dispatcher.Len() == n }, time.Second, 5*time.Millisecond)

	for sub := range subs {
		require.NoError(t, dispatcher.Unsubscribe(sub))
	}
	require.Eventually(t, func() bool { return dispatcher.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func Test_DispatcherShutdown(t *testing.T) {
	t.Run("context cancelled", func(t *testing.T) {
		dispatcher := NewDispatcher(createTestConfig())
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, dispatcher.StartDispatching(ctx, make(chan model.DataEvent)))
		sub := subscribe(t, dispatcher, []string{"AAPL"})

		cancel()
		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("subscriber channel not closed")
		}
		assert.Eventually(t, func() bool { return dispatcher.Len() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("event source closed", func(t *testing.T) {
		dispatcher := NewDispatcher(createTestConfig())
		ch := startDispatcher(t, dispatcher)
		sub := subscribe(t, dispatcher, []string{"AAPL"})

		close(ch)
		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("subscriber channel not closed")
		}
	})
}
