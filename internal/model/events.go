package model

import (
	"fmt"
	"time"
)

// StreamEventType enumerates the events emitted by the streaming client.
type StreamEventType int

const (
	StreamConnecting StreamEventType = iota
	StreamConnected
	StreamDisconnected
	StreamConnectionError
	StreamReconnectAttempt
	StreamFailover
	StreamEndpointDisabled
	StreamHealthCheckFailed
	StreamSubscribed
	StreamUnsubscribed
	StreamBufferFlushed
	StreamHeartbeat
	StreamQuote
	StreamTrade
	StreamOrderBook
	StreamMarketStatus
	StreamServerError
	StreamUnknown
)

var streamEventNames = [...]string{
	"connecting", "connected", "disconnected", "connection_error", "reconnect_attempt",
	"failover", "endpoint_disabled", "health_check_failed", "subscribed", "unsubscribed",
	"buffer_flushed", "heartbeat", "quote", "trade", "order_book", "market_status",
	"server_error", "unknown",
}

func (t StreamEventType) String() string {
	if int(t) < 0 || int(t) >= len(streamEventNames) {
		return "invalid"
	}
	return streamEventNames[t]
}

// StreamEvent is a typed notification from the streaming client. Only the
// fields relevant to Type are populated.
type StreamEvent struct {
	Type     StreamEventType
	Symbol   string
	Endpoint string
	Attempt  int
	Delay    time.Duration
	From     string
	To       string
	Message  string
	Sequence uint64
	Quote    *Quote
	Trade    *Trade
	Book     *OrderBookUpdate
	Status   MarketStatus
	At       time.Time
}

// DataEventType enumerates the events emitted by the cache coordinator.
type DataEventType int

const (
	DataMarketData DataEventType = iota
	DataHistory
	DataOrderBook
	DataTrade
	DataConnectionStatus
	DataCacheCleanup
	DataSymbolSubscribed
	DataSymbolUnsubscribed
	DataSourceChanged
	DataRefreshCompleted
	DataError
)

var dataEventNames = [...]string{
	"market_data", "history", "order_book", "trade", "connection_status", "cache_cleanup",
	"symbol_subscribed", "symbol_unsubscribed", "source_changed", "refresh_completed", "error",
}

func (t DataEventType) String() string {
	if int(t) < 0 || int(t) >= len(dataEventNames) {
		return "invalid"
	}
	return dataEventNames[t]
}

// ParseDataEventType is the inverse of DataEventType.String.
func ParseDataEventType(s string) (DataEventType, error) {
	for i, name := range dataEventNames {
		if name == s {
			return DataEventType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown data event type %q", s)
}

// DataEvent is emitted whenever cached state changes.
type DataEvent struct {
	Type       DataEventType
	Symbol     string
	Period     Period
	Snapshot   *Snapshot
	Candles    []Candle
	Book       *OrderBook
	Trade      *Trade
	Provenance Provenance
	Status     string
	Message    string
	At         time.Time
}
