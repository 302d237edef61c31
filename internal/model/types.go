// Package model defines the core data types for the market-data ingestion pipeline.
//
// This package contains the update records delivered by the streaming feed, the
// cached views built from them (snapshots, candles, order books), subscription
// records and connection-health metrics. All monetary values use decimal.Decimal
// to avoid floating-point rounding in price arithmetic.
package model

import (
	"fmt"
	"strings"
	"time"
)

// MessageType identifies the kind of a wire message.
type MessageType string

const (
	MessageQuote          MessageType = "Quote"
	MessageTrade          MessageType = "Trade"
	MessageOrderBook      MessageType = "OrderBook"
	MessageOrderUpdate    MessageType = "OrderUpdate"
	MessageMarketStatus   MessageType = "MarketStatus"
	MessageHeartbeat      MessageType = "Heartbeat"
	MessageError          MessageType = "Error"
	MessageSubscribe      MessageType = "Subscribe"
	MessageUnsubscribe    MessageType = "Unsubscribe"
	MessageAuthentication MessageType = "Authentication"
	MessageSystemStatus   MessageType = "SystemStatus"

	// MessageUnknown is assigned to any message whose type is not recognised.
	MessageUnknown MessageType = "Unknown"
)

var knownMessageTypes = map[MessageType]struct{}{
	MessageQuote: {}, MessageTrade: {}, MessageOrderBook: {}, MessageOrderUpdate: {},
	MessageMarketStatus: {}, MessageHeartbeat: {}, MessageError: {}, MessageSubscribe: {},
	MessageUnsubscribe: {}, MessageAuthentication: {}, MessageSystemStatus: {},
}

// ParseMessageType maps a wire value onto a MessageType, falling back to MessageUnknown.
func ParseMessageType(s string) MessageType {
	mt := MessageType(s)
	if _, ok := knownMessageTypes[mt]; ok {
		return mt
	}
	return MessageUnknown
}

// IsDataKind reports whether the type carries market data a consumer can subscribe to.
func (m MessageType) IsDataKind() bool {
	return m == MessageQuote || m == MessageTrade || m == MessageOrderBook
}

// DefaultKinds is the set of kinds requested when a consumer asks for a symbol.
var DefaultKinds = []MessageType{MessageQuote, MessageTrade, MessageOrderBook}

// Provenance records where a cached value came from.
type Provenance int

const (
	// ProvenanceSocket marks values delivered by the streaming connection.
	ProvenanceSocket Provenance = iota

	// ProvenanceFallback marks values fetched from a one-shot HTTP query.
	ProvenanceFallback

	// ProvenanceSimulated marks values produced by the market simulator.
	ProvenanceSimulated

	// ProvenanceCache marks values served from a stale cache entry.
	ProvenanceCache
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceSocket:
		return "socket"
	case ProvenanceFallback:
		return "fallback"
	case ProvenanceSimulated:
		return "simulated"
	case ProvenanceCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy   Side = "buy"
	SideSell  Side = "sell"
	SideShort Side = "short"
)

// MarketStatus is the trading session state of an instrument.
type MarketStatus string

const (
	MarketOpen       MarketStatus = "open"
	MarketClosed     MarketStatus = "closed"
	MarketPreMarket  MarketStatus = "pre_market"
	MarketAfterHours MarketStatus = "after_hours"
	MarketHalted     MarketStatus = "halted"
)

// Period is a candle width such as "1m" or "1d".
type Period string

const (
	Period1m  Period = "1m"
	Period5m  Period = "5m"
	Period15m Period = "15m"
	Period1h  Period = "1h"
	Period1d  Period = "1d"
	Period1w  Period = "1w"
)

var periodDurations = map[Period]time.Duration{
	Period1m:  time.Minute,
	Period5m:  5 * time.Minute,
	Period15m: 15 * time.Minute,
	Period1h:  time.Hour,
	Period1d:  24 * time.Hour,
	Period1w:  7 * 24 * time.Hour,
}

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := periodDurations[p]; !ok {
		return "", fmt.Errorf("unsupported period %q", s)
	}
	return p, nil
}

// Duration returns the width of one candle of this period.
func (p Period) Duration() time.Duration {
	return periodDurations[p]
}
