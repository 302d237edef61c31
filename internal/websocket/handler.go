package websocket

import (
	"time"

	"marketfeed/internal/model"
	"marketfeed/internal/wire"
)

// Meta describes how a data frame passed through the processing pipeline.
type Meta struct {
	Sequence   uint64
	HasSeq     bool
	OutOfOrder bool
	Suspicious bool
	ReceivedAt time.Time
}

// Handler receives every accepted frame, one method per message kind.
// Methods are called from the receive loop in receipt order; returned errors
// are logged and never tear the connection down.
type Handler interface {
	OnQuote(q model.Quote, m Meta) error
	OnTrade(t model.Trade, m Meta) error
	OnOrderBook(u model.OrderBookUpdate, m Meta) error
	OnMarketStatus(symbol string, status model.MarketStatus, m Meta) error
	// OnUnknown receives frames of kinds the client does not interpret.
	OnUnknown(env wire.Envelope) error
}

// NopHandler implements Handler by discarding everything. Embed it to
// implement only the methods you care about.
type NopHandler struct{}

func (NopHandler) OnQuote(model.Quote, Meta) error { return nil }
func (NopHandler) OnTrade(model.Trade, Meta) error { return nil }
func (NopHandler) OnOrderBook(model.OrderBookUpdate, Meta) error { return nil }
func (NopHandler) OnMarketStatus(string, model.MarketStatus, Meta) error { return nil }
func (NopHandler) OnUnknown(wire.Envelope) error { return nil }
