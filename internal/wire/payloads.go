package wire

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"marketfeed/internal/model"
)

// quotePayload is the data of a Quote frame.
type quotePayload struct {
	Symbol    string          `json:"symbol" validate:"required"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
	LastPrice decimal.Decimal `json:"last_price"`
	LastSize  decimal.Decimal `json:"last_size"`
	Volume    decimal.Decimal `json:"volume"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Open      decimal.Decimal `json:"open"`
	Timestamp time.Time       `json:"timestamp"`
}

// tradePayload is the data of a Trade frame.
type tradePayload struct {
	Symbol    string          `json:"symbol" validate:"required"`
	TradeID   string          `json:"trade_id" validate:"required"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side" validate:"omitempty,oneof=buy sell short"`
	Venue     string          `json:"venue,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// levelPayload accepts either {"price":..,"size":..,"order_count":..} or
// a positional [price, size, order_count] array.
type levelPayload struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"order_count"`
}

func (l *levelPayload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		if len(parts) < 2 || len(parts) > 3 {
			return fmt.Errorf("price level needs 2 or 3 elements, got %d", len(parts))
		}
		if err := l.Price.UnmarshalJSON(parts[0]); err != nil {
			return fmt.Errorf("price: %w", err)
		}
		if err := l.Size.UnmarshalJSON(parts[1]); err != nil {
			return fmt.Errorf("size: %w", err)
		}
		if len(parts) == 3 {
			return json.Unmarshal(parts[2], &l.Orders)
		}
		return nil
	}
	type plain levelPayload
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*l = levelPayload(p)
	return nil
}

// orderBookPayload is the data of an OrderBook frame.
type orderBookPayload struct {
	Symbol     string         `json:"symbol" validate:"required"`
	Bids       []levelPayload `json:"bids"`
	Asks       []levelPayload `json:"asks"`
	Sequence   uint64         `json:"sequence"`
	IsSnapshot bool           `json:"is_snapshot"`
	Timestamp  time.Time      `json:"timestamp"`
}

// marketStatusPayload is the data of a MarketStatus frame.
type marketStatusPayload struct {
	Symbol string `json:"symbol"`
	Status string `json:"status" validate:"required"`
}

// serverErrorPayload is the data of an Error frame.
type serverErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// authPayload is the data of an Authentication frame sent by the server.
type authPayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// Payload is the typed content of a decoded frame. Exactly one field is set
// for data kinds; control kinds populate Status, ServerError or Auth.
type Payload struct {
	Quote       *model.Quote
	Trade       *model.Trade
	Book        *model.OrderBookUpdate
	Status      model.MarketStatus
	ServerError string
	AuthFailed  bool
	AuthReason  string
}

// Codec decodes and validates payloads.
type Codec struct {
	validate *validator.Validate
}

// NewCodec returns a Codec with its own validator instance.
func NewCodec() *Codec {
	return &Codec{validate: validator.New()}
}

// DecodePayload decodes the data of env according to its message type.
// Unknown and payload-less types yield an empty Payload.
func (c *Codec) DecodePayload(env Envelope) (Payload, error) {
	switch env.Type {
	case model.MessageQuote:
		var q quotePayload
		if err := c.unmarshal(env, &q); err != nil {
			return Payload{}, err
		}
		quote := model.Quote{
			Symbol:    strings.ToUpper(q.Symbol),
			Bid:       q.Bid,
			Ask:       q.Ask,
			BidSize:   q.BidSize,
			AskSize:   q.AskSize,
			Last:      q.LastPrice,
			LastSize:  q.LastSize,
			High:      q.High,
			Low:       q.Low,
			Open:      q.Open,
			Volume:    q.Volume,
			Timestamp: firstNonZero(q.Timestamp, env.Timestamp),
		}
		return Payload{Quote: &quote}, nil

	case model.MessageTrade:
		var t tradePayload
		if err := c.unmarshal(env, &t); err != nil {
			return Payload{}, err
		}
		trade := model.Trade{
			ID:        t.TradeID,
			Symbol:    strings.ToUpper(t.Symbol),
			Price:     t.Price,
			Size:      t.Size,
			Side:      model.Side(t.Side),
			Venue:     t.Venue,
			Timestamp: firstNonZero(t.Timestamp, env.Timestamp),
		}
		return Payload{Trade: &trade}, nil

	case model.MessageOrderBook:
		var b orderBookPayload
		if err := c.unmarshal(env, &b); err != nil {
			return Payload{}, err
		}
		seq := b.Sequence
		if seq == 0 && env.HasSeq {
			seq = env.Sequence
		}
		book := model.OrderBookUpdate{
			Symbol:     strings.ToUpper(b.Symbol),
			Bids:       toLevels(b.Bids),
			Asks:       toLevels(b.Asks),
			Sequence:   seq,
			IsSnapshot: b.IsSnapshot,
			Timestamp:  firstNonZero(b.Timestamp, env.Timestamp),
		}
		return Payload{Book: &book}, nil

	case model.MessageMarketStatus:
		var s marketStatusPayload
		if err := c.unmarshal(env, &s); err != nil {
			return Payload{}, err
		}
		return Payload{Status: model.MarketStatus(strings.ToLower(s.Status))}, nil

	case model.MessageError:
		var e serverErrorPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &e); err != nil {
				return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
		}
		return Payload{ServerError: fmt.Sprintf("server error %d: %s", e.Code, e.Message)}, nil

	case model.MessageAuthentication:
		var a authPayload
		if err := c.unmarshal(env, &a); err != nil {
			return Payload{}, err
		}
		return Payload{AuthFailed: !a.Success, AuthReason: a.Reason}, nil
	}
	return Payload{}, nil
}

func (c *Codec) unmarshal(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s frame without data", ErrMalformedPayload, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	if err := c.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	return nil
}

func toLevels(in []levelPayload) []model.PriceLevel {
	out := make([]model.PriceLevel, len(in))
	for i, l := range in {
		out[i] = model.PriceLevel{Price: l.Price, Size: l.Size, Orders: l.Orders}
	}
	return out
}

func firstNonZero(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// Encoders used by test servers and the simulator feed.

// QuoteData returns the payload representation of q.
func QuoteData(q model.Quote) any {
	return quotePayload{
		Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask, BidSize: q.BidSize, AskSize: q.AskSize,
		LastPrice: q.Last, LastSize: q.LastSize, Volume: q.Volume, High: q.High, Low: q.Low,
		Open: q.Open, Timestamp: q.Timestamp,
	}
}

// TradeData returns the payload representation of t.
func TradeData(t model.Trade) any {
	return tradePayload{
		Symbol: t.Symbol, TradeID: t.ID, Price: t.Price, Size: t.Size, Side: string(t.Side),
		Venue: t.Venue, Timestamp: t.Timestamp,
	}
}

// OrderBookData returns the payload representation of u.
func OrderBookData(u model.OrderBookUpdate) any {
	conv := func(in []model.PriceLevel) []levelPayload {
		out := make([]levelPayload, len(in))
		for i, l := range in {
			out[i] = levelPayload{Price: l.Price, Size: l.Size, Orders: l.Orders}
		}
		return out
	}
	return orderBookPayload{
		Symbol: u.Symbol, Bids: conv(u.Bids), Asks: conv(u.Asks), Sequence: u.Sequence,
		IsSnapshot: u.IsSnapshot, Timestamp: u.Timestamp,
	}
}
