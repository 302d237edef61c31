// Package wire implements the JSON protocol spoken by the streaming feed.
//
// Every frame is an envelope carrying a message type, an optional symbol, a
// type-specific payload, a timestamp and an optional sequence number:
//
//	{
//		"message_type": "Quote",
//		"symbol": "AAPL",
//		"data": {"symbol": "AAPL", "bid": "150.00", "ask": "150.05", ...},
//		"timestamp": "2024-01-02T15:04:05.123Z",
//		"sequence": 42
//	}
//
// Decoding is split in two steps: the envelope is decoded for every frame,
// while the payload is decoded and validated only for data frames that pass
// deduplication. Numeric fields accept both JSON numbers and strings so no
// precision is lost to float parsing.
package wire

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"marketfeed/internal/model"
)

var (
	// ErrMalformedFrame indicates a frame that is not a valid envelope.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrMalformedPayload indicates a payload that does not match its message type.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Envelope is the decoded outer structure of a frame.
type Envelope struct {
	Type      model.MessageType
	RawType   string
	Symbol    string
	Data      json.RawMessage
	Timestamp time.Time
	Sequence  uint64
	HasSeq    bool
}

// frame mirrors the JSON layout of an envelope.
type frame struct {
	MessageType string          `json:"message_type"`
	Symbol      *string         `json:"symbol,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    *uint64         `json:"sequence,omitempty"`
}

// Decode parses the outer envelope of a frame.
func Decode(raw []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.MessageType == "" {
		return Envelope{}, fmt.Errorf("%w: missing message_type", ErrMalformedFrame)
	}

	env := Envelope{
		Type:      model.ParseMessageType(f.MessageType),
		RawType:   f.MessageType,
		Data:      f.Data,
		Timestamp: f.Timestamp,
	}
	if f.Symbol != nil {
		env.Symbol = *f.Symbol
	}
	if f.Sequence != nil {
		env.Sequence = *f.Sequence
		env.HasSeq = true
	}
	return env, nil
}

// Encode builds a frame for the given type and payload.
func Encode(mt model.MessageType, symbol string, data any, ts time.Time) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", mt, err)
		}
		raw = b
	}
	f := frame{MessageType: string(mt), Data: raw, Timestamp: ts.UTC()}
	if symbol != "" {
		f.Symbol = &symbol
	}
	return json.Marshal(f)
}

// subscriptionPayload is the data of Subscribe and Unsubscribe frames.
type subscriptionPayload struct {
	Symbol         string              `json:"symbol"`
	MessageTypes   []model.MessageType `json:"message_types"`
	SubscriptionID string              `json:"subscription_id"`
}

// EncodeSubscribe builds a Subscribe frame for sub.
func EncodeSubscribe(sub model.Subscription, ts time.Time) ([]byte, error) {
	return Encode(model.MessageSubscribe, sub.Symbol, subscriptionPayload{
		Symbol:         sub.Symbol,
		MessageTypes:   sub.Kinds,
		SubscriptionID: sub.ID,
	}, ts)
}

// EncodeUnsubscribe builds an Unsubscribe frame for sub.
func EncodeUnsubscribe(sub model.Subscription, ts time.Time) ([]byte, error) {
	return Encode(model.MessageUnsubscribe, sub.Symbol, subscriptionPayload{
		Symbol:         sub.Symbol,
		MessageTypes:   sub.Kinds,
		SubscriptionID: sub.ID,
	}, ts)
}

// heartbeatPayload is the data of an outbound Heartbeat frame.
type heartbeatPayload struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// EncodeHeartbeat builds an application-level ping frame.
func EncodeHeartbeat(ts time.Time) ([]byte, error) {
	return Encode(model.MessageHeartbeat, "", heartbeatPayload{Type: "ping", Timestamp: ts.UTC()}, ts)
}
