package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"marketfeed/internal/model"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic" validate:"required_with=Brokers"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	Compression  string        `mapstructure:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message kinds carried in the "type" header and the envelope.
const (
	KindSnapshot  = "snapshot"
	KindCandles   = "candles"
	KindOrderBook = "order_book"
)

// Envelope is the JSON value of every published message.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Symbol      string          `json:"symbol"`
	Period      string          `json:"period,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
	Data        json.RawMessage `json:"data"`
}

// KafkaPublisher exports accepted data to a single topic, keyed by symbol so
// that every update of one symbol lands on the same partition.
type KafkaPublisher struct {
	w   MessageWriter
	now func() time.Time
}

// NewKafkaWriter builds a hash-balanced writer for cfg.Topic.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	switch cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "snappy":
		w.Compression = kafka.Snappy
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	}
	log.Info().Str("component", "kafka").Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka writer configured")
	return w
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w, now: time.Now}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Close() error { return p.w.Close() }

func (p *KafkaPublisher) WriteSnapshot(ctx context.Context, snap model.Snapshot, prov model.Provenance) error {
	return p.publish(ctx, KindSnapshot, snap.Symbol, "", toSnapshotRecord(snap, prov))
}

// WriteCandles publishes the candles as one message.
func (p *KafkaPublisher) WriteCandles(ctx context.Context, symbol string, period model.Period, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	recs := make([]candleRecord, len(candles))
	for i, c := range candles {
		recs[i] = toCandleRecord(c)
	}
	return p.publish(ctx, KindCandles, symbol, string(period), recs)
}

func (p *KafkaPublisher) WriteOrderBook(ctx context.Context, book model.OrderBook) error {
	return p.publish(ctx, KindOrderBook, book.Symbol, "", toBookRecord(book))
}

func (p *KafkaPublisher) publish(ctx context.Context, kind, symbol, period string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	env := Envelope{
		ID:          uuid.NewString(),
		Type:        kind,
		Symbol:      symbol,
		Period:      period,
		PublishedAt: p.now().UTC(),
		Data:        raw,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(symbol),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(kind)}},
		Time:    env.PublishedAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s %s: %w", kind, symbol, err)
	}
	return nil
}
