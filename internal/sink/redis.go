package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"marketfeed/internal/model"
)

const (
	defaultPrefix        = "marketfeed"
	defaultHistoryWindow = 24 * time.Hour
	defaultBookTTL       = time.Minute
)

// RedisConfig configures the Redis mirror.
type RedisConfig struct {
	Addr          string        `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db" validate:"gte=0"`
	Prefix        string        `mapstructure:"prefix"`
	HistoryWindow time.Duration `mapstructure:"history_window" validate:"gte=0"`
}

// RedisMirror mirrors cached data into Redis:
//
//	<prefix>:snapshot:<symbol>          hash of the latest snapshot
//	<prefix>:candles:<symbol>:<period>  sorted set of candles scored by start time
//	<prefix>:book:<symbol>              JSON of the latest order book
//
// Candles older than the history window are trimmed on every write and every
// key expires after the window without writes.
type RedisMirror struct {
	client *redis.Client
	prefix string
	window time.Duration
	now    func() time.Time
}

// RedisOption customises the mirror.
type RedisOption func(*RedisMirror)

func WithPrefix(prefix string) RedisOption {
	return func(m *RedisMirror) {
		if prefix != "" {
			m.prefix = prefix
		}
	}
}

// WithHistoryWindow bounds how far back candles are kept.
func WithHistoryWindow(d time.Duration) RedisOption {
	return func(m *RedisMirror) {
		if d > 0 {
			m.window = d
		}
	}
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(m *RedisMirror) {
		if now != nil {
			m.now = now
		}
	}
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(client *redis.Client, opts ...RedisOption) *RedisMirror {
	m := &RedisMirror{
		client: client,
		prefix: defaultPrefix,
		window: defaultHistoryWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DialRedis connects to cfg.Addr and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	log.Info().Str("component", "redis").Str("addr", cfg.Addr).Msg("connected to redis")
	return NewRedisMirror(client, WithPrefix(cfg.Prefix), WithHistoryWindow(cfg.HistoryWindow)), nil
}

func (m *RedisMirror) Name() string { return "redis" }

// Close closes the underlying client.
func (m *RedisMirror) Close() error { return m.client.Close() }

// Ping reports whether Redis is reachable.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) snapshotKey(symbol string) string {
	return fmt.Sprintf("%s:snapshot:%s", m.prefix, symbol)
}

func (m *RedisMirror) candlesKey(symbol string, period model.Period) string {
	return fmt.Sprintf("%s:candles:%s:%s", m.prefix, symbol, period)
}

func (m *RedisMirror) bookKey(symbol string) string {
	return fmt.Sprintf("%s:book:%s", m.prefix, symbol)
}

// WriteSnapshot stores the snapshot as a hash.
func (m *RedisMirror) WriteSnapshot(ctx context.Context, snap model.Snapshot, prov model.Provenance) error {
	key := m.snapshotKey(snap.Symbol)
	fields := map[string]any{
		"price":          snap.Price.String(),
		"change":         snap.Change.String(),
		"change_percent": snap.ChangePercent.String(),
		"volume":         snap.Volume.String(),
		"day_high":       snap.DayHigh.String(),
		"day_low":        snap.DayLow.String(),
		"market_status":  string(snap.MarketStatus),
		"provenance":     prov.String(),
		"timestamp":      snap.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if snap.Bid.Valid {
		fields["bid"] = snap.Bid.Decimal.String()
	}
	if snap.Ask.Valid {
		fields["ask"] = snap.Ask.Decimal.String()
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, m.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror snapshot %s: %w", snap.Symbol, err)
	}
	return nil
}

// WriteCandles adds candles to the sorted set of (symbol, period). A candle
// replaces any stored candle with the same start time.
func (m *RedisMirror) WriteCandles(ctx context.Context, symbol string, period model.Period, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	key := m.candlesKey(symbol, period)

	pipe := m.client.TxPipeline()
	for _, c := range candles {
		member, err := json.Marshal(toCandleRecord(c))
		if err != nil {
			return fmt.Errorf("encode candle: %w", err)
		}
		score := float64(c.StartTime.Unix())
		bound := fmt.Sprintf("%d", c.StartTime.Unix())
		pipe.ZRemRangeByScore(ctx, key, bound, bound)
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	}

	cutoff := m.now().Add(-m.window).Unix()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	pipe.Expire(ctx, key, m.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror candles %s %s: %w", symbol, period, err)
	}
	return nil
}

// WriteOrderBook stores the book as JSON.
func (m *RedisMirror) WriteOrderBook(ctx context.Context, book model.OrderBook) error {
	b, err := json.Marshal(toBookRecord(book))
	if err != nil {
		return fmt.Errorf("encode order book: %w", err)
	}
	ttl := min(m.window, defaultBookTTL)
	if err := m.client.Set(ctx, m.bookKey(book.Symbol), b, ttl).Err(); err != nil {
		return fmt.Errorf("mirror order book %s: %w", book.Symbol, err)
	}
	return nil
}

// Snapshot returns the mirrored snapshot fields of symbol.
func (m *RedisMirror) Snapshot(ctx context.Context, symbol string) (map[string]string, error) {
	res, err := m.client.HGetAll(ctx, m.snapshotKey(symbol)).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, redis.Nil
	}
	return res, nil
}

// Candles returns the mirrored candles of (symbol, period) starting at or
// after since, oldest first.
func (m *RedisMirror) Candles(ctx context.Context, symbol string, period model.Period, since time.Time) ([]model.Candle, error) {
	members, err := m.client.ZRangeByScore(ctx, m.candlesKey(symbol, period), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]model.Candle, 0, len(members))
	for _, member := range members {
		var r candleRecord
		if err := json.Unmarshal([]byte(member), &r); err != nil {
			log.Warn().Err(err).Str("component", "redis").Str("symbol", symbol).Msg("could not decode mirrored candle")
			continue
		}
		out = append(out, r.candle(symbol, period))
	}
	return out, nil
}
