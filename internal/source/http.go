package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"marketfeed/internal/model"
	"marketfeed/internal/policy"
)

const (
	defaultHTTPTimeout       = 10 * time.Second
	defaultRequestsPerSecond = 5
	defaultMaxRetries        = 3
	defaultRetryInterval     = 200 * time.Millisecond
	defaultHTTPMaxHistory    = 1000
	maxErrorBody             = 512
)

// SnapshotResponse is the body of GET /snapshot/{symbol}.
type SnapshotResponse struct {
	Symbol        string              `json:"symbol"`
	Price         decimal.Decimal     `json:"price"`
	Change        decimal.Decimal     `json:"change"`
	ChangePercent decimal.Decimal     `json:"change_percent"`
	Volume        decimal.Decimal     `json:"volume"`
	PreviousClose decimal.Decimal     `json:"previous_close"`
	DayHigh       decimal.Decimal     `json:"day_high"`
	DayLow        decimal.Decimal     `json:"day_low"`
	Bid           decimal.NullDecimal `json:"bid"`
	Ask           decimal.NullDecimal `json:"ask"`
	BidSize       decimal.NullDecimal `json:"bid_size"`
	AskSize       decimal.NullDecimal `json:"ask_size"`
	MarketStatus  model.MarketStatus  `json:"market_status"`
	Timestamp     time.Time           `json:"timestamp"`
}

// CandleResponse is one element of the GET /history/{symbol} body.
type CandleResponse struct {
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
}

// LevelResponse is one price level of the GET /orderbook/{symbol} body.
type LevelResponse struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"order_count"`
}

// OrderBookResponse is the body of GET /orderbook/{symbol}.
type OrderBookResponse struct {
	Symbol    string          `json:"symbol"`
	Bids      []LevelResponse `json:"bids"`
	Asks      []LevelResponse `json:"asks"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// HTTPSource queries a REST market-data service. Requests are paced by a
// token bucket and idempotent failures are retried with exponential backoff.
type HTTPSource struct {
	baseURL       *url.URL
	httpClient    *http.Client
	limiter       *rate.Limiter
	maxRetries    uint
	retryInterval time.Duration
	maxHistory    int
}

// HTTPOption customises the HTTP source.
type HTTPOption func(*HTTPSource)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithRequestsPerSecond sets the client-side request rate.
func WithRequestsPerSecond(rps float64) HTTPOption {
	return func(s *HTTPSource) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		}
	}
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) HTTPOption {
	return func(s *HTTPSource) {
		if n >= 0 {
			s.maxRetries = uint(n)
		}
	}
}

// WithRetryInterval sets the initial retry backoff.
func WithRetryInterval(d time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

// WithHTTPMaxHistory sets the largest history request the service accepts.
func WithHTTPMaxHistory(n int) HTTPOption {
	return func(s *HTTPSource) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// NewHTTPSource creates a source for the service at baseURL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) (*HTTPSource, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	s := &HTTPSource{
		baseURL:       u,
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
		limiter:       rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond),
		maxRetries:    defaultMaxRetries,
		retryInterval: defaultRetryInterval,
		maxHistory:    defaultHTTPMaxHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func init() {
	Register("http", func(cfg Config) (Source, error) {
		opts := []HTTPOption{WithMaxRetries(cfg.MaxRetries)}
		if cfg.Timeout > 0 {
			opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		if cfg.RequestsPerSecond > 0 {
			opts = append(opts, WithRequestsPerSecond(cfg.RequestsPerSecond))
		}
		return NewHTTPSource(cfg.BaseURL, opts...)
	})
}

func (s *HTTPSource) Name() string { return "http" }

func (s *HTTPSource) Provenance() model.Provenance { return model.ProvenanceFallback }

func (s *HTTPSource) MaxHistory() int { return s.maxHistory }

// Snapshot fetches the latest snapshot of symbol.
func (s *HTTPSource) Snapshot(ctx context.Context, symbol string) (model.Snapshot, error) {
	var r SnapshotResponse
	if err := s.get(ctx, "/snapshot/"+url.PathEscape(symbol), nil, &r); err != nil {
		return model.Snapshot{}, err
	}
	if r.Symbol == "" {
		r.Symbol = symbol
	}
	if r.MarketStatus == "" {
		r.MarketStatus = model.MarketOpen
	}
	return model.Snapshot{
		Symbol:        r.Symbol,
		Price:         r.Price,
		Change:        r.Change,
		ChangePercent: r.ChangePercent,
		Volume:        r.Volume,
		PreviousClose: r.PreviousClose,
		DayHigh:       r.DayHigh,
		DayLow:        r.DayLow,
		Bid:           r.Bid,
		Ask:           r.Ask,
		BidSize:       r.BidSize,
		AskSize:       r.AskSize,
		MarketStatus:  r.MarketStatus,
		Timestamp:     r.Timestamp,
	}, nil
}

// History fetches count candles of period, oldest first.
func (s *HTTPSource) History(ctx context.Context, symbol string, period model.Period, count int) ([]model.Candle, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}
	if count > s.maxHistory {
		return nil, fmt.Errorf("%w: %d candles requested, at most %d", ErrHistoryUnavailable, count, s.maxHistory)
	}
	q := url.Values{}
	q.Set("period", string(period))
	q.Set("count", strconv.Itoa(count))

	var rs []CandleResponse
	if err := s.get(ctx, "/history/"+url.PathEscape(symbol), q, &rs); err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(rs))
	for _, r := range rs {
		out = append(out, model.Candle{
			Symbol:    symbol,
			Period:    period,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
		})
	}
	return out, nil
}

// OrderBook fetches the current book of symbol.
func (s *HTTPSource) OrderBook(ctx context.Context, symbol string) (model.OrderBook, error) {
	var r OrderBookResponse
	if err := s.get(ctx, "/orderbook/"+url.PathEscape(symbol), nil, &r); err != nil {
		return model.OrderBook{}, err
	}
	ob := model.OrderBook{
		Symbol:    symbol,
		Bids:      toLevels(r.Bids),
		Asks:      toLevels(r.Asks),
		Sequence:  r.Sequence,
		Timestamp: r.Timestamp,
	}
	ob.Recalculate()
	return ob, nil
}

func toLevels(in []LevelResponse) []model.PriceLevel {
	out := make([]model.PriceLevel, len(in))
	for i, l := range in {
		out[i] = model.PriceLevel{Price: l.Price, Size: l.Size, Orders: l.Orders}
	}
	return out
}

// get performs a GET with pacing and retries and decodes the JSON body into out.
// 404 maps to ErrNotFound; other failures are classified as policy.NetworkError.
func (s *HTTPSource) get(ctx context.Context, path string, query url.Values, out any) error {
	u := *s.baseURL
	u.Path += path
	u.RawQuery = query.Encode()
	target := u.String()

	logger := log.With().
		Str("component", "httpSource").
		Str("url", target).
		Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := s.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := s.do(ctx, target, out)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("request failed")
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxRetries+1))
	return err
}

func (s *HTTPSource) do(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return policy.AsNetworkError(fmt.Errorf("request %s: %w", target, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, target))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		ne := policy.FromStatus(resp.StatusCode, fmt.Sprintf("%s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body))))
		if !policy.IsRetryable(ne.Kind) {
			return backoff.Permanent(ne)
		}
		return ne
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		ne := policy.NewError(policy.KindInvalidResponse, fmt.Sprintf("decode %s: %v", target, err))
		ne.Err = err
		return backoff.Permanent(ne)
	}
	return nil
}

// IsNotFound reports whether err means the source has no data.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
