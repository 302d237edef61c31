// Package endpoint keeps the ordered set of candidate streaming servers.
//
// Endpoints are sorted by priority, highest first. Each endpoint counts its
// consecutive connection failures and is deactivated once the count reaches
// its threshold. Deactivated endpoints are skipped, never removed, so an
// operator can reinstate them.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
)

// DefaultMaxFailures is the failure threshold used when none is configured.
const DefaultMaxFailures = 3

var (
	// ErrNoEndpoints is returned when the pool holds no endpoints at all.
	ErrNoEndpoints = errors.New("no endpoints configured")

	// ErrNoEligibleEndpoint is returned when every endpoint is inactive or cooling down.
	ErrNoEligibleEndpoint = errors.New("no eligible endpoint available")

	// ErrUnknownEndpoint is returned for operations on a URL the pool does not hold.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// Config describes one endpoint to add to a pool.
type Config struct {
	URL         string `mapstructure:"url" validate:"required,url"`
	Priority    int    `mapstructure:"priority"`
	MaxFailures int    `mapstructure:"max_failures" validate:"gte=0"`
}

// Endpoint is a read-only view of one pool member.
type Endpoint struct {
	URL         string
	Priority    int
	Active      bool
	LastAttempt time.Time
	Failures    int
	MaxFailures int
}

// eligible reports whether the endpoint may be tried at now.
func (e *Endpoint) eligible(now time.Time, cooldown time.Duration) bool {
	if !e.Active {
		return false
	}
	if e.LastAttempt.IsZero() {
		return true
	}
	return now.Sub(e.LastAttempt) >= cooldown
}

// Pool is safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	current   int
	now       func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool builds a pool from configs. An empty config list yields an empty pool,
// which fails on first use with ErrNoEndpoints.
func NewPool(configs []Config, opts ...Option) (*Pool, error) {
	p := &Pool{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	for _, c := range configs {
		if err := p.Add(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add inserts an endpoint and re-sorts the pool by priority. Adding a URL that
// is already present updates its priority and threshold.
func (p *Pool) Add(c Config) error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid endpoint url %q", c.URL)
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var currentURL string
	if len(p.endpoints) > 0 {
		currentURL = p.endpoints[p.current].URL
	}

	if e := p.find(c.URL); e != nil {
		e.Priority = c.Priority
		e.MaxFailures = c.MaxFailures
	} else {
		p.endpoints = append(p.endpoints, &Endpoint{
			URL:         c.URL,
			Priority:    c.Priority,
			Active:      true,
			MaxFailures: c.MaxFailures,
		})
	}

	sort.SliceStable(p.endpoints, func(i, j int) bool {
		return p.endpoints[i].Priority > p.endpoints[j].Priority
	})

	p.current = 0
	if currentURL != "" {
		p.current = p.index(currentURL)
	}
	return nil
}

// Len returns the number of endpoints, active or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Current returns the endpoint the client is bound to.
func (p *Pool) Current() (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}
	return *p.endpoints[p.current], nil
}

// Select binds the pool to the first endpoint, in priority order, that is
// active and whose cooldown has elapsed.
func (p *Pool) Select(cooldown time.Duration) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}
	now := p.now()
	for i, e := range p.endpoints {
		if e.eligible(now, cooldown) {
			p.current = i
			return *e, nil
		}
	}
	return Endpoint{}, ErrNoEligibleEndpoint
}

// Failover binds the pool to the best eligible endpoint other than the current one.
func (p *Pool) Failover(cooldown time.Duration) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}
	now := p.now()
	for i, e := range p.endpoints {
		if i == p.current {
			continue
		}
		if e.eligible(now, cooldown) {
			p.current = i
			return *e, nil
		}
	}
	return Endpoint{}, ErrNoEligibleEndpoint
}

// MarkAttempt stamps the last-attempt instant of an endpoint.
func (p *Pool) MarkAttempt(rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.find(rawURL); e != nil {
		e.LastAttempt = p.now()
	}
}

// MarkSuccess clears the failure count and reactivates the endpoint.
func (p *Pool) MarkSuccess(rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.find(rawURL); e != nil {
		e.Failures = 0
		e.Active = true
		e.LastAttempt = p.now()
	}
}

// MarkFailure records a failed attempt and reports whether the endpoint was
// deactivated by this failure.
func (p *Pool) MarkFailure(rawURL string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.find(rawURL)
	if e == nil {
		return false
	}
	e.Failures++
	e.LastAttempt = p.now()
	if e.Active && e.Failures >= e.MaxFailures {
		e.Active = false
		return true
	}
	return false
}

// Reinstate reactivates an endpoint and clears its failures.
func (p *Pool) Reinstate(rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.find(rawURL)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, rawURL)
	}
	e.Active = true
	e.Failures = 0
	e.LastAttempt = time.Time{}
	return nil
}

// Endpoints returns a copy of every endpoint in priority order.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, len(p.endpoints))
	for i, e := range p.endpoints {
		out[i] = *e
	}
	return out
}

func (p *Pool) find(rawURL string) *Endpoint {
	for _, e := range p.endpoints {
		if e.URL == rawURL {
			return e
		}
	}
	return nil
}

func (p *Pool) index(rawURL string) int {
	for i, e := range p.endpoints {
		if e.URL == rawURL {
			return i
		}
	}
	return 0
}
