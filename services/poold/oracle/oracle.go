package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"lendpool/native/pool"
	"lendpool/observability"
)

var (
	// ErrStale is returned when the newest quote is older than the allowed age.
	ErrStale = errors.New("oracle: price is stale")
	// ErrUnavailable wraps failures of the underlying source.
	ErrUnavailable = errors.New("oracle: price unavailable")
)

// Quote is a price in lent units per collateral unit, scaled by the pool's
// price decimals.
type Quote struct {
	Price     *uint256.Int
	Timestamp time.Time
	Source    string
}

// Source fetches the latest quote.
type Source interface {
	Fetch(ctx context.Context) (Quote, error)
	Name() string
}

// StaticSource always returns the configured price stamped with the current
// time.
type StaticSource struct {
	price *uint256.Int
	now   func() time.Time
}

// NewStaticSource parses a decimal price such as "2000.5".
func NewStaticSource(price string, decimals uint8) (*StaticSource, error) {
	parsed, err := pool.ParseAmount(price, decimals)
	if err != nil {
		return nil, fmt.Errorf("oracle: static price: %w", err)
	}
	if parsed.IsZero() {
		return nil, fmt.Errorf("oracle: static price: %w", pool.ErrInvalidPrice)
	}
	return &StaticSource{price: parsed, now: time.Now}, nil
}

// Fetch implements Source.
func (s *StaticSource) Fetch(context.Context) (Quote, error) {
	return Quote{Price: new(uint256.Int).Set(s.price), Timestamp: s.now(), Source: s.Name()}, nil
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// HTTPSource reads {"price":"2000.5","timestamp":1700000000} from a URL.
type HTTPSource struct {
	url      string
	decimals uint8
	client   *http.Client
}

// NewHTTPSource builds a source polling url.
func NewHTTPSource(url string, decimals uint8, client *http.Client) (*HTTPSource, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("oracle: http source url required")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSource{url: url, decimals: decimals, client: client}, nil
}

type httpQuote struct {
	Price     json.Number `json:"price"`
	Timestamp int64       `json:"timestamp"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetch %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("fetch %s: status %d", s.url, resp.StatusCode)
	}
	var body httpQuote
	decoder := json.NewDecoder(io.LimitReader(resp.Body, 1<<16))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	price, err := pool.ParseAmount(body.Price.String(), s.decimals)
	if err != nil {
		return Quote{}, fmt.Errorf("parse price: %w", err)
	}
	if price.IsZero() {
		return Quote{}, pool.ErrInvalidPrice
	}
	if body.Timestamp <= 0 {
		return Quote{}, fmt.Errorf("quote timestamp %s invalid", strconv.FormatInt(body.Timestamp, 10))
	}
	return Quote{Price: price, Timestamp: time.Unix(body.Timestamp, 0), Source: s.Name()}, nil
}

// Name implements Source.
func (s *HTTPSource) Name() string { return "http" }

// Oracle serves quotes from a source, caching them for a short interval and
// refusing quotes older than maxAge.
type Oracle struct {
	source   Source
	pair     string
	decimals uint8
	maxAge   time.Duration
	cacheFor time.Duration
	now      func() time.Time

	mu       sync.Mutex
	cached   *Quote
	cachedAt time.Time
}

// Config tunes an Oracle.
type Config struct {
	Pair     string
	Decimals uint8
	MaxAge   time.Duration
	CacheFor time.Duration
}

// New wraps source.
func New(source Source, cfg Config) (*Oracle, error) {
	if source == nil {
		return nil, errors.New("oracle: source required")
	}
	return &Oracle{
		source:   source,
		pair:     cfg.Pair,
		decimals: cfg.Decimals,
		maxAge:   cfg.MaxAge,
		cacheFor: cfg.CacheFor,
		now:      time.Now,
	}, nil
}

// Latest returns a quote no older than the configured max age.
func (o *Oracle) Latest(ctx context.Context) (Quote, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	if o.cached != nil && o.cacheFor > 0 && now.Sub(o.cachedAt) < o.cacheFor {
		return o.checkAge(*o.cached, now)
	}
	quote, err := o.source.Fetch(ctx)
	observability.Oracle().RecordFetch(o.source.Name(), err)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if quote.Price == nil || quote.Price.IsZero() {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, pool.ErrInvalidPrice)
	}
	o.cached = &quote
	o.cachedAt = now
	observability.Oracle().RecordPrice(o.pair, quote.Price.ToBig(), o.decimals, now.Sub(quote.Timestamp))
	return o.checkAge(quote, now)
}

func (o *Oracle) checkAge(q Quote, now time.Time) (Quote, error) {
	if o.maxAge > 0 && now.Sub(q.Timestamp) > o.maxAge {
		return Quote{}, fmt.Errorf("%w: quote from %s is older than %s", ErrStale, q.Timestamp.UTC().Format(time.RFC3339), o.maxAge)
	}
	return Quote{Price: new(uint256.Int).Set(q.Price), Timestamp: q.Timestamp, Source: q.Source}, nil
}
