// Package pricefeed fetches reference market prices from a price node over
// HTTP. Requests are rate limited and guarded by a circuit breaker; transient
// failures are retried with exponential backoff and bridged by a short-lived
// cache of the last good quote.
package pricefeed

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"

	"github.com/escrownet/escrowd/internal/core/ports"
	"github.com/escrownet/escrowd/pkg/circuitbreaker"
)

var (
	// ErrPriceUnavailable is returned when the feed cannot produce a price,
	// neither fresh nor cached.
	ErrPriceUnavailable = errors.New("reference price unavailable")
)

const (
	defaultCacheTTL    = 2 * time.Minute
	defaultTimeout     = 10 * time.Second
	defaultRatePerSec  = 5
	defaultMaxRetries  = 3
	defaultRetryMinGap = 250 * time.Millisecond
)

type quote struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// priceResponse is the price node's wire format.
type priceResponse struct {
	CurrencyCode string `json:"currencyCode"`
	Price        string `json:"price"`
	TimestampSec int64  `json:"timestampSec"`
}

// Service implements the reference price feed against a price node endpoint.
type Service struct {
	baseURL  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  ratelimit.Limiter
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]quote
}

var _ ports.PriceFeed = (*Service)(nil)

// ServiceOption tweaks the feed construction.
type ServiceOption func(*Service)

// WithCacheTTL overrides how long a fetched quote counts as fresh.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.cacheTTL = ttl }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) { s.client = client }
}

// NewService returns a feed reading from the given price node base URL.
func NewService(baseURL string, opts ...ServiceOption) *Service {
	s := &Service{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: defaultTimeout},
		breaker:  circuitbreaker.New("pricefeed"),
		limiter:  ratelimit.New(defaultRatePerSec),
		cacheTTL: defaultCacheTTL,
		cache:    make(map[string]quote),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetMarketPrice returns the current reference price for the currency code.
// A fresh cached quote short-circuits the network; on fetch failure the last
// known quote is served as long as it has not expired.
func (s *Service) GetMarketPrice(currencyCode string) (decimal.Decimal, error) {
	if q, ok := s.cached(currencyCode); ok {
		return q.price, nil
	}

	price, err := s.fetch(currencyCode)
	if err != nil {
		s.mu.RLock()
		stale, ok := s.cache[currencyCode]
		s.mu.RUnlock()
		if ok {
			log.WithError(err).Warnf(
				"price feed: serving stale %s quote from %s",
				currencyCode, stale.fetchedAt.Format(time.RFC3339),
			)
			return stale.price, nil
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, currencyCode, err)
	}

	s.mu.Lock()
	s.cache[currencyCode] = quote{price: price, fetchedAt: time.Now()}
	s.mu.Unlock()
	return price, nil
}

func (s *Service) cached(currencyCode string) (quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.cache[currencyCode]
	if !ok || time.Since(q.fetchedAt) > s.cacheTTL {
		return quote{}, false
	}
	return q, true
}

func (s *Service) fetch(currencyCode string) (decimal.Decimal, error) {
	s.limiter.Take()

	res, err := s.breaker.Execute(func() (interface{}, error) {
		var price decimal.Decimal
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = defaultRetryMinGap
		policy := backoff.WithMaxRetries(bo, defaultMaxRetries)
		err := backoff.Retry(func() error {
			p, err := s.fetchOnce(currencyCode)
			if err != nil {
				return err
			}
			price = p
			return nil
		}, policy)
		return price, err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return res.(decimal.Decimal), nil
}

func (s *Service) fetchOnce(currencyCode string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf(
		"%s/price?currency=%s", s.baseURL, url.QueryEscape(currencyCode),
	)
	resp, err := s.client.Get(endpoint)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf(
			"price node returned %d: %s", resp.StatusCode, string(body),
		)
	}

	var payload priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decoding price response: %w", err)
	}
	if payload.CurrencyCode != currencyCode {
		return decimal.Zero, fmt.Errorf(
			"price node answered for %s, asked for %s",
			payload.CurrencyCode, currencyCode,
		)
	}
	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing price %q: %w", payload.Price, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", price)
	}
	return price, nil
}
