// Package currency converts statement amounts into ledger currencies for the
// reconciliation matcher. Rates come from an external provider when one is
// wired in, fall back to a static table cross-rated through USD, and are
// cached for 24 hours. Same-currency conversions short-circuit to 1.0.
package currency

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RateProvider fetches a live rate. Nil date means today. Implementations
// are external collaborators; failures fall back to the static table.
type RateProvider interface {
	Rate(ctx context.Context, from, to string, date *time.Time) (float64, error)
}

// RateCache stores resolved rates with a TTL. The Redis adapter satisfies
// it in deployments; the in-memory cache covers everything else.
type RateCache interface {
	GetRate(ctx context.Context, key string) (float64, bool)
	SetRate(ctx context.Context, key string, rate float64, ttl time.Duration)
}

// DefaultTTL is how long a resolved rate stays valid.
const DefaultTTL = 24 * time.Hour

// fallbackRates is the static table, expressed as units per USD. Cross
// rates go through USD: rate(from→to) = to/USD ÷ from/USD.
var fallbackRates = map[string]float64{
	"USD": 1.0,
	"IDR": 15750,
	"EUR": 0.92,
	"GBP": 0.79,
	"JPY": 149.5,
	"CNY": 7.24,
	"SGD": 1.34,
	"MYR": 4.72,
	"THB": 35.8,
	"PHP": 56.25,
}

// ErrUnsupportedPair marks a currency pair absent from both the provider
// and the fallback table.
type ErrUnsupportedPair struct{ From, To string }

func (e ErrUnsupportedPair) Error() string {
	return fmt.Sprintf("currency: unsupported pair %s/%s", e.From, e.To)
}

// Service resolves and caches exchange rates.
type Service struct {
	provider RateProvider // optional
	cache    RateCache
	ttl      time.Duration
}

// New builds a service. provider may be nil (static-table only); cache may
// be nil (a process-local cache is used).
func New(provider RateProvider, cache RateCache, ttl time.Duration) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{provider: provider, cache: cache, ttl: ttl}
}

func cacheKey(from, to string, date *time.Time) string {
	day := "today"
	if date != nil {
		day = date.UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("fx:%s:%s:%s", from, to, day)
}

// Rate returns the from→to conversion factor. Lookup order: short-circuit,
// cache, provider, static table.
func (s *Service) Rate(ctx context.Context, from, to string, date *time.Time) (float64, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == "" {
		from = "IDR"
	}
	if to == "" {
		to = "IDR"
	}
	if from == to {
		return 1.0, nil
	}

	key := cacheKey(from, to, date)
	if rate, ok := s.cache.GetRate(ctx, key); ok {
		return rate, nil
	}

	if s.provider != nil {
		rate, err := s.provider.Rate(ctx, from, to, date)
		if err == nil && rate > 0 {
			s.cache.SetRate(ctx, key, rate, s.ttl)
			return rate, nil
		}
		if err != nil {
			slog.Warn("[Currency] Provider failed, using static table", "pair", from+"/"+to, "error", err)
		}
	}

	fromUSD, okFrom := fallbackRates[from]
	toUSD, okTo := fallbackRates[to]
	if !okFrom || !okTo {
		return 0, ErrUnsupportedPair{From: from, To: to}
	}
	rate := toUSD / fromUSD
	s.cache.SetRate(ctx, key, rate, s.ttl)
	return rate, nil
}

// Convert applies the rate and rounds to two fractional digits.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string, date *time.Time) (decimal.Decimal, error) {
	rate, err := s.Rate(ctx, from, to, date)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(decimal.NewFromFloat(rate)).Round(2), nil
}

// ============================================================================
// IN-MEMORY CACHE
// ============================================================================

type cachedRate struct {
	rate    float64
	expires time.Time
}

// MemoryCache is the process-local RateCache.
type MemoryCache struct {
	mu    sync.RWMutex
	rates map[string]cachedRate
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{rates: make(map[string]cachedRate)}
}

func (c *MemoryCache) GetRate(_ context.Context, key string) (float64, bool) {
	c.mu.RLock()
	entry, ok := c.rates[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return 0, false
	}
	return entry.rate, true
}

func (c *MemoryCache) SetRate(_ context.Context, key string, rate float64, ttl time.Duration) {
	c.mu.Lock()
	c.rates[key] = cachedRate{rate: rate, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}
