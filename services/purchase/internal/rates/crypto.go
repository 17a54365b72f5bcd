package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnsupportedCrypto = errors.New("unsupported crypto asset")

type Crypto string

const (
	BTC  Crypto = "BTC"
	ETH  Crypto = "ETH"
	USDT Crypto = "USDT"
)

var supportedCrypto = []Crypto{BTC, ETH, USDT}

func ParseCrypto(raw string) (Crypto, error) {
	c := Crypto(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range supportedCrypto {
		if c == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCrypto, raw)
}

func SupportedCrypto() []Crypto {
	out := make([]Crypto, len(supportedCrypto))
	copy(out, supportedCrypto)
	return out
}

// Price is the USD value of one unit of an asset.
type Price struct {
	Asset  Crypto          `json:"asset"`
	USD    decimal.Decimal `json:"usd"`
	AsOf   time.Time       `json:"as_of"`
	Source string          `json:"source"`
}

// DefaultPrices are the reference prices used until a feed or an admin updates them.
func DefaultPrices(at time.Time) []Price {
	return []Price{
		{Asset: BTC, USD: decimal.NewFromInt(43000), AsOf: at, Source: "default"},
		{Asset: ETH, USD: decimal.NewFromInt(2300), AsOf: at, Source: "default"},
		{Asset: USDT, USD: decimal.NewFromInt(1), AsOf: at, Source: "default"},
	}
}

type PriceStore interface {
	ListCryptoPrices(ctx context.Context) ([]Price, error)
	SaveCryptoPrices(ctx context.Context, prices []Price) error
}

type RefreshMetrics interface {
	ObserveRefresh(duration time.Duration)
	IncRefreshError()
}

// CryptoBook holds the current USD price per asset.
type CryptoBook struct {
	mu          sync.RWMutex
	prices      map[Crypto]Price
	store       PriceStore
	lastRefresh time.Time
}

func NewCryptoBook(store PriceStore, initial ...Price) *CryptoBook {
	b := &CryptoBook{prices: make(map[Crypto]Price, len(supportedCrypto)), store: store}
	for _, p := range initial {
		b.prices[p.Asset] = p
	}
	return b
}

func (b *CryptoBook) Price(asset Crypto) (Price, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[asset]
	if !ok || !p.USD.IsPositive() {
		return Price{}, fmt.Errorf("%w: no price for %s", ErrRateUnavailable, asset)
	}
	return p, nil
}

// Snapshot returns prices in supported-asset order.
func (b *CryptoBook) Snapshot() []Price {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Price, 0, len(b.prices))
	for _, asset := range supportedCrypto {
		if p, ok := b.prices[asset]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Update applies the given prices. Zero or missing entries leave the current price
// untouched; negative prices and unknown assets are rejected before anything
// changes. Prices older than the one already held are ignored.
func (b *CryptoBook) Update(ctx context.Context, prices []Price) ([]Price, error) {
	accepted := make([]Price, 0, len(prices))
	for _, p := range prices {
		if _, err := ParseCrypto(string(p.Asset)); err != nil {
			return nil, err
		}
		if p.USD.IsNegative() {
			return nil, fmt.Errorf("price for %s must be positive", p.Asset)
		}
		if p.USD.IsZero() {
			continue
		}
		if p.AsOf.IsZero() {
			return nil, fmt.Errorf("price for %s has no timestamp", p.Asset)
		}
		accepted = append(accepted, p)
	}

	b.mu.RLock()
	fresh := accepted[:0:0]
	for _, p := range accepted {
		if cur, ok := b.prices[p.Asset]; ok && cur.AsOf.After(p.AsOf) {
			continue
		}
		fresh = append(fresh, p)
	}
	b.mu.RUnlock()
	if len(fresh) == 0 {
		return nil, nil
	}

	if b.store != nil {
		if err := b.store.SaveCryptoPrices(ctx, fresh); err != nil {
			return nil, fmt.Errorf("save crypto prices: %w", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range fresh {
		b.prices[p.Asset] = p
	}
	return fresh, nil
}

// Load replaces in-memory prices with the persisted ones; assets without a row
// keep their current price.
func (b *CryptoBook) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	prices, err := b.store.ListCryptoPrices(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range prices {
		if cur, ok := b.prices[p.Asset]; ok && cur.AsOf.After(p.AsOf) {
			continue
		}
		b.prices[p.Asset] = p
	}
	b.lastRefresh = time.Now()
	return nil
}

func (b *CryptoBook) LastRefresh() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastRefresh
}

// StartAutoRefresh reloads from the store every interval until ctx is done, so
// updates written by other instances become visible.
func (b *CryptoBook) StartAutoRefresh(ctx context.Context, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 || b.store == nil {
		logger.Warn("crypto price refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := b.Load(refreshCtx)
				cancel()
				if err != nil {
					logger.Error("crypto price refresh failed", "error", err)
					if metrics != nil {
						metrics.IncRefreshError()
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(time.Since(start))
				}
			}
		}
	}()
}
