// Package rates supplies fiat exchange rates and crypto reference prices. Every
// quote carries the time it was observed so callers can reason about staleness.
package rates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/shopspring/decimal"
)

var ErrRateUnavailable = errors.New("exchange rate unavailable")

const SourceDirect = "direct"

type Quote struct {
	From   currency.Code   `json:"from"`
	To     currency.Code   `json:"to"`
	Rate   decimal.Decimal `json:"rate"`
	AsOf   time.Time       `json:"as_of"`
	Source string          `json:"source"`
}

// Provider returns the rate that converts one unit of from into to.
type Provider interface {
	Rate(ctx context.Context, from, to currency.Code) (Quote, error)
}

type Conversion struct {
	Amount decimal.Decimal
	Rate   decimal.Decimal
	AsOf   time.Time
	Source string
}

// Convert multiplies amount by the provider's from->to rate.
func Convert(ctx context.Context, p Provider, amount decimal.Decimal, from, to currency.Code) (Conversion, error) {
	q, err := p.Rate(ctx, from, to)
	if err != nil {
		return Conversion{}, err
	}
	if !q.Rate.IsPositive() {
		return Conversion{}, fmt.Errorf("%w: non-positive rate %s for %s->%s", ErrRateUnavailable, q.Rate, from, to)
	}
	return Conversion{
		Amount: amount.Mul(q.Rate),
		Rate:   q.Rate,
		AsOf:   q.AsOf,
		Source: q.Source,
	}, nil
}

func identity(code currency.Code, at time.Time) Quote {
	return Quote{From: code, To: code, Rate: decimal.NewFromInt(1), AsOf: at, Source: SourceDirect}
}

type pair struct {
	from currency.Code
	to   currency.Code
}

// Table is an in-memory Provider fed by Set.
type Table struct {
	mu     sync.RWMutex
	quotes map[pair]Quote
	now    func() time.Time
}

func NewTable(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{quotes: make(map[pair]Quote), now: now}
}

func (t *Table) Set(q Quote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quotes[pair{q.From, q.To}] = q
}

func (t *Table) Rate(_ context.Context, from, to currency.Code) (Quote, error) {
	if from == to {
		return identity(from, t.now()), nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.quotes[pair{from, to}]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s->%s", ErrRateUnavailable, from, to)
	}
	return q, nil
}

// QuoteStore reads the latest persisted quote. Implementations return an error
// wrapping ErrRateUnavailable when the pair has no row.
type QuoteStore interface {
	LatestQuote(ctx context.Context, from, to currency.Code) (Quote, error)
}

// StoreProvider serves quotes from the currency_rates table.
type StoreProvider struct {
	store QuoteStore
	now   func() time.Time
}

func NewStoreProvider(store QuoteStore, now func() time.Time) *StoreProvider {
	if now == nil {
		now = time.Now
	}
	return &StoreProvider{store: store, now: now}
}

func (p *StoreProvider) Rate(ctx context.Context, from, to currency.Code) (Quote, error) {
	if from == to {
		return identity(from, p.now()), nil
	}
	q, err := p.store.LatestQuote(ctx, from, to)
	if err != nil {
		if errors.Is(err, ErrRateUnavailable) {
			return Quote{}, err
		}
		return Quote{}, fmt.Errorf("%w: %s->%s: %v", ErrRateUnavailable, from, to, err)
	}
	return q, nil
}

// MaxAge rejects quotes observed longer than maxAge before now.
type MaxAge struct {
	next   Provider
	maxAge time.Duration
	now    func() time.Time
}

func NewMaxAge(next Provider, maxAge time.Duration, now func() time.Time) *MaxAge {
	if now == nil {
		now = time.Now
	}
	return &MaxAge{next: next, maxAge: maxAge, now: now}
}

func (m *MaxAge) Rate(ctx context.Context, from, to currency.Code) (Quote, error) {
	q, err := m.next.Rate(ctx, from, to)
	if err != nil {
		return Quote{}, err
	}
	if m.maxAge <= 0 {
		return q, nil
	}
	if age := m.now().Sub(q.AsOf); age > m.maxAge {
		return Quote{}, fmt.Errorf("%w: %s->%s quote is %s old", ErrRateUnavailable, from, to, age.Truncate(time.Second))
	}
	return q, nil
}
