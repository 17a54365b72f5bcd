package rates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestConvertIdentityAndTable(t *testing.T) {
	table := NewTable(clock)
	table.Set(Quote{From: currency.USD, To: currency.EUR, Rate: decimal.RequireFromString("0.92"), AsOf: fixedNow.Add(-time.Minute), Source: "ecb"})

	conv, err := Convert(context.Background(), table, decimal.NewFromInt(43000), currency.USD, currency.USD)
	if err != nil {
		t.Fatalf("identity convert: %v", err)
	}
	if !conv.Rate.Equal(decimal.NewFromInt(1)) || !conv.Amount.Equal(decimal.NewFromInt(43000)) || !conv.AsOf.Equal(fixedNow) {
		t.Fatalf("unexpected identity conversion %+v", conv)
	}

	conv, err = Convert(context.Background(), table, decimal.NewFromInt(43000), currency.USD, currency.EUR)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !conv.Amount.Equal(decimal.NewFromInt(39560)) || conv.Source != "ecb" {
		t.Fatalf("unexpected conversion %+v", conv)
	}

	if _, err := Convert(context.Background(), table, decimal.NewFromInt(1), currency.USD, currency.GBP); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestConvertRejectsNonPositiveRate(t *testing.T) {
	table := NewTable(clock)
	table.Set(Quote{From: currency.USD, To: currency.CAD, Rate: decimal.Zero, AsOf: fixedNow})
	if _, err := Convert(context.Background(), table, decimal.NewFromInt(1), currency.USD, currency.CAD); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestMaxAge(t *testing.T) {
	table := NewTable(clock)
	table.Set(Quote{From: currency.USD, To: currency.EUR, Rate: decimal.RequireFromString("0.9"), AsOf: fixedNow.Add(-2 * time.Hour)})
	table.Set(Quote{From: currency.USD, To: currency.GBP, Rate: decimal.RequireFromString("0.8"), AsOf: fixedNow.Add(-10 * time.Minute)})

	guard := NewMaxAge(table, time.Hour, clock)
	if _, err := guard.Rate(context.Background(), currency.USD, currency.EUR); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected stale quote to be rejected, got %v", err)
	}
	q, err := guard.Rate(context.Background(), currency.USD, currency.GBP)
	if err != nil {
		t.Fatalf("fresh quote: %v", err)
	}
	if !q.Rate.Equal(decimal.RequireFromString("0.8")) {
		t.Fatalf("unexpected rate %s", q.Rate)
	}
}

type fakeQuoteStore struct {
	quote Quote
	err   error
	calls int
}

func (f *fakeQuoteStore) LatestQuote(_ context.Context, from, to currency.Code) (Quote, error) {
	f.calls++
	if f.err != nil {
		return Quote{}, f.err
	}
	return f.quote, nil
}

func TestStoreProvider(t *testing.T) {
	store := &fakeQuoteStore{quote: Quote{From: currency.USD, To: currency.CAD, Rate: decimal.RequireFromString("1.35"), AsOf: fixedNow}}
	p := NewStoreProvider(store, clock)

	if _, err := p.Rate(context.Background(), currency.CAD, currency.CAD); err != nil || store.calls != 0 {
		t.Fatalf("identity should not hit the store (calls=%d, err=%v)", store.calls, err)
	}
	q, err := p.Rate(context.Background(), currency.USD, currency.CAD)
	if err != nil || !q.Rate.Equal(decimal.RequireFromString("1.35")) {
		t.Fatalf("unexpected quote %+v (%v)", q, err)
	}

	store.err = errors.New("connection refused")
	if _, err := p.Rate(context.Background(), currency.USD, currency.CAD); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected store errors to surface as ErrRateUnavailable, got %v", err)
	}
}

func TestParseCrypto(t *testing.T) {
	tests := []struct {
		in      string
		want    Crypto
		wantErr bool
	}{
		{in: "btc", want: BTC},
		{in: " ETH ", want: ETH},
		{in: "USDT", want: USDT},
		{in: "DOGE", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCrypto(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedCrypto) {
				t.Fatalf("%q: expected ErrUnsupportedCrypto, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("%q: got %q (%v)", tt.in, got, err)
		}
	}
}

type memPriceStore struct {
	saved  []Price
	listed []Price
	err    error
}

func (m *memPriceStore) ListCryptoPrices(context.Context) ([]Price, error) { return m.listed, m.err }
func (m *memPriceStore) SaveCryptoPrices(_ context.Context, prices []Price) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, prices...)
	return nil
}

func TestCryptoBookDefaultsAndUpdate(t *testing.T) {
	store := &memPriceStore{}
	book := NewCryptoBook(store, DefaultPrices(fixedNow)...)

	p, err := book.Price(BTC)
	if err != nil || !p.USD.Equal(decimal.NewFromInt(43000)) {
		t.Fatalf("unexpected BTC price %+v (%v)", p, err)
	}

	later := fixedNow.Add(time.Minute)
	applied, err := book.Update(context.Background(), []Price{
		{Asset: BTC, USD: decimal.NewFromInt(45000), AsOf: later, Source: "admin"},
		{Asset: ETH, USD: decimal.Zero, AsOf: later},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(applied) != 1 || len(store.saved) != 1 {
		t.Fatalf("expected one applied price, got %d (saved %d)", len(applied), len(store.saved))
	}
	if p, _ := book.Price(BTC); !p.USD.Equal(decimal.NewFromInt(45000)) {
		t.Fatalf("BTC not updated: %s", p.USD)
	}
	if p, _ := book.Price(ETH); !p.USD.Equal(decimal.NewFromInt(2300)) {
		t.Fatalf("zero price must not overwrite ETH: %s", p.USD)
	}

	applied, err = book.Update(context.Background(), []Price{{Asset: BTC, USD: decimal.NewFromInt(1), AsOf: fixedNow}})
	if err != nil || len(applied) != 0 {
		t.Fatalf("older price should be ignored, applied=%v err=%v", applied, err)
	}
}

func TestCryptoBookUpdateValidation(t *testing.T) {
	book := NewCryptoBook(nil, DefaultPrices(fixedNow)...)
	tests := []Price{
		{Asset: "DOGE", USD: decimal.NewFromInt(1), AsOf: fixedNow},
		{Asset: BTC, USD: decimal.NewFromInt(-1), AsOf: fixedNow},
		{Asset: BTC, USD: decimal.NewFromInt(1)},
	}
	for _, p := range tests {
		if _, err := book.Update(context.Background(), []Price{p}); err == nil {
			t.Fatalf("expected error for %+v", p)
		}
	}
	if p, _ := book.Price(BTC); !p.USD.Equal(decimal.NewFromInt(43000)) {
		t.Fatalf("rejected update must not change BTC")
	}
}

func TestCryptoBookStoreFailureLeavesPrices(t *testing.T) {
	store := &memPriceStore{err: errors.New("db down")}
	book := NewCryptoBook(store, DefaultPrices(fixedNow)...)
	if _, err := book.Update(context.Background(), []Price{{Asset: ETH, USD: decimal.NewFromInt(2500), AsOf: fixedNow.Add(time.Second)}}); err == nil {
		t.Fatalf("expected save error")
	}
	if p, _ := book.Price(ETH); !p.USD.Equal(decimal.NewFromInt(2300)) {
		t.Fatalf("failed save must not change ETH")
	}
}

func TestCryptoBookLoad(t *testing.T) {
	store := &memPriceStore{listed: []Price{{Asset: USDT, USD: decimal.RequireFromString("0.999"), AsOf: fixedNow.Add(time.Hour), Source: "feed"}}}
	book := NewCryptoBook(store, DefaultPrices(fixedNow)...)
	if err := book.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if p, _ := book.Price(USDT); p.Source != "feed" {
		t.Fatalf("expected loaded USDT price, got %+v", p)
	}
	if book.LastRefresh().IsZero() {
		t.Fatalf("expected last refresh to be set")
	}
	if len(book.Snapshot()) != 3 {
		t.Fatalf("expected 3 prices in snapshot")
	}
}

func TestCryptoBookMissingPrice(t *testing.T) {
	book := NewCryptoBook(nil)
	if _, err := book.Price(BTC); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}
