package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/kafka"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const RatesUpdatedEventType = "rates.updated"

type CryptoRate struct {
	Asset    string `json:"asset"`
	USDPrice string `json:"usd_price"`
}

type FiatRate struct {
	From string `json:"from"`
	To   string `json:"to"`
	Rate string `json:"rate"`
}

// RatesUpdatedEvent carries a batch of prices observed at one instant.
type RatesUpdatedEvent struct {
	kafka.Envelope
	Source string       `json:"source"`
	AsOf   time.Time    `json:"as_of"`
	Crypto []CryptoRate `json:"crypto,omitempty"`
	Fiat   []FiatRate   `json:"fiat,omitempty"`
}

type PriceBook interface {
	Update(ctx context.Context, prices []rates.Price) ([]rates.Price, error)
}

type QuoteStore interface {
	SaveQuote(ctx context.Context, q rates.Quote) error
}

// Invalidator drops a cached quote after the stored one changes.
type Invalidator interface {
	Invalidate(ctx context.Context, from, to currency.Code) error
}

type Metrics struct {
	events *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_feed_events_total",
			Help: "Rate feed messages by outcome.",
		}, []string{"status"}),
	}
	if registry != nil {
		registry.MustRegister(m.events)
	}
	return m
}

type RateConsumer struct {
	book     PriceBook
	quotes   QuoteStore
	cache    Invalidator
	registry *currency.Registry
	logger   *slog.Logger
	metrics  *Metrics
}

func NewRateConsumer(book PriceBook, quotes QuoteStore, cache Invalidator, logger *slog.Logger, metrics *Metrics) *RateConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateConsumer{
		book:     book,
		quotes:   quotes,
		cache:    cache,
		registry: currency.Default(),
		logger:   logger,
		metrics:  metrics,
	}
}

func (c *RateConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		c.record("invalid")
		return kafka.DLQ(errors.New("empty kafka message"), "invalid_payload")
	}

	var event RatesUpdatedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.record("invalid")
		return kafka.DLQ(fmt.Errorf("decode %s: %w", RatesUpdatedEventType, err), "invalid_payload")
	}
	prices, quotes, err := c.parse(&event)
	if err != nil {
		c.record("invalid")
		return kafka.DLQ(err, "invalid_payload")
	}

	if len(prices) > 0 && c.book != nil {
		applied, err := c.book.Update(ctx, prices)
		if err != nil {
			c.record("error")
			return err
		}
		if len(applied) < len(prices) {
			c.logger.Info("stale crypto prices skipped", "event_id", event.EventID, "received", len(prices), "applied", len(applied))
		}
	}

	for _, q := range quotes {
		if c.quotes == nil {
			break
		}
		if err := c.quotes.SaveQuote(ctx, q); err != nil {
			c.record("error")
			return fmt.Errorf("save quote %s->%s: %w", q.From, q.To, err)
		}
		if c.cache != nil {
			if err := c.cache.Invalidate(ctx, q.From, q.To); err != nil {
				c.logger.Warn("rate cache invalidate failed", "from", q.From, "to", q.To, "error", err)
			}
		}
	}

	c.record("success")
	return nil
}

func (c *RateConsumer) parse(e *RatesUpdatedEvent) ([]rates.Price, []rates.Quote, error) {
	if err := e.Envelope.Validate(); err != nil {
		return nil, nil, err
	}
	if e.EventType != RatesUpdatedEventType {
		return nil, nil, fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if len(e.Crypto) == 0 && len(e.Fiat) == 0 {
		return nil, nil, errors.New("no rates in event")
	}
	asOf := e.AsOf
	if asOf.IsZero() {
		asOf = e.Timestamp
	}
	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "feed"
	}

	prices := make([]rates.Price, 0, len(e.Crypto))
	for _, r := range e.Crypto {
		asset, err := rates.ParseCrypto(r.Asset)
		if err != nil {
			return nil, nil, err
		}
		usd, err := positiveDecimal(r.USDPrice)
		if err != nil {
			return nil, nil, fmt.Errorf("usd_price for %s: %w", asset, err)
		}
		prices = append(prices, rates.Price{Asset: asset, USD: usd, AsOf: asOf.UTC(), Source: source})
	}

	quotes := make([]rates.Quote, 0, len(e.Fiat))
	for _, r := range e.Fiat {
		from, err := c.registry.Parse(r.From)
		if err != nil {
			return nil, nil, err
		}
		to, err := c.registry.Parse(r.To)
		if err != nil {
			return nil, nil, err
		}
		if from == to {
			return nil, nil, fmt.Errorf("fiat rate %s->%s is an identity pair", from, to)
		}
		rate, err := positiveDecimal(r.Rate)
		if err != nil {
			return nil, nil, fmt.Errorf("rate for %s->%s: %w", from, to, err)
		}
		quotes = append(quotes, rates.Quote{From: from, To: to, Rate: rate, AsOf: asOf.UTC(), Source: source})
	}
	return prices, quotes, nil
}

func positiveDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errors.New("must be decimal")
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.New("must be positive")
	}
	return d, nil
}

func (c *RateConsumer) record(status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.events.WithLabelValues(status).Inc()
}
