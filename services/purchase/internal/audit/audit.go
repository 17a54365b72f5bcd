// Package audit records compliance events. Sinks are best effort from the
// caller's side: a failed write is logged, never used to undo a decision.
package audit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/kafka"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	PurchaseInitiated EventType = "CRYPTO_PURCHASE_INITIATED"
	WireVerified      EventType = "WIRE_TRANSFER_VERIFIED"
	AdminReview       EventType = "PURCHASE_ADMIN_REVIEW"
	PurchaseCompleted EventType = "CRYPTO_PURCHASE_COMPLETED"
)

const defaultJurisdiction = "GLOBAL"

type Event struct {
	ID                     string          `json:"id"`
	Type                   EventType       `json:"event_type"`
	UserID                 string          `json:"user_id"`
	PurchaseID             string          `json:"transaction_id,omitempty"`
	Jurisdiction           string          `json:"jurisdiction"`
	Currency               string          `json:"currency,omitempty"`
	Amount                 decimal.Decimal `json:"amount"`
	RiskLevel              string          `json:"risk_level,omitempty"`
	RequiresReporting      bool            `json:"requires_reporting"`
	ReportingThresholdType string          `json:"reporting_threshold_type,omitempty"`
	Details                string          `json:"details"`
	IPAddress              string          `json:"ip_address,omitempty"`
	UserAgent              string          `json:"user_agent,omitempty"`
	CorrelationID          string          `json:"correlation_id,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
}

// NewEvent stamps an event with an ID derived from its type, subject and time,
// so redelivery to any sink dedupes.
func NewEvent(eventType EventType, userID, purchaseID string, at time.Time) Event {
	subject := purchaseID
	if subject == "" {
		subject = userID
	}
	at = at.UTC()
	return Event{
		ID:           kafka.DeterministicEventID(string(eventType), subject, strconv.FormatInt(at.UnixNano(), 10)),
		Type:         eventType,
		UserID:       userID,
		PurchaseID:   purchaseID,
		Jurisdiction: defaultJurisdiction,
		CreatedAt:    at,
	}
}

type Sink interface {
	Record(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Record(ctx context.Context, event Event) error { return f(ctx, event) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
