// Package velocity detects structuring: splitting a large amount into several
// purchases that each stay under a reporting threshold.
package velocity

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	WindowHours = 24
	Window      = WindowHours * time.Hour

	// RapidCount prior purchases in the window are suspicious on their own.
	RapidCount = 4
)

var (
	nearBandLow   = decimal.RequireFromString("0.8")
	nearBandHigh  = decimal.RequireFromString("0.95")
	splitAvgRatio = decimal.RequireFromString("0.9")
)

// Transaction is a prior purchase inside the window. Callers exclude failed and
// cancelled purchases before detection.
type Transaction struct {
	Amount    decimal.Decimal
	CreatedAt time.Time
}

type Snapshot struct {
	TransactionCount    int             `json:"transaction_count"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	TimeWindowHours     int             `json:"time_window_hours"`
	StructuringDetected bool            `json:"structuring_detected"`
	SuspiciousPattern   bool            `json:"suspicious_pattern"`
	NearThresholdCount  int             `json:"near_threshold_count"`
}

// Since is the inclusive lower bound of the window ending at now.
func Since(now time.Time) time.Time {
	return now.Add(-Window)
}

// Detect evaluates prior against the structuring threshold. It is pure: the
// caller picks the window and filters history.
func Detect(threshold, current decimal.Decimal, prior []Transaction) Snapshot {
	total := current
	near := 0
	low := threshold.Mul(nearBandLow)
	high := threshold.Mul(nearBandHigh)
	for _, tx := range prior {
		total = total.Add(tx.Amount)
		if tx.Amount.GreaterThanOrEqual(low) && tx.Amount.LessThan(high) {
			near++
		}
	}
	count := len(prior)

	structuring := false

	// repeated amounts just under the line
	if near >= 2 && current.GreaterThanOrEqual(low) && current.LessThan(threshold) {
		structuring = true
	}

	// a large total spread thin
	if total.GreaterThanOrEqual(threshold) && count >= 3 {
		avg := total.Div(decimal.NewFromInt(int64(count + 1)))
		if avg.LessThan(threshold.Mul(splitAvgRatio)) {
			structuring = true
		}
	}

	return Snapshot{
		TransactionCount:    count,
		TotalAmount:         total,
		TimeWindowHours:     WindowHours,
		StructuringDetected: structuring,
		SuspiciousPattern:   count >= RapidCount || structuring,
		NearThresholdCount:  near,
	}
}

// Within keeps the transactions created at or after since.
func Within(history []Transaction, since time.Time) []Transaction {
	out := make([]Transaction, 0, len(history))
	for _, tx := range history {
		if !tx.CreatedAt.Before(since) {
			out = append(out, tx)
		}
	}
	return out
}
