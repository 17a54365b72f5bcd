package storage

import (
	"errors"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const wireReferenceConstraint = "purchases_wire_reference_key"

// Balance is a user's credited amount of one asset.
type Balance struct {
	UserID    string          `json:"user_id"`
	Asset     rates.Crypto    `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AdminKey is the stored half of a back-office API key. The secret is never kept.
type AdminKey struct {
	ID          string
	OwnerID     string
	Prefix      string
	KeyHash     string
	Scopes      []string
	IPWhitelist []string
	RevokedAt   *time.Time
	CreatedAt   time.Time
}
