package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/audit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/compliance"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/purchase"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/velocity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const purchaseColumns = `id::text, user_id::text, crypto_type, amount::text, currency, fiat_amount::text,
	exchange_rate::text, rate_as_of, crypto_price_usd::text, status, compliance_check_passed,
	requires_kyc, requires_manual_approval, risk_level, wire_reference, wire_verified,
	wire_verified_at, wire_verified_by, admin_approved, admin_approved_at, admin_approved_by,
	compliance_notes, failure_reason, completed_at, created_at, updated_at`

// dbtx is satisfied by both the pool and an open transaction.
type dbtx interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	db   dbtx
}

var (
	_ purchase.Repository          = (*Store)(nil)
	_ purchase.Queries             = (*Store)(nil)
	_ purchase.Ledger              = (*Store)(nil)
	_ purchase.Transactor          = (*Store)(nil)
	_ purchase.UserContextProvider = (*Store)(nil)
	_ rates.QuoteStore             = (*Store)(nil)
	_ rates.PriceStore             = (*Store)(nil)
	_ audit.Store                  = (*Store)(nil)
	_ apikey.Lookup                = (*Store)(nil)
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithinTx runs fn against a Store bound to one transaction and commits when fn
// returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(repo purchase.Repository, ledger purchase.Ledger) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txStore := &Store{pool: s.pool, db: tx}
	if err := fn(txStore, txStore); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreatePurchase inserts p while holding the (user, currency) advisory lock for
// the length of the insert.
func (s *Store) CreatePurchase(ctx context.Context, p *purchase.Purchase) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.UserID+"|"+string(p.Currency)); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO purchases (id, user_id, crypto_type, amount, currency, fiat_amount, exchange_rate, rate_as_of,
			crypto_price_usd, status, compliance_check_passed, requires_kyc, requires_manual_approval, risk_level,
			wire_reference, wire_verified, wire_verified_at, wire_verified_by, admin_approved, admin_approved_at,
			admin_approved_by, compliance_notes, failure_reason, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`, p.ID, p.UserID, string(p.CryptoType), p.Amount.String(), string(p.Currency), p.FiatAmount.String(),
		p.ExchangeRate.String(), p.RateAsOf, p.CryptoPriceUSD.String(), string(p.Status), p.ComplianceCheckPassed,
		p.RequiresKYC, p.RequiresManualApproval, p.RiskLevel.String(), p.WireReference, p.WireVerified,
		p.WireVerifiedAt, p.WireVerifiedBy, p.AdminApproved, p.AdminApprovedAt, p.AdminApprovedBy,
		p.ComplianceNotes, p.FailureReason, p.CompletedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == wireReferenceConstraint {
				return fmt.Errorf("%w: %s", purchase.ErrDuplicateReference, p.WireReference)
			}
			return fmt.Errorf("%w: purchase %s", ErrConflict, p.ID)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetPurchase(ctx context.Context, id string) (*purchase.Purchase, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE id = $1
	`, id)
	p, err := scanPurchaseRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) FindRecentByUserAndCurrency(ctx context.Context, userID string, code currency.Code, since time.Time) ([]velocity.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT fiat_amount::text, created_at
		FROM purchases
		WHERE user_id = $1 AND currency = $2 AND created_at >= $3
			AND status NOT IN ('FAILED', 'WIRE_VERIFICATION_FAILED')
		ORDER BY created_at
	`, userID, string(code), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []velocity.Transaction
	for rows.Next() {
		var amountStr string
		var tx velocity.Transaction
		if err := rows.Scan(&amountStr, &tx.CreatedAt); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse fiat amount: %w", err)
		}
		tx.Amount = amount
		out = append(out, tx)
	}
	return out, rows.Err()
}

// UpdatePurchase writes the mutable columns of p while the row is still in the
// expected status.
func (s *Store) UpdatePurchase(ctx context.Context, expected purchase.Status, p *purchase.Purchase) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE purchases
		SET status = $1, wire_verified = $2, wire_verified_at = $3, wire_verified_by = $4,
			admin_approved = $5, admin_approved_at = $6, admin_approved_by = $7,
			compliance_notes = $8, failure_reason = $9, completed_at = $10, updated_at = $11
		WHERE id = $12 AND status = $13
	`, string(p.Status), p.WireVerified, p.WireVerifiedAt, p.WireVerifiedBy,
		p.AdminApproved, p.AdminApprovedAt, p.AdminApprovedBy,
		p.ComplianceNotes, p.FailureReason, p.CompletedAt, p.UpdatedAt,
		p.ID, string(expected))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}

	var current string
	check := s.db.QueryRow(ctx, `
		SELECT status
		FROM purchases
		WHERE id = $1
	`, p.ID)
	if scanErr := check.Scan(&current); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return notFound(p.ID)
		}
		return scanErr
	}
	return fmt.Errorf("%w: %s is %s, expected %s", purchase.ErrStaleState, p.ID, current, expected)
}

func (s *Store) ListUserPurchases(ctx context.Context, userID string, limit int) ([]purchase.Purchase, error) {
	return s.listPurchases(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
}

func (s *Store) ListByStatus(ctx context.Context, status purchase.Status, limit int) ([]purchase.Purchase, error) {
	return s.listPurchases(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
}

func (s *Store) listPurchases(ctx context.Context, query string, args ...any) ([]purchase.Purchase, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []purchase.Purchase
	for rows.Next() {
		p, err := scanPurchaseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) Credit(ctx context.Context, userID string, asset rates.Crypto, amount decimal.Decimal) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO crypto_balances (user_id, asset, balance, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, asset)
		DO UPDATE SET balance = crypto_balances.balance + EXCLUDED.balance, updated_at = now()
	`, userID, string(asset), amount.String())
	return err
}

func (s *Store) AddAnnualVolume(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE user_compliance_profiles
		SET annual_volume = annual_volume + $2, last_transaction_date = $3, updated_at = now()
		WHERE user_id = $1
	`, userID, amount.String(), at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", compliance.ErrUserNotFound, userID)
	}
	return nil
}

func (s *Store) Balances(ctx context.Context, userID string) ([]Balance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id::text, asset, balance::text, updated_at
		FROM crypto_balances
		WHERE user_id = $1
		ORDER BY asset
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var b Balance
		var asset, amountStr string
		if err := rows.Scan(&b.UserID, &asset, &amountStr, &b.UpdatedAt); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		b.Asset = rates.Crypto(asset)
		b.Amount = amount
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) LoadUserContext(ctx context.Context, userID string) (*compliance.UserContext, error) {
	row := s.db.QueryRow(ctx, `
		SELECT country, kyc_verified, kyc_level, annual_volume::text, last_transaction_date
		FROM user_compliance_profiles
		WHERE user_id = $1
	`, userID)
	var uc compliance.UserContext
	var volumeStr string
	if err := row.Scan(&uc.Country, &uc.KYCVerified, &uc.KYCLevel, &volumeStr, &uc.LastTransactionDate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", compliance.ErrUserNotFound, userID)
		}
		return nil, err
	}
	volume, err := decimal.NewFromString(volumeStr)
	if err != nil {
		return nil, fmt.Errorf("parse annual volume: %w", err)
	}
	uc.AnnualVolume = volume
	return &uc, nil
}

// UpsertUserContext replaces the compliance profile of a user.
func (s *Store) UpsertUserContext(ctx context.Context, userID string, uc compliance.UserContext) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_compliance_profiles (user_id, country, kyc_verified, kyc_level, annual_volume, last_transaction_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id)
		DO UPDATE SET country = EXCLUDED.country, kyc_verified = EXCLUDED.kyc_verified, kyc_level = EXCLUDED.kyc_level,
			annual_volume = EXCLUDED.annual_volume, last_transaction_date = EXCLUDED.last_transaction_date, updated_at = now()
	`, userID, strings.ToUpper(strings.TrimSpace(uc.Country)), uc.KYCVerified, uc.KYCLevel, uc.AnnualVolume.String(), uc.LastTransactionDate)
	return err
}

func (s *Store) LatestQuote(ctx context.Context, from, to currency.Code) (rates.Quote, error) {
	row := s.db.QueryRow(ctx, `
		SELECT rate::text, source, last_updated
		FROM currency_rates
		WHERE from_currency = $1 AND to_currency = $2
	`, string(from), string(to))
	q := rates.Quote{From: from, To: to}
	var rateStr string
	if err := row.Scan(&rateStr, &q.Source, &q.AsOf); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rates.Quote{}, fmt.Errorf("%w: %s->%s", rates.ErrRateUnavailable, from, to)
		}
		return rates.Quote{}, err
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return rates.Quote{}, fmt.Errorf("parse rate: %w", err)
	}
	q.Rate = rate
	return q, nil
}

func (s *Store) SaveQuote(ctx context.Context, q rates.Quote) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO currency_rates (from_currency, to_currency, rate, source, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (from_currency, to_currency)
		DO UPDATE SET rate = EXCLUDED.rate, source = EXCLUDED.source, last_updated = EXCLUDED.last_updated
	`, string(q.From), string(q.To), q.Rate.String(), q.Source, q.AsOf)
	return err
}

func (s *Store) ListCryptoPrices(ctx context.Context) ([]rates.Price, error) {
	rows, err := s.db.Query(ctx, `
		SELECT asset, usd_price::text, source, updated_at
		FROM crypto_rates
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rates.Price
	for rows.Next() {
		var asset, usdStr string
		var p rates.Price
		if err := rows.Scan(&asset, &usdStr, &p.Source, &p.AsOf); err != nil {
			return nil, err
		}
		usd, err := decimal.NewFromString(usdStr)
		if err != nil {
			return nil, fmt.Errorf("parse usd price: %w", err)
		}
		p.Asset = rates.Crypto(asset)
		p.USD = usd
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SaveCryptoPrices(ctx context.Context, prices []rates.Price) error {
	batch := &pgx.Batch{}
	for _, p := range prices {
		batch.Queue(`
			INSERT INTO crypto_rates (asset, usd_price, source, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (asset)
			DO UPDATE SET usd_price = EXCLUDED.usd_price, source = EXCLUDED.source, updated_at = EXCLUDED.updated_at
		`, string(p.Asset), p.USD.String(), p.Source, p.AsOf)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertComplianceLog(ctx context.Context, event audit.Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO compliance_logs (id, event_type, user_id, transaction_id, jurisdiction, currency, amount, risk_level,
			requires_reporting, reporting_threshold_type, details, ip_address, user_agent, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, string(event.Type), event.UserID, nullableString(event.PurchaseID), event.Jurisdiction, event.Currency,
		event.Amount.String(), event.RiskLevel, event.RequiresReporting, event.ReportingThresholdType, event.Details,
		event.IPAddress, event.UserAgent, event.CorrelationID, event.CreatedAt)
	return err
}

// ComplianceLogs returns a user's audit trail, oldest first.
func (s *Store) ComplianceLogs(ctx context.Context, userID string, limit int) ([]audit.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_type, user_id::text, COALESCE(transaction_id::text, ''), jurisdiction, currency, amount::text,
			risk_level, requires_reporting, reporting_threshold_type, details, ip_address, user_agent, correlation_id, created_at
		FROM compliance_logs
		WHERE user_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		var eventType, amountStr string
		if err := rows.Scan(&e.ID, &eventType, &e.UserID, &e.PurchaseID, &e.Jurisdiction, &e.Currency, &amountStr,
			&e.RiskLevel, &e.RequiresReporting, &e.ReportingThresholdType, &e.Details, &e.IPAddress, &e.UserAgent,
			&e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		e.Type = audit.EventType(eventType)
		e.Amount = amount
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateAdminKey(ctx context.Context, key AdminKey) (*AdminKey, error) {
	ipJSON, err := json.Marshal(nonNil(key.IPWhitelist))
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO admin_api_keys (owner_id, prefix, key_hash, scopes, ip_whitelist)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id::text, owner_id, prefix, key_hash, scopes, ip_whitelist, revoked_at, created_at
	`, key.OwnerID, key.Prefix, key.KeyHash, nonNil(key.Scopes), ipJSON)
	stored, err := scanAdminKeyRow(row)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return nil, fmt.Errorf("%w: key prefix %s", ErrConflict, key.Prefix)
		}
		return nil, err
	}
	return stored, nil
}

func (s *Store) RevokeAdminKey(ctx context.Context, prefix string) (bool, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE admin_api_keys
		SET revoked_at = now()
		WHERE prefix = $1 AND revoked_at IS NULL
	`, prefix)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// ByPrefix serves admin keys to the API key middleware.
func (s *Store) ByPrefix(ctx context.Context, prefix string) (apikey.Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id::text, owner_id, prefix, key_hash, scopes, ip_whitelist, revoked_at, created_at
		FROM admin_api_keys
		WHERE prefix = $1
	`, prefix)
	key, err := scanAdminKeyRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apikey.Record{}, apikey.ErrNotFound
		}
		return apikey.Record{}, err
	}
	return key.record(), nil
}

func (k AdminKey) record() apikey.Record {
	return apikey.Record{
		ID:          k.ID,
		UserID:      k.OwnerID,
		Prefix:      k.Prefix,
		KeyHash:     k.KeyHash,
		Scopes:      k.Scopes,
		IPWhitelist: k.IPWhitelist,
		RevokedAt:   k.RevokedAt,
	}
}

func scanAdminKeyRow(row pgx.Row) (*AdminKey, error) {
	var key AdminKey
	var ipBytes []byte
	if err := row.Scan(&key.ID, &key.OwnerID, &key.Prefix, &key.KeyHash, &key.Scopes, &ipBytes, &key.RevokedAt, &key.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ipBytes, &key.IPWhitelist); err != nil {
		return nil, fmt.Errorf("parse ip whitelist: %w", err)
	}
	return &key, nil
}

func scanPurchaseRow(row pgx.Row) (*purchase.Purchase, error) {
	var p purchase.Purchase
	var cryptoType, currencyCode, status, risk string
	var amountStr, fiatStr, rateStr, priceStr string
	if err := row.Scan(&p.ID, &p.UserID, &cryptoType, &amountStr, &currencyCode, &fiatStr,
		&rateStr, &p.RateAsOf, &priceStr, &status, &p.ComplianceCheckPassed,
		&p.RequiresKYC, &p.RequiresManualApproval, &risk, &p.WireReference, &p.WireVerified,
		&p.WireVerifiedAt, &p.WireVerifiedBy, &p.AdminApproved, &p.AdminApprovedAt, &p.AdminApprovedBy,
		&p.ComplianceNotes, &p.FailureReason, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if p.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if p.FiatAmount, err = decimal.NewFromString(fiatStr); err != nil {
		return nil, fmt.Errorf("parse fiat amount: %w", err)
	}
	if p.ExchangeRate, err = decimal.NewFromString(rateStr); err != nil {
		return nil, fmt.Errorf("parse exchange rate: %w", err)
	}
	if p.CryptoPriceUSD, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("parse crypto price: %w", err)
	}
	if p.Status, err = purchase.ParseStatus(status); err != nil {
		return nil, err
	}
	if p.RiskLevel, err = compliance.ParseRiskLevel(risk); err != nil {
		return nil, err
	}
	p.CryptoType = rates.Crypto(cryptoType)
	p.Currency = currency.Code(currencyCode)
	return &p, nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %w: %s", purchase.ErrPurchaseNotFound, ErrNotFound, id)
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
