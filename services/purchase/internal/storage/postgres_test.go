package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/audit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/compliance"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/locks"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/purchase"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/AfshinJalili/cryptobuy/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool, string) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	userID := uuid.NewString()
	t.Cleanup(func() {
		_ = testutil.CleanupUser(context.Background(), pool, userID)
		pool.Close()
	})
	return New(pool), pool, userID
}

func dbPurchase(userID string, status purchase.Status, createdAt time.Time) purchase.Purchase {
	id := uuid.NewString()
	p := newPurchase(id, userID, status, "4300.00", createdAt.UTC().Truncate(time.Microsecond))
	p.WireReference = "WIRE-" + id
	return p
}

func TestPostgresPurchaseRoundTrip(t *testing.T) {
	store, _, userID := setupStore(t)
	ctx := context.Background()

	p := dbPurchase(userID, purchase.StatusPendingWire, time.Now())
	p.RiskLevel = compliance.RiskHigh
	p.ComplianceNotes = "\n\nWire Verification: pending"
	if err := store.CreatePurchase(ctx, &p); err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	got, err := store.GetPurchase(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPurchase: %v", err)
	}
	if got.UserID != userID || got.Status != purchase.StatusPendingWire || got.RiskLevel != compliance.RiskHigh {
		t.Fatalf("unexpected purchase %+v", got)
	}
	if !got.FiatAmount.Equal(p.FiatAmount) || !got.Amount.Equal(p.Amount) || got.WireVerifiedAt != nil {
		t.Fatalf("decimal or nullable columns did not round trip: %+v", got)
	}

	dup := dbPurchase(userID, purchase.StatusPendingWire, time.Now())
	dup.WireReference = p.WireReference
	if err := store.CreatePurchase(ctx, &dup); !errors.Is(err, purchase.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	if _, err := store.GetPurchase(ctx, uuid.NewString()); !errors.Is(err, purchase.ErrPurchaseNotFound) {
		t.Fatalf("expected ErrPurchaseNotFound, got %v", err)
	}
}

func TestPostgresConditionalUpdate(t *testing.T) {
	store, _, userID := setupStore(t)
	ctx := context.Background()

	p := dbPurchase(userID, purchase.StatusPendingWire, time.Now())
	if err := store.CreatePurchase(ctx, &p); err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	next := p
	next.Status = purchase.StatusPendingApproval
	next.WireVerified = true
	next.WireVerifiedAt = &now
	next.WireVerifiedBy = "admin-1"
	if err := store.UpdatePurchase(ctx, purchase.StatusPendingWire, &next); err != nil {
		t.Fatalf("UpdatePurchase: %v", err)
	}
	if err := store.UpdatePurchase(ctx, purchase.StatusPendingWire, &next); !errors.Is(err, purchase.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	got, _ := store.GetPurchase(ctx, p.ID)
	if !got.WireVerified || got.WireVerifiedBy != "admin-1" || got.WireVerifiedAt == nil {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func TestPostgresWithinTxRollsBackCredit(t *testing.T) {
	store, _, userID := setupStore(t)
	ctx := context.Background()

	p := dbPurchase(userID, purchase.StatusProcessing, time.Now())
	if err := store.CreatePurchase(ctx, &p); err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	err := store.WithinTx(ctx, func(repo purchase.Repository, ledger purchase.Ledger) error {
		done := p
		done.Status = purchase.StatusCompleted
		if err := repo.UpdatePurchase(ctx, purchase.StatusProcessing, &done); err != nil {
			return err
		}
		if err := ledger.Credit(ctx, userID, rates.BTC, p.Amount); err != nil {
			return err
		}
		return ledger.AddAnnualVolume(ctx, userID, p.FiatAmount, time.Now())
	})
	if !errors.Is(err, compliance.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	got, _ := store.GetPurchase(ctx, p.ID)
	if got.Status != purchase.StatusProcessing {
		t.Fatalf("expected rollback to keep PROCESSING, got %s", got.Status)
	}
	balances, err := store.Balances(ctx, userID)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if len(balances) != 0 {
		t.Fatalf("expected no balance rows, got %+v", balances)
	}
}

func TestPostgresWithinTxCommits(t *testing.T) {
	store, _, userID := setupStore(t)
	ctx := context.Background()

	if err := store.UpsertUserContext(ctx, userID, compliance.UserContext{Country: "us", KYCVerified: true, KYCLevel: 2}); err != nil {
		t.Fatalf("UpsertUserContext: %v", err)
	}
	p := dbPurchase(userID, purchase.StatusProcessing, time.Now())
	if err := store.CreatePurchase(ctx, &p); err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	for i := 0; i < 2; i++ {
		err := store.WithinTx(ctx, func(repo purchase.Repository, ledger purchase.Ledger) error {
			done := p
			done.Status = purchase.StatusCompleted
			if err := repo.UpdatePurchase(ctx, purchase.StatusProcessing, &done); err != nil {
				return err
			}
			if err := ledger.Credit(ctx, userID, rates.BTC, p.Amount); err != nil {
				return err
			}
			return ledger.AddAnnualVolume(ctx, userID, p.FiatAmount, time.Now())
		})
		if i == 0 && err != nil {
			t.Fatalf("first completion: %v", err)
		}
		if i == 1 && !errors.Is(err, purchase.ErrStaleState) {
			t.Fatalf("expected ErrStaleState on second completion, got %v", err)
		}
	}

	balances, _ := store.Balances(ctx, userID)
	if len(balances) != 1 || !balances[0].Amount.Equal(p.Amount) {
		t.Fatalf("expected exactly one credit, got %+v", balances)
	}
	uc, err := store.LoadUserContext(ctx, userID)
	if err != nil {
		t.Fatalf("LoadUserContext: %v", err)
	}
	if !uc.AnnualVolume.Equal(p.FiatAmount) || uc.LastTransactionDate == nil || uc.Country != "US" {
		t.Fatalf("unexpected user context %+v", uc)
	}
}

func TestPostgresRatesAndLogs(t *testing.T) {
	store, _, userID := setupStore(t)
	ctx := context.Background()

	asOf := time.Now().UTC().Truncate(time.Second)
	if err := store.SaveQuote(ctx, rates.Quote{From: currency.USD, To: currency.GBP, Rate: decimal.RequireFromString("0.79"), AsOf: asOf, Source: "test"}); err != nil {
		t.Fatalf("SaveQuote: %v", err)
	}
	q, err := store.LatestQuote(ctx, currency.USD, currency.GBP)
	if err != nil || !q.Rate.Equal(decimal.RequireFromString("0.79")) || !q.AsOf.Equal(asOf) {
		t.Fatalf("unexpected quote %+v err=%v", q, err)
	}
	if _, err := store.LatestQuote(ctx, currency.CAD, currency.GBP); !errors.Is(err, rates.ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}

	if err := store.SaveCryptoPrices(ctx, rates.DefaultPrices(asOf)); err != nil {
		t.Fatalf("SaveCryptoPrices: %v", err)
	}
	prices, err := store.ListCryptoPrices(ctx)
	if err != nil || len(prices) < 3 {
		t.Fatalf("unexpected prices %+v err=%v", prices, err)
	}

	event := audit.NewEvent(audit.PurchaseInitiated, userID, "", asOf)
	event.Amount = decimal.RequireFromString("9000.00")
	for i := 0; i < 2; i++ {
		if err := store.InsertComplianceLog(ctx, event); err != nil {
			t.Fatalf("InsertComplianceLog: %v", err)
		}
	}
	logs, err := store.ComplianceLogs(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ComplianceLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].PurchaseID != "" || !logs[0].Amount.Equal(event.Amount) {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

func TestPostgresAdminKeys(t *testing.T) {
	store, pool, _ := setupStore(t)
	ctx := context.Background()

	_, prefix, hash, err := apikey.Generate("test")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM admin_api_keys WHERE prefix = $1`, prefix)
	}()

	if _, err := store.CreateAdminKey(ctx, AdminKey{OwnerID: "ops", Prefix: prefix, KeyHash: hash, Scopes: []string{"purchase:admin"}, IPWhitelist: []string{"10.0.0.0/8"}}); err != nil {
		t.Fatalf("CreateAdminKey: %v", err)
	}
	record, err := store.ByPrefix(ctx, prefix)
	if err != nil {
		t.Fatalf("ByPrefix: %v", err)
	}
	if record.KeyHash != hash || len(record.IPWhitelist) != 1 || !record.HasScope("purchase:admin") {
		t.Fatalf("unexpected record %+v", record)
	}
	if _, err := store.ByPrefix(ctx, "missing-"+prefix); !errors.Is(err, apikey.ErrNotFound) {
		t.Fatalf("expected apikey.ErrNotFound, got %v", err)
	}
}

func TestAdvisoryLockerSerializes(t *testing.T) {
	_, pool, userID := setupStore(t)
	locker := NewAdvisoryLocker(pool, nil)
	key := userID + "|USD"

	var (
		mu      sync.Mutex
		active  int
		overlap bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Lock(context.Background(), key)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if overlap {
		t.Fatalf("advisory lock allowed overlapping holders")
	}

	release, err := locker.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, key); !errors.Is(err, locks.ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}
