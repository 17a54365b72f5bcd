package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/AfshinJalili/cryptobuy/services/purchase/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

const (
	adminScope = "purchase:admin"

	demoKeyPrefix = "demo0001"
	demoKeySecret = "demosecret0001"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	eurUserID    = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

var seedTestdata bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrations.Apply(cmd.Context(), pool); err != nil {
			return err
		}
		fmt.Println("✓ Migrations applied")
		return nil
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Seed demo users, rates and an admin API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := requireDevEnv()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		fmt.Println("Seeding database...")
		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		fmt.Println("✓ Migrations applied")

		if err := seedUsers(ctx, pool); err != nil {
			return fmt.Errorf("seed users: %w", err)
		}
		fmt.Println("✓ Compliance profiles seeded")

		if err := seedRates(ctx, pool); err != nil {
			return fmt.Errorf("seed rates: %w", err)
		}
		fmt.Println("✓ Rates seeded")

		key, err := seedAdminKey(ctx, pool, env)
		if err != nil {
			return fmt.Errorf("seed admin key: %w", err)
		}
		fmt.Println("✓ Admin API key seeded")

		if seedTestdata {
			if err := seedTestData(ctx, pool); err != nil {
				return fmt.Errorf("seed test data: %w", err)
			}
			fmt.Println("✓ Test data seeded")
		}

		fmt.Println("\n=== Seed Complete ===")
		fmt.Println("\nDemo users:")
		fmt.Printf("  %s  US, KYC verified\n", demoUserID)
		fmt.Printf("  %s  US, no KYC\n", traderUserID)
		fmt.Printf("  %s  DE, KYC verified\n", eurUserID)
		if env == "dev" {
			fmt.Println("\nAdmin API key (DEV ONLY):")
			fmt.Printf("  %s\n", key)
		}
		return nil
	},
}

func init() {
	demoCmd.Flags().BoolVar(&seedTestdata, "testdata", false, "Also seed fixtures used by integration tests")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	profiles := []struct {
		id       uuid.UUID
		country  string
		verified bool
		level    int
		volume   string
	}{
		{demoUserID, "US", true, 2, "0"},
		{traderUserID, "US", false, 0, "0"},
		{eurUserID, "DE", true, 1, "0"},
	}

	for _, p := range profiles {
		if err := upsertProfile(ctx, pool, p.id, p.country, p.verified, p.level, p.volume); err != nil {
			return err
		}
	}
	return nil
}

func upsertProfile(ctx context.Context, pool *pgxpool.Pool, id uuid.UUID, country string, verified bool, level int, volume string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO user_compliance_profiles (user_id, country, kyc_verified, kyc_level, annual_volume)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET country = EXCLUDED.country,
		    kyc_verified = EXCLUDED.kyc_verified,
		    kyc_level = EXCLUDED.kyc_level,
		    annual_volume = EXCLUDED.annual_volume,
		    updated_at = now()
	`, id, country, verified, level, volume)
	return err
}

// Reference rates for local development only.
func seedRates(ctx context.Context, pool *pgxpool.Pool) error {
	fiat := []struct {
		from, to, rate string
	}{
		{"USD", "EUR", "0.92"},
		{"USD", "GBP", "0.79"},
		{"USD", "CAD", "1.36"},
		{"EUR", "USD", "1.087"},
		{"GBP", "USD", "1.266"},
		{"CAD", "USD", "0.735"},
	}
	now := time.Now().UTC()
	for _, r := range fiat {
		if err := upsertFiatRate(ctx, pool, r.from, r.to, r.rate, "seed", now); err != nil {
			return err
		}
	}

	crypto := map[string]string{"BTC": "43000", "ETH": "2300", "USDT": "1"}
	for asset, price := range crypto {
		if err := upsertCryptoRate(ctx, pool, asset, price, "seed", now); err != nil {
			return err
		}
	}
	return nil
}

func upsertFiatRate(ctx context.Context, pool *pgxpool.Pool, from, to, rate, source string, at time.Time) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO currency_rates (from_currency, to_currency, rate, source, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (from_currency, to_currency) DO UPDATE
		SET rate = EXCLUDED.rate,
		    source = EXCLUDED.source,
		    last_updated = EXCLUDED.last_updated
	`, from, to, rate, source, at)
	return err
}

func upsertCryptoRate(ctx context.Context, pool *pgxpool.Pool, asset, price, source string, at time.Time) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO crypto_rates (asset, usd_price, source, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset) DO UPDATE
		SET usd_price = EXCLUDED.usd_price,
		    source = EXCLUDED.source,
		    updated_at = EXCLUDED.updated_at
	`, asset, price, source, at)
	return err
}

func seedAdminKey(ctx context.Context, pool *pgxpool.Pool, env string) (string, error) {
	fullKey := fmt.Sprintf("pk_%s_%s.%s", env, demoKeyPrefix, demoKeySecret)
	hash := apikey.Hash(demoKeyPrefix, demoKeySecret)
	if err := upsertAdminKey(ctx, pool, "ops", demoKeyPrefix, hash, []string{adminScope}, nil, nil); err != nil {
		return "", err
	}
	return fullKey, nil
}

func upsertAdminKey(ctx context.Context, pool *pgxpool.Pool, owner, prefix, hash string, scopes, ips []string, revokedAt *time.Time) error {
	if ips == nil {
		ips = []string{}
	}
	ipJSON, err := json.Marshal(ips)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO admin_api_keys (owner_id, prefix, key_hash, scopes, ip_whitelist, revoked_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (prefix) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
		    key_hash = EXCLUDED.key_hash,
		    scopes = EXCLUDED.scopes,
		    ip_whitelist = EXCLUDED.ip_whitelist,
		    revoked_at = EXCLUDED.revoked_at
	`, owner, prefix, hash, scopes, ipJSON, revokedAt)
	return err
}
