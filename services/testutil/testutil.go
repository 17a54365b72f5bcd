package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SetupTestDB connects to the POSTGRES_* database and applies the schema.
func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "cex"),
		getEnv("POSTGRES_PASSWORD", "cex"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "cex_purchase"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}

	return pool, nil
}

// CleanupUser removes every row owned by userID.
func CleanupUser(ctx context.Context, pool *pgxpool.Pool, userID string) error {
	queries := []string{
		"DELETE FROM compliance_logs WHERE user_id = $1",
		"DELETE FROM crypto_balances WHERE user_id = $1",
		"DELETE FROM purchases WHERE user_id = $1",
		"DELETE FROM user_compliance_profiles WHERE user_id = $1",
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q, userID); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
