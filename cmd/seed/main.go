package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var (
	dsn  string
	pool *pgxpool.Pool
)

var rootCmd = &cobra.Command{
	Use:           "seed",
	Short:         "Operator tooling for the purchase service database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if pool != nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		p, err := pgxpool.New(ctx, connString())
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("ping db: %w", err)
		}
		pool = p
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if pool != nil {
			pool.Close()
		}
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres connection string (defaults to POSTGRES_* env)")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(apikeyCmd)
	rootCmd.AddCommand(balanceCmd)
}

func connString() string {
	if dsn != "" {
		return dsn
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "cex"),
		getEnv("POSTGRES_PASSWORD", "cex"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "cex_purchase"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// requireDevEnv guards commands that write fixed demo credentials.
func requireDevEnv() (string, error) {
	env := getEnv("CEX_ENV", "dev")
	if env != "dev" && env != "test" {
		return "", errors.New("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '" + env + "')")
	}
	return env, nil
}
