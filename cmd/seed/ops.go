package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	userCountry  string
	userKYC      bool
	userKYCLevel int
	userVolume   string

	rateSource string

	keyOwner  string
	keyEnv    string
	keyScopes []string
	keyIPs    []string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user compliance profiles",
}

var userSetCmd = &cobra.Command{
	Use:   "set <user-id>",
	Short: "Create or replace a user's compliance profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		country := strings.ToUpper(strings.TrimSpace(userCountry))
		if len(country) != 2 {
			return errors.New("--country must be an ISO 3166 alpha-2 code")
		}
		volume, err := decimal.NewFromString(userVolume)
		if err != nil || volume.IsNegative() {
			return errors.New("--annual-volume must be a non-negative decimal")
		}
		if userKYCLevel < 0 {
			return errors.New("--kyc-level must not be negative")
		}
		if err := upsertProfile(cmd.Context(), pool, id, country, userKYC, userKYCLevel, volume.String()); err != nil {
			return err
		}
		fmt.Printf("✓ Profile %s saved (%s, kyc=%t, level=%d, volume=%s)\n", id, country, userKYC, userKYCLevel, volume)
		return nil
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Write reference rates",
}

var rateFiatCmd = &cobra.Command{
	Use:   "fiat <from> <to> <rate>",
	Short: "Upsert a fiat exchange rate",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to := strings.ToUpper(args[0]), strings.ToUpper(args[1])
		if from == to {
			return errors.New("from and to must differ")
		}
		rate, err := positive(args[2])
		if err != nil {
			return err
		}
		if err := upsertFiatRate(cmd.Context(), pool, from, to, rate.String(), rateSource, time.Now().UTC()); err != nil {
			return err
		}
		fmt.Printf("✓ %s->%s = %s\n", from, to, rate)
		return nil
	},
}

var rateCryptoCmd = &cobra.Command{
	Use:   "crypto <asset> <usd-price>",
	Short: "Upsert a crypto USD price",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asset := strings.ToUpper(args[0])
		price, err := positive(args[1])
		if err != nil {
			return err
		}
		if err := upsertCryptoRate(cmd.Context(), pool, asset, price.String(), rateSource, time.Now().UTC()); err != nil {
			return err
		}
		fmt.Printf("✓ %s = %s USD\n", asset, price)
		return nil
	},
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage back-office API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate and store a new admin API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(keyOwner) == "" {
			return errors.New("--owner is required")
		}
		if err := apikey.ValidateIPWhitelist(keyIPs); err != nil {
			return err
		}
		fullKey, prefix, hash, err := apikey.Generate(keyEnv)
		if err != nil {
			return err
		}
		if err := upsertAdminKey(cmd.Context(), pool, keyOwner, prefix, hash, keyScopes, keyIPs, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Key created for %s (prefix %s)\n", keyOwner, prefix)
		fmt.Println("  Store it now, it is not shown again:")
		fmt.Printf("  %s\n", fullKey)
		return nil
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <prefix>",
	Short: "Revoke an admin API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := pool.Exec(cmd.Context(), `
			UPDATE admin_api_keys
			SET revoked_at = now()
			WHERE prefix = $1 AND revoked_at IS NULL
		`, args[0])
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("no active key with prefix %s", args[0])
		}
		fmt.Printf("✓ Key %s revoked\n", args[0])
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's credited crypto balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		rows, err := pool.Query(cmd.Context(), `
			SELECT asset, balance::text, updated_at
			FROM crypto_balances
			WHERE user_id = $1
			ORDER BY asset
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()

		n := 0
		for rows.Next() {
			var (
				asset, balance string
				updatedAt      time.Time
			)
			if err := rows.Scan(&asset, &balance, &updatedAt); err != nil {
				return err
			}
			fmt.Printf("  %-5s %s  (updated %s)\n", asset, balance, updatedAt.UTC().Format(time.RFC3339))
			n++
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if n == 0 {
			fmt.Println("  no balances")
		}
		return nil
	},
}

func init() {
	userSetCmd.Flags().StringVar(&userCountry, "country", "US", "ISO 3166 alpha-2 country")
	userSetCmd.Flags().BoolVar(&userKYC, "kyc", false, "KYC verified")
	userSetCmd.Flags().IntVar(&userKYCLevel, "kyc-level", 0, "KYC level")
	userSetCmd.Flags().StringVar(&userVolume, "annual-volume", "0", "Cumulative annual purchase volume")
	userCmd.AddCommand(userSetCmd)

	rateCmd.PersistentFlags().StringVar(&rateSource, "source", "manual", "Source recorded with the rate")
	rateCmd.AddCommand(rateFiatCmd)
	rateCmd.AddCommand(rateCryptoCmd)

	apikeyCreateCmd.Flags().StringVar(&keyOwner, "owner", "", "Operator the key belongs to")
	apikeyCreateCmd.Flags().StringVar(&keyEnv, "env", "live", "Key environment tag")
	apikeyCreateCmd.Flags().StringSliceVar(&keyScopes, "scope", []string{adminScope}, "Scopes granted to the key")
	apikeyCreateCmd.Flags().StringSliceVar(&keyIPs, "ip", nil, "Allowed client IPs or CIDRs")
	apikeyCmd.AddCommand(apikeyCreateCmd)
	apikeyCmd.AddCommand(apikeyRevokeCmd)
}

func positive(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%q must be a positive decimal", raw)
	}
	return d, nil
}
