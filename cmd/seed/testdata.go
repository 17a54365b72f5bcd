package main

import (
	"context"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	revokedKeyPrefix = "revoked0001"
	revokedKeySecret = "revokedsecret0001"
)

var (
	highVolumeUserID = uuid.MustParse("00000000-0000-0000-0000-000000000004")
	gbpUserID        = uuid.MustParse("00000000-0000-0000-0000-000000000005")
)

// seedTestData adds a user near the annual volume review line, a UK user and a
// revoked admin key.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	if err := upsertProfile(ctx, pool, highVolumeUserID, "US", true, 2, "99500"); err != nil {
		return err
	}
	if err := upsertProfile(ctx, pool, gbpUserID, "GB", true, 1, "0"); err != nil {
		return err
	}

	revokedAt := time.Now().Add(-1 * time.Hour)
	hash := apikey.Hash(revokedKeyPrefix, revokedKeySecret)
	return upsertAdminKey(ctx, pool, "ops", revokedKeyPrefix, hash, []string{adminScope}, nil, &revokedAt)
}
