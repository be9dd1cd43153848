package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/internal/retailtest"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func freshStore(t *testing.T, pool *pgxpool.Pool, lease time.Duration) *PGStore {
	t.Helper()
	ctx := context.Background()
	s := New(pool, WithClaimLease(lease))
	require.NoError(t, s.DropSchema(ctx))
	require.NoError(t, s.CreateSchema(ctx))
	return s
}

func TestPGStore(t *testing.T) {
	pool := testPool(t)
	retailtest.RunStoreSuite(t, func(t *testing.T, lease time.Duration) retail.Store {
		return freshStore(t, pool, lease)
	})
}

func TestMigrations(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := freshStore(t, pool, time.Minute)

	status, err := s.MigrationStatus(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, m := range status {
		assert.True(t, m.Applied, m.Name)
		assert.NotEmpty(t, m.Checksum)
	}

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Rollback(ctx))

	status, err = s.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status[len(status)-1].Applied)
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "0001_init", migrations[0].name)
	assert.Contains(t, migrations[0].up, "UNIQUE (idempotency_key)")
	assert.NotEmpty(t, migrations[0].down)
	assert.Len(t, migrations[0].checksum, 64)
}

func TestClaimAction_LeaseUsesDatabaseClock(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := freshStore(t, pool, time.Hour)
	claim := retail.ActionClaim{IdempotencyKey: "lease", ActionType: retail.ActionPublishCoupon, RequestJSON: `{}`}

	_, claimed, err := s.ClaimAction(ctx, claim)
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = s.ClaimAction(ctx, claim)
	require.NoError(t, err)
	assert.False(t, claimed, "a fresh pending claim is held for the lease")

	_, err = pool.Exec(ctx, `UPDATE action_logs SET updated_at = NOW() - INTERVAL '61 minutes' WHERE idempotency_key = $1`, claim.IdempotencyKey)
	require.NoError(t, err)

	e, claimed, err := s.ClaimAction(ctx, claim)
	require.NoError(t, err)
	assert.True(t, claimed, "a claim older than the lease on the database clock is taken over")
	assert.Equal(t, 2, e.Attempt)
}
