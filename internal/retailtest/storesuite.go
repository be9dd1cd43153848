package retailtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// StoreFactory returns an empty store with its schema created. lease is the
// claim lease the store must use.
type StoreFactory func(t *testing.T, lease time.Duration) retail.Store

// RunStoreSuite checks the claim protocol and campaign uniqueness of a store.
func RunStoreSuite(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()
	claim := func(key string) retail.ActionClaim {
		return retail.ActionClaim{IdempotencyKey: key, ActionType: retail.ActionPublishCoupon, RequestJSON: `{"goal":"x"}`}
	}

	t.Run("missing entry", func(t *testing.T) {
		s := newStore(t, time.Hour)
		_, err := s.GetActionLog(ctx, "nope")
		assert.ErrorIs(t, err, retail.ErrActionLogNotFound)
		_, err = s.GetCampaign(ctx, "nope")
		assert.ErrorIs(t, err, retail.ErrCampaignNotFound)
	})

	t.Run("first claim wins, second observes", func(t *testing.T) {
		s := newStore(t, time.Hour)

		e, claimed, err := s.ClaimAction(ctx, claim("k1"))
		require.NoError(t, err)
		require.True(t, claimed)
		assert.Equal(t, 1, e.Attempt)
		assert.Equal(t, retail.StatusPending, e.Status)
		assert.NotEmpty(t, e.ID)

		e2, claimed, err := s.ClaimAction(ctx, claim("k1"))
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, e.ID, e2.ID)
		assert.Equal(t, retail.StatusPending, e2.Status)
	})

	t.Run("success is terminal", func(t *testing.T) {
		s := newStore(t, time.Hour)

		e, _, err := s.ClaimAction(ctx, claim("k2"))
		require.NoError(t, err)
		require.NoError(t, s.CompleteAction(ctx, "k2", e.Attempt, retail.StatusSuccess, `{"publish_status":"published"}`, ""))

		got, err := s.GetActionLog(ctx, "k2")
		require.NoError(t, err)
		assert.Equal(t, retail.StatusSuccess, got.Status)
		assert.Equal(t, `{"publish_status":"published"}`, got.ResponseJSON)

		again, claimed, err := s.ClaimAction(ctx, claim("k2"))
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, retail.StatusSuccess, again.Status)

		assert.Error(t, s.CompleteAction(ctx, "k2", e.Attempt, retail.StatusFailed, "", "late"))
	})

	t.Run("failed entry is re-claimed", func(t *testing.T) {
		s := newStore(t, time.Hour)

		e, _, err := s.ClaimAction(ctx, claim("k3"))
		require.NoError(t, err)
		require.NoError(t, s.CompleteAction(ctx, "k3", e.Attempt, retail.StatusFailed, `{}`, "crm down"))

		e2, claimed, err := s.ClaimAction(ctx, claim("k3"))
		require.NoError(t, err)
		require.True(t, claimed)
		assert.Equal(t, 2, e2.Attempt)
		assert.Equal(t, retail.StatusPending, e2.Status)
		assert.Empty(t, e2.ErrorMessage)

		assert.Error(t, s.CompleteAction(ctx, "k3", 1, retail.StatusSuccess, `{}`, ""))
		assert.NoError(t, s.CompleteAction(ctx, "k3", 2, retail.StatusSuccess, `{}`, ""))
	})

	t.Run("stale pending claim is taken over", func(t *testing.T) {
		s := newStore(t, time.Nanosecond)

		_, claimed, err := s.ClaimAction(ctx, claim("k4"))
		require.NoError(t, err)
		require.True(t, claimed)
		time.Sleep(5 * time.Millisecond)

		e, claimed, err := s.ClaimAction(ctx, claim("k4"))
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, 2, e.Attempt)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := newStore(t, time.Hour)

		const n = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, claimed, err := s.ClaimAction(ctx, claim("k5"))
				if !assert.NoError(t, err) {
					return
				}
				if claimed {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})

	t.Run("campaign is unique per key", func(t *testing.T) {
		s := newStore(t, time.Hour)
		rec := retail.CampaignRecord{
			IdempotencyKey: "k6",
			Name:           "campaign-k6",
			Goal:           "提升复购",
			Budget:         30000,
			DurationDays:   7,
			PlanJSON:       `{"budget":30000}`,
		}

		first, err := s.CreateCampaign(ctx, rec)
		require.NoError(t, err)
		assert.NotEmpty(t, first.ID)

		rec.Name = "other"
		second, err := s.CreateCampaign(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "campaign-k6", second.Name)

		got, err := s.GetCampaign(ctx, "k6")
		require.NoError(t, err)
		assert.Equal(t, 30000.0, got.Budget)
		assert.Equal(t, 7, got.DurationDays)
		assert.JSONEq(t, `{"budget":30000}`, got.PlanJSON)
	})
}
