package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

func newRedisTestStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisTestStore(t)) })
}

func storedResp(body string) *contracts.StoredResponse {
	return &contracts.StoredResponse{
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       []byte(body),
		StoredAt:   contracts.EpochSeconds(time.Now()),
		BodySHA256: contracts.BodyHash([]byte(body)),
	}
}

func TestAcquireLeaderExclusive(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ok, owner, err := s.AcquireLeader(ctx, "t1", "k1", time.Minute, "fp1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NotEmpty(t, owner)

		ok2, _, err := s.AcquireLeader(ctx, "t1", "k1", time.Minute, "fp1")
		require.NoError(t, err)
		assert.False(t, ok2, "second acquire while lock live must lose")

		// Other tenants and keys are unaffected.
		ok3, _, err := s.AcquireLeader(ctx, "t2", "k1", time.Minute, "fp1")
		require.NoError(t, err)
		assert.True(t, ok3)
	})
}

func TestReleaseIsOwnerScoped(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, owner, err := s.AcquireLeader(ctx, "t1", "k1", time.Minute, "fp")
		require.NoError(t, err)

		require.NoError(t, s.Release(ctx, "t1", "k1", "not-the-owner"))
		ok, _, err := s.AcquireLeader(ctx, "t1", "k1", time.Minute, "fp")
		require.NoError(t, err)
		assert.False(t, ok, "mismatched release must not drop the lock")

		require.NoError(t, s.Release(ctx, "t1", "k1", owner))
		ok, _, err = s.AcquireLeader(ctx, "t1", "k1", time.Minute, "fp")
		require.NoError(t, err)
		assert.True(t, ok, "owner release must free the lock")
	})
}

func TestPutClearsLockAndServesValue(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.AcquireLeader(ctx, "t1", "k1", time.Minute, "fp")
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, "t1", "k1", storedResp(`{"ok":true}`), time.Hour))

		got, err := s.Get(ctx, "t1", "k1")
		require.NoError(t, err)
		assert.Equal(t, 200, got.StatusCode)
		assert.Equal(t, `{"ok":true}`, string(got.Body))
		assert.EqualValues(t, 0, got.ReplayCount)

		meta, err := s.Meta(ctx, "t1", "k1")
		require.NoError(t, err)
		assert.Equal(t, contracts.IdemStored, meta.State)
		assert.False(t, meta.Locked, "put must clear the lock")
		assert.Equal(t, "fp", meta.PayloadFingerprint, "fingerprint survives into stored state")
	})
}

func TestBumpReplayMonotone(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.BumpReplay(ctx, "t1", "nope", 0)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Put(ctx, "t1", "k1", storedResp("x"), time.Hour))
		for want := int64(1); want <= 5; want++ {
			n, err := s.BumpReplay(ctx, "t1", "k1", 0)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		got, err := s.Get(ctx, "t1", "k1")
		require.NoError(t, err)
		assert.EqualValues(t, 5, got.ReplayCount)
	})
}

func TestFreshPutResetsReplayCount(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "t1", "k1", storedResp("a"), time.Hour))
		_, err := s.BumpReplay(ctx, "t1", "k1", 0)
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, "t1", "k1", storedResp("b"), time.Hour))
		got, err := s.Get(ctx, "t1", "k1")
		require.NoError(t, err)
		assert.Equal(t, "b", string(got.Body))
		assert.EqualValues(t, 0, got.ReplayCount)
	})
}

func TestPurge(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		existed, err := s.Purge(ctx, "t1", "k1")
		require.NoError(t, err)
		assert.False(t, existed)

		require.NoError(t, s.Put(ctx, "t1", "k1", storedResp("x"), time.Hour))
		existed, err = s.Purge(ctx, "t1", "k1")
		require.NoError(t, err)
		assert.True(t, existed)

		_, err = s.Get(ctx, "t1", "k1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListRecentNewestFirst(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, key := range []string{"k1", "k2", "k3"} {
			require.NoError(t, s.Put(ctx, "t1", key, storedResp("x"), time.Hour))
			time.Sleep(2 * time.Millisecond) // distinct scores
		}
		got, err := s.ListRecent(ctx, "t1", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "k3", got[0].Key)
		assert.Equal(t, "k2", got[1].Key)

		other, err := s.ListRecent(ctx, "t2", 10)
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestLockExpiryAllowsTakeover(t *testing.T) {
	clock := time.Now()
	s := NewMemoryStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	ok, _, err := s.AcquireLeader(ctx, "t1", "k1", 30*time.Second, "fp")
	require.NoError(t, err)
	require.True(t, ok)

	clock = clock.Add(31 * time.Second)
	ok, _, err = s.AcquireLeader(ctx, "t1", "k1", 30*time.Second, "fp")
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be claimable")
}

func TestValueExpiry(t *testing.T) {
	clock := time.Now()
	s := NewMemoryStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "t1", "k1", storedResp("x"), time.Hour))
	clock = clock.Add(2 * time.Hour)

	_, err := s.Get(ctx, "t1", "k1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.BumpReplay(ctx, "t1", "k1", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	meta, err := s.Meta(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.IdemIdle, meta.State)
}

func TestSingleFlightProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30

	properties := gopter.NewProperties(params)
	properties.Property("exactly one concurrent acquire wins", prop.ForAll(
		func(workers int) bool {
			s := NewMemoryStore()
			ctx := context.Background()

			var wg sync.WaitGroup
			wins := make(chan string, workers)
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, owner, err := s.AcquireLeader(ctx, "t", "k", time.Minute, "fp")
					if err == nil && ok {
						wins <- owner
					}
				}()
			}
			close(start)
			wg.Wait()
			close(wins)

			owners := map[string]bool{}
			for o := range wins {
				owners[o] = true
			}
			return len(owners) == 1
		},
		gen.IntRange(2, 32),
	))
	properties.TestingRun(t)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "…", MaskKey("short"))
	assert.Equal(t, "…", MaskKey("exactly-16-chars"))
	assert.Equal(t, "abcdefgh…stuvwxyz", MaskKey("abcdefghijklmnopqrstuvwxyz"))
}
