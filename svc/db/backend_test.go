package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"ephem/cfg"
	"ephem/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func intp(n int) *int { return &n }

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := &cfg.Cfg{RedisTimeout: time.Second}
	r, err := NewRedis(context.Background(), cfg.Remote{Name: "test", URL: "redis://" + mr.Addr()}, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory(1000, 100)
	require.NoError(t, err)
	return m
}

// each runs a contract test against both stores.
func each(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) { fn(t, newTestMemory(t)) })
	t.Run("redis", func(t *testing.T) {
		r, _ := newTestRedis(t)
		fn(t, r)
	})
}

func paste(id string, at time.Time, mut func(p *domain.Paste)) *domain.Paste {
	p := domain.NewPaste(id, domain.CreateParams{Content: "body " + id}, at)
	if mut != nil {
		mut(p)
	}
	return p
}

func TestBackendPasteRoundTrip(t *testing.T) {
	each(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		p := paste("abc12345", t0, func(p *domain.Paste) {
			p.Title = "hello"
			p.TTLSeconds = intp(60)
		})
		require.NoError(t, b.SavePaste(ctx, p))

		got, err := b.LoadPaste(ctx, p.ID, t0)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, *p, *got)

		missing, err := b.LoadPaste(ctx, "nope", t0)
		require.NoError(t, err)
		assert.Nil(t, missing)

		ok, err := b.PasteExists(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		many, err := b.LoadPastes(ctx, []string{"nope", p.ID}, t0)
		require.NoError(t, err)
		require.Len(t, many, 2)
		assert.Nil(t, many[0])
		assert.Equal(t, p.ID, many[1].ID)
	})
}

func TestBackendIncrViewsStopsAtCap(t *testing.T) {
	each(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		p := paste("cap00001", t0, func(p *domain.Paste) { p.MaxViews = intp(2) })
		require.NoError(t, b.SavePaste(ctx, p))

		for i, want := range []bool{true, true, false} {
			got, counted, err := b.IncrViews(ctx, p.ID, t0, time.Hour)
			require.NoError(t, err)
			require.NotNil(t, got, "view %d", i)
			assert.Equal(t, want, counted, "view %d", i)
		}
		got, err := b.LoadPaste(ctx, p.ID, t0)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 2, got.ViewCount)

		none, counted, err := b.IncrViews(ctx, "missing1", t0, time.Hour)
		require.NoError(t, err)
		assert.Nil(t, none)
		assert.False(t, counted)
	})
}

func TestBackendIncrViewsRefusesExpired(t *testing.T) {
	each(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		p := paste("ttl00001", t0, func(p *domain.Paste) { p.TTLSeconds = intp(60) })
		require.NoError(t, b.SavePaste(ctx, p))

		_, counted, err := b.IncrViews(ctx, p.ID, t0.Add(59*time.Second), time.Hour)
		require.NoError(t, err)
		assert.True(t, counted)
		// Redis still holds the key here, memory has expired it; neither counts.
		_, counted, err = b.IncrViews(ctx, p.ID, t0.Add(60*time.Second), time.Hour)
		require.NoError(t, err)
		assert.False(t, counted)
	})
}

func TestBackendConcurrentViewsNoLostUpdates(t *testing.T) {
	each(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		p := paste("race0001", t0, func(p *domain.Paste) { p.MaxViews = intp(5) })
		require.NoError(t, b.SavePaste(ctx, p))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			counted int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := b.IncrViews(ctx, p.ID, t0, time.Hour)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					counted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 5, counted)
		got, err := b.LoadPaste(ctx, p.ID, t0)
		require.NoError(t, err)
		assert.Equal(t, 5, got.ViewCount)
	})
}

func TestBackendPublicIndex(t *testing.T) {
	each(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.SavePaste(ctx, paste("old00001", t0, nil)))
		require.NoError(t, b.SavePaste(ctx, paste("new00001", t0.Add(2*time.Second), nil)))
		require.NoError(t, b.SavePaste(ctx, paste("mid00001", t0.Add(time.Second), nil)))
		require.NoError(t, b.SavePaste(ctx, paste("unl00001", t0.Add(3*time.Second), func(p *domain.Paste) {
			p.Privacy = domain.PrivacyUnlisted
		})))
		require.NoError(t, b.SavePaste(ctx, paste("prv00001", t0.Add(4*time.Second), func(p *domain.Paste) {
			p.Privacy = domain.PrivacyPrivate
			p.UserID = "u1"
		})))

		ids, err := b.PublicIDs(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"new00001", "mid00001", "old00001"}, ids)

		ids, err = b.PublicIDs(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"mid00001"}, ids)

		ids, err = b.PublicIDs(ctx, 50, 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		require.NoError(t, b.UnindexPublic(ctx, "mid00001"))
		ids, err = b.PublicIDs(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"new00001", "old00001"}, ids)
	})
}

func TestBackendUserPastes(t *testing.T) {
	each(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.AddUserPaste(ctx, "u1", "p1"))
		require.NoError(t, b.AddUserPaste(ctx, "u1", "p2"))
		require.NoError(t, b.AddUserPaste(ctx, "u1", "p1"))

		ids, err := b.UserPasteIDs(ctx, "u1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"p1", "p2"}, ids)

		ids, err = b.UserPasteIDs(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestBackendUsersAndSessions(t *testing.T) {
	each(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		rec := &domain.UserRecord{
			User:         domain.User{ID: "u1", Username: "alice", Email: "a@x.io", CreatedAt: t0.UnixMilli()},
			PasswordHash: "hash",
		}
		require.NoError(t, b.SaveUser(ctx, rec))
		dup := *rec
		dup.ID = "u2"
		assert.ErrorIs(t, b.SaveUser(ctx, &dup), domain.ErrEmailTaken)

		got, err := b.LoadUserByEmail(ctx, "a@x.io")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, *rec, *got)

		got, err = b.LoadUser(ctx, "u2")
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, b.SaveSession(ctx, "tok", "u1"))
		uid, err := b.LoadSession(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, "u1", uid)
		require.NoError(t, b.DeleteSession(ctx, "tok"))
		uid, err = b.LoadSession(ctx, "tok")
		require.NoError(t, err)
		assert.Empty(t, uid)
	})
}

func TestBackendRateLimit(t *testing.T) {
	each(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		var got []int
		for i := 0; i < 5; i++ {
			n, err := b.RateLimit(ctx, "1.2.3.4", 3, time.Minute)
			require.NoError(t, err)
			got = append(got, n)
		}
		assert.Equal(t, []int{1, 2, 3, 4, 4}, got)
	})
}

func TestRedisNativeTTL(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SavePaste(ctx, paste("ttl00002", t0, func(p *domain.Paste) {
		p.TTLSeconds = intp(90)
		p.MaxViews = intp(2)
	})))
	assert.Equal(t, 90*time.Second, mr.TTL("paste:ttl00002"))

	_, counted, err := r.IncrViews(ctx, "ttl00002", t0, time.Hour)
	require.NoError(t, err)
	require.True(t, counted)
	assert.Equal(t, 90*time.Second, mr.TTL("paste:ttl00002"), "a counted view must not reset the clock")

	mr.FastForward(91 * time.Second)
	p, err := r.LoadPaste(ctx, "ttl00002", t0)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRedisExhaustionCapsLifetime(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SavePaste(ctx, paste("burn0001", t0, func(p *domain.Paste) {
		p.MaxViews = intp(1)
	})))
	assert.Zero(t, mr.TTL("paste:burn0001"))
	_, counted, err := r.IncrViews(ctx, "burn0001", t0, time.Hour)
	require.NoError(t, err)
	require.True(t, counted)
	assert.Equal(t, time.Hour, mr.TTL("paste:burn0001"))

	require.NoError(t, r.SavePaste(ctx, paste("burn0002", t0, func(p *domain.Paste) {
		p.MaxViews = intp(1)
		p.TTLSeconds = intp(60)
	})))
	_, _, err = r.IncrViews(ctx, "burn0002", t0, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, mr.TTL("paste:burn0002"))
}

func TestMemoryExpiryFollowsClock(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	require.NoError(t, m.SavePaste(ctx, paste("ttl00003", t0, func(p *domain.Paste) { p.TTLSeconds = intp(60) })))

	p, err := m.LoadPaste(ctx, "ttl00003", t0.Add(59*time.Second))
	require.NoError(t, err)
	assert.NotNil(t, p)
	p, err = m.LoadPaste(ctx, "ttl00003", t0.Add(60*time.Second))
	require.NoError(t, err)
	assert.Nil(t, p)

	ids, err := m.PublicIDs(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "expired pastes leave the public index")
}

func TestMemoryExhaustionCapsLifetime(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	require.NoError(t, m.SavePaste(ctx, paste("burn0003", t0, func(p *domain.Paste) { p.MaxViews = intp(1) })))

	_, counted, err := m.IncrViews(ctx, "burn0003", t0, time.Hour)
	require.NoError(t, err)
	require.True(t, counted)

	p, err := m.LoadPaste(ctx, "burn0003", t0.Add(59*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, p, "exhausted record is retained until the retention window ends")
	assert.False(t, domain.IsAvailable(p, t0.Add(59*time.Minute)))

	p, err = m.LoadPaste(ctx, "burn0003", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMemorySweep(t *testing.T) {
	m, err := NewMemory(1000, 3)
	require.NoError(t, err)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, m.SavePaste(ctx, paste(id, t0, func(p *domain.Paste) { p.TTLSeconds = intp(1) })))
	}
	require.NoError(t, m.SavePaste(ctx, paste("keep", t0, nil)))
	assert.Equal(t, 3, m.Len())

	// the third save swept at t0; the third read after it sweeps again
	for i := 0; i < 2; i++ {
		_, _ = m.LoadPaste(ctx, "keep", t0.Add(2*time.Second))
	}
	assert.Equal(t, 3, m.Len())
	_, _ = m.LoadPaste(ctx, "keep", t0.Add(2*time.Second))
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.SavePaste(ctx, paste("c", t0, func(p *domain.Paste) { p.TTLSeconds = intp(1) })))
	assert.Equal(t, 1, m.Sweep(t0.Add(time.Minute)))
	assert.Equal(t, 1, m.Len())
}

func TestMemoryEvictionDropsIndex(t *testing.T) {
	m, err := NewMemory(2, 100)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.SavePaste(ctx, paste("one", t0, nil)))
	require.NoError(t, m.SavePaste(ctx, paste("two", t0.Add(time.Second), nil)))
	require.NoError(t, m.SavePaste(ctx, paste("three", t0.Add(2*time.Second), nil)))

	ids, err := m.PublicIDs(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "two"}, ids)
}
