package db

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ephem/cfg"
	"ephem/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector(t *testing.T, reprobe time.Duration) (*Selector, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := &cfg.Cfg{RedisTimeout: time.Second}
	dial := func(ctx context.Context) (Backend, error) {
		return NewRedis(ctx, cfg.Remote{Name: "test", URL: "redis://" + mr.Addr()}, c)
	}
	s := NewSelectorWith(newTestMemory(t), dial, time.Second, reprobe)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestSelectorWithoutRemoteUsesMemory(t *testing.T) {
	c := &cfg.Cfg{RedisTimeout: time.Second, Remotes: []cfg.Remote{{Name: "upstash"}, {Name: "kv"}}}
	s := NewSelector(c, newTestMemory(t))
	assert.Equal(t, ModeMemory, s.Current(context.Background()))
}

func TestSelectorDialFailureIsPermanent(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context) (Backend, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	s := NewSelectorWith(newTestMemory(t), dial, time.Second, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Equal(t, ModeMemory, s.Current(ctx))
	}
	assert.EqualValues(t, 1, dials.Load())
}

func TestSelectorRoutesToRemote(t *testing.T) {
	s, mr := newTestSelector(t, 0)
	ctx := context.Background()
	require.Equal(t, ModeRemote, s.Current(ctx))

	err := s.Do(ctx, "create", func(b Backend) error {
		return b.SavePaste(ctx, paste("remote01", t0, nil))
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("paste:remote01"))
	assert.Zero(t, s.Memory().Len())
}

func TestSelectorFailsOverOnce(t *testing.T) {
	s, mr := newTestSelector(t, 0)
	ctx := context.Background()
	require.Equal(t, ModeRemote, s.Current(ctx))

	mr.SetError("ERR backend unavailable")
	err := s.Do(ctx, "create", func(b Backend) error {
		return b.SavePaste(ctx, paste("fallbk01", t0, nil))
	})
	require.NoError(t, err, "remote failures are masked")
	assert.Equal(t, ModeMemory, s.Current(ctx))
	assert.Equal(t, 1, s.Memory().Len())

	// one-way: a healthy remote is not used again
	mr.SetError("")
	p, err := Call(ctx, s, "get", func(b Backend) (*domain.Paste, error) {
		return b.LoadPaste(ctx, "fallbk01", t0)
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, ModeMemory, s.Current(ctx))
	assert.False(t, mr.Exists("paste:fallbk01"))
}

func TestSelectorPassesDomainErrors(t *testing.T) {
	s, _ := newTestSelector(t, 0)
	ctx := context.Background()
	rec := &domain.UserRecord{User: domain.User{ID: "u1", Email: "a@x.io"}}
	require.NoError(t, s.Do(ctx, "user", func(b Backend) error { return b.SaveUser(ctx, rec) }))

	dup := *rec
	dup.ID = "u2"
	err := s.Do(ctx, "user", func(b Backend) error { return b.SaveUser(ctx, &dup) })
	assert.ErrorIs(t, err, domain.ErrEmailTaken)
	assert.Equal(t, ModeRemote, s.Current(ctx))
}

func TestSelectorIgnoresCallerCancellation(t *testing.T) {
	s, _ := newTestSelector(t, 0)
	require.Equal(t, ModeRemote, s.Current(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Do(ctx, "get", func(b Backend) error {
		_, err := b.LoadPaste(ctx, "x", t0)
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ModeRemote, s.Current(context.Background()))
}

func TestSelectorReprobeRestoresRemote(t *testing.T) {
	s, mr := newTestSelector(t, 20*time.Millisecond)
	ctx := context.Background()
	require.Equal(t, ModeRemote, s.Current(ctx))

	mr.SetError("ERR backend unavailable")
	require.NoError(t, s.Do(ctx, "ping", func(b Backend) error { return b.Ping(ctx) }))
	assert.Equal(t, ModeMemory, s.Current(ctx))

	mr.SetError("")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ModeRemote, s.Current(ctx))
}
