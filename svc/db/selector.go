package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ephem/cfg"
	"ephem/metrics"
	"ephem/pkg/domain"
	"ephem/svc/util"
)

type Mode string

const (
	ModeRemote Mode = "remote"
	ModeMemory Mode = "memory"
)

// Dialer connects to the remote store. A nil Backend with a nil error means
// nothing is configured.
type Dialer func(ctx context.Context) (Backend, error)

// Selector routes every storage call to the remote store while it is healthy
// and to the in-process store otherwise. The remote is dialed once, on first
// use. The first remote failure moves all later calls to memory; with a
// reprobe interval set, the remote is pinged again after that cooldown and
// restored when it answers.
type Selector struct {
	mem         *Memory
	dial        Dialer
	dialTimeout time.Duration
	reprobe     time.Duration

	once    sync.Once
	remote  Backend
	down    atomic.Bool
	downAt  atomic.Int64
	probing atomic.Bool
}

func NewSelector(c *cfg.Cfg, mem *Memory) *Selector {
	dial := func(ctx context.Context) (Backend, error) {
		r, ok := c.Remote()
		if !ok {
			return nil, nil
		}
		return NewRedis(ctx, r, c)
	}
	return NewSelectorWith(mem, dial, c.RedisTimeout, c.ReprobeInterval)
}

func NewSelectorWith(mem *Memory, dial Dialer, dialTimeout, reprobe time.Duration) *Selector {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Selector{
		mem:         mem,
		dial:        dial,
		dialTimeout: dialTimeout,
		reprobe:     reprobe,
	}
}

func (s *Selector) connect() {
	s.once.Do(func() {
		if s.dial == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
		defer cancel()
		b, err := s.dial(ctx)
		if err != nil {
			util.Warn().Err(err).Msg("remote store unavailable, using in-process store")
			metrics.RemoteActive.Set(0)
			return
		}
		if b == nil {
			util.Info().Msg("no remote store configured, using in-process store")
			metrics.RemoteActive.Set(0)
			return
		}
		s.remote = b
		metrics.RemoteActive.Set(1)
		util.Info().Str("backend", b.Name()).Msg("remote store connected")
	})
}

// Current reports which store serves calls right now, dialing on first use.
func (s *Selector) Current(ctx context.Context) Mode {
	if s.active(ctx) == Backend(s.mem) {
		return ModeMemory
	}
	return ModeRemote
}

func (s *Selector) Memory() *Memory { return s.mem }

func (s *Selector) active(ctx context.Context) Backend {
	s.connect()
	if s.remote == nil {
		return s.mem
	}
	if !s.down.Load() {
		return s.remote
	}
	if s.reprobe > 0 && time.Since(time.Unix(0, s.downAt.Load())) >= s.reprobe {
		s.probe(ctx)
		if !s.down.Load() {
			return s.remote
		}
	}
	return s.mem
}

func (s *Selector) probe(ctx context.Context) {
	if !s.probing.CompareAndSwap(false, true) {
		return
	}
	defer s.probing.Store(false)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dialTimeout)
	defer cancel()
	if err := s.remote.Ping(pctx); err != nil {
		s.downAt.Store(time.Now().UnixNano())
		util.Debug().Err(err).Msg("remote store still unavailable")
		return
	}
	s.down.Store(false)
	metrics.RemoteActive.Set(1)
	util.Info().Str("backend", s.remote.Name()).Msg("remote store restored")
}

func (s *Selector) fail(op string, err error) {
	metrics.BackendFailovers.WithLabelValues(op).Inc()
	s.downAt.Store(time.Now().UnixNano())
	if s.down.CompareAndSwap(false, true) {
		metrics.RemoteActive.Set(0)
		util.Error().Err(err).Str("op", op).Str("backend", s.remote.Name()).Msg("remote store failed, switching to in-process store")
		return
	}
	util.Warn().Err(err).Str("op", op).Msg("remote store failed")
}

// Do runs fn against the active store. A remote error that is neither a
// domain error nor the caller's own cancellation marks the remote down and
// reruns fn against memory, so the caller never sees it.
func (s *Selector) Do(ctx context.Context, op string, fn func(Backend) error) error {
	b := s.active(ctx)
	err := fn(b)
	if err == nil || b == Backend(s.mem) {
		return err
	}
	if _, ok := domain.AsErr(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.fail(op, err)
	return fn(s.mem)
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, s *Selector, op string, fn func(Backend) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, op, func(b Backend) error {
		v, err := fn(b)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (s *Selector) Close() error {
	if s.remote != nil {
		return s.remote.Close()
	}
	return nil
}
