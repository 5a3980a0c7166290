package svc

import (
	"context"
	"sort"
	"time"

	"ephem/cfg"
	"ephem/metrics"
	"ephem/pkg/domain"
	"ephem/svc/db"
	"ephem/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Owners is the part of the account store the paste store depends on.
type Owners interface {
	AddPasteToUser(ctx context.Context, userID, pasteID string) error
	GetUserPastes(ctx context.Context, userID string) ([]string, error)
	GetUserIDFromSession(ctx context.Context, token string) (string, error)
}

type Paste struct {
	sel    *db.Selector
	owners Owners
	cfg    *cfg.Cfg
}

func NewPaste(sel *db.Selector, owners Owners, c *cfg.Cfg) *Paste {
	if sel == nil || owners == nil || c == nil {
		panic("paste service: nil dependency (selector, owners, or cfg)")
	}
	return &Paste{sel: sel, owners: owners, cfg: c}
}

type ScopeKind int

const (
	ScopePublic ScopeKind = iota
	ScopeOwned
)

type Scope struct {
	Kind   ScopeKind
	UserID string
}

func Public() Scope { return Scope{Kind: ScopePublic} }
func OwnedBy(userID string) Scope { return Scope{Kind: ScopeOwned, UserID: userID} }

func (p *Paste) Create(ctx context.Context, params domain.CreateParams, now time.Time) (*domain.Paste, error) {
	if params.Content == "" {
		return nil, domain.Invalid("Content is required")
	}
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	id, err := util.GenID(func(id string) (bool, error) {
		return db.Call(ctx, p.sel, "exists", func(b db.Backend) (bool, error) {
			return b.PasteExists(ctx, id)
		})
	})
	if err != nil {
		if errors.Is(err, util.ErrIDCollision) {
			return nil, domain.ErrIDGenerationFailed
		}
		return nil, errors.Wrap(err, "gen id")
	}
	paste := domain.NewPaste(id, params, now)
	if err := p.sel.Do(ctx, "create", func(b db.Backend) error {
		return b.SavePaste(ctx, paste)
	}); err != nil {
		return nil, errors.Wrap(err, "save paste")
	}
	if paste.UserID != "" {
		if err := p.owners.AddPasteToUser(ctx, paste.UserID, id); err != nil {
			return nil, errors.Wrap(err, "index user paste")
		}
	}
	metrics.PasteCreated.Inc()
	return paste, nil
}

// Get applies the time rule only; a paste whose views ran out is still
// returned so callers can tell the two apart.
func (p *Paste) Get(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	paste, err := db.Call(ctx, p.sel, "get", func(b db.Backend) (*domain.Paste, error) {
		return b.LoadPaste(ctx, id, now)
	})
	if err != nil {
		return nil, err
	}
	if paste == nil || domain.TimeExpired(paste, now) {
		return nil, domain.ErrPasteNotFound
	}
	return paste, nil
}

// IncrementView counts one view and returns the updated record. A paste
// that is no longer available is not counted and reads as not found.
func (p *Paste) IncrementView(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	var counted bool
	paste, err := db.Call(ctx, p.sel, "incr_views", func(b db.Backend) (*domain.Paste, error) {
		got, ok, err := b.IncrViews(ctx, id, now, p.cfg.ExhaustedRetention)
		counted = ok
		return got, err
	})
	if err != nil {
		return nil, err
	}
	if paste == nil || !counted {
		return nil, domain.ErrPasteNotFound
	}
	metrics.PasteViewed.Inc()
	return paste, nil
}

// View is the read path: resolve the paste and the caller in parallel, then
// apply privacy and availability before counting the view.
func (p *Paste) View(ctx context.Context, id, sessionToken string, now time.Time) (*domain.Paste, error) {
	var (
		paste  *domain.Paste
		viewer string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		paste, err = p.Get(gctx, id, now)
		return err
	})
	if sessionToken != "" {
		g.Go(func() error {
			uid, err := p.owners.GetUserIDFromSession(gctx, sessionToken)
			if err != nil && !errors.Is(err, domain.ErrUnauthorized) {
				return err
			}
			viewer = uid
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			metrics.PasteUnavailable.WithLabelValues(metrics.ReasonMissing).Inc()
		}
		return nil, err
	}
	if !paste.VisibleTo(viewer) {
		metrics.PasteUnavailable.WithLabelValues(metrics.ReasonPrivate).Inc()
		return nil, domain.ErrPasteNotFound
	}
	if !domain.IsAvailable(paste, now) {
		metrics.PasteUnavailable.WithLabelValues(metrics.ReasonExhausted).Inc()
		return nil, domain.ErrPasteNotFound
	}
	viewed, err := p.IncrementView(ctx, id, now)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			metrics.PasteUnavailable.WithLabelValues(metrics.ReasonExhausted).Inc()
		}
		return nil, err
	}
	return viewed, nil
}

// Peek is View without counting.
func (p *Paste) Peek(ctx context.Context, id, viewerID string, now time.Time) (*domain.Paste, error) {
	paste, err := p.Get(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if !paste.VisibleTo(viewerID) || !domain.IsAvailable(paste, now) {
		return nil, domain.ErrPasteNotFound
	}
	return paste, nil
}

// List returns at most limit available pastes after skipping offset, newest
// first. Public listings page the creation-time index directly and prune ids
// whose record is gone; owned listings load the whole set and page after
// sorting.
func (p *Paste) List(ctx context.Context, scope Scope, limit, offset int, now time.Time) ([]*domain.Paste, error) {
	if limit <= 0 || offset < 0 {
		return []*domain.Paste{}, nil
	}
	switch scope.Kind {
	case ScopePublic:
		return p.listPublic(ctx, limit, offset, now)
	case ScopeOwned:
		if scope.UserID == "" {
			return []*domain.Paste{}, nil
		}
		return p.listOwned(ctx, scope.UserID, limit, offset, now)
	}
	return nil, errors.Errorf("unknown list scope %d", scope.Kind)
}

func (p *Paste) listPublic(ctx context.Context, limit, offset int, now time.Time) ([]*domain.Paste, error) {
	ids, err := db.Call(ctx, p.sel, "list_public", func(b db.Backend) ([]string, error) {
		return b.PublicIDs(ctx, offset, limit)
	})
	if err != nil {
		return nil, err
	}
	pastes, err := p.load(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	var gone []string
	out := make([]*domain.Paste, 0, len(ids))
	for i, paste := range pastes {
		if paste == nil {
			gone = append(gone, ids[i])
			continue
		}
		if paste.Listed() && domain.IsAvailable(paste, now) {
			out = append(out, paste)
		}
	}
	if len(gone) > 0 {
		if err := p.sel.Do(ctx, "prune_public", func(b db.Backend) error {
			return b.UnindexPublic(ctx, gone...)
		}); err != nil {
			util.Warn().Err(err).Int("count", len(gone)).Msg("failed to prune public index")
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (p *Paste) listOwned(ctx context.Context, userID string, limit, offset int, now time.Time) ([]*domain.Paste, error) {
	ids, err := p.owners.GetUserPastes(ctx, userID)
	if err != nil {
		return nil, err
	}
	pastes, err := p.load(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Paste, 0, len(pastes))
	for _, paste := range pastes {
		if paste != nil && paste.UserID == userID && domain.IsAvailable(paste, now) {
			out = append(out, paste)
		}
	}
	sortNewestFirst(out)
	if offset >= len(out) {
		return []*domain.Paste{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *Paste) load(ctx context.Context, ids []string, now time.Time) ([]*domain.Paste, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pastes, err := db.Call(ctx, p.sel, "load_many", func(b db.Backend) ([]*domain.Paste, error) {
		return b.LoadPastes(ctx, ids, now)
	})
	if err != nil {
		return nil, err
	}
	for i, paste := range pastes {
		if paste != nil && domain.TimeExpired(paste, now) {
			pastes[i] = nil
		}
	}
	return pastes, nil
}

func sortNewestFirst(ps []*domain.Paste) {
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].CreatedAt > ps[j].CreatedAt
	})
}
