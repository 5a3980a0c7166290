package db

import (
	"context"
	"time"

	"ephem/pkg/domain"
)

// Backend is the key/value surface both stores implement. Lookups of absent
// records return a nil value and a nil error.
type Backend interface {
	Name() string

	SavePaste(ctx context.Context, p *domain.Paste) error
	LoadPaste(ctx context.Context, id string, now time.Time) (*domain.Paste, error)
	// LoadPastes returns one slot per id, nil where the record is gone.
	LoadPastes(ctx context.Context, ids []string, now time.Time) ([]*domain.Paste, error)
	PasteExists(ctx context.Context, id string) (bool, error)
	// IncrViews counts one view atomically, but only while the paste is
	// still available at now. A nil paste means it does not exist.
	IncrViews(ctx context.Context, id string, now time.Time, retention time.Duration) (p *domain.Paste, counted bool, err error)

	PublicIDs(ctx context.Context, offset, limit int) ([]string, error)
	UnindexPublic(ctx context.Context, ids ...string) error
	AddUserPaste(ctx context.Context, userID, pasteID string) error
	UserPasteIDs(ctx context.Context, userID string) ([]string, error)

	SaveUser(ctx context.Context, rec *domain.UserRecord) error
	LoadUser(ctx context.Context, id string) (*domain.UserRecord, error)
	LoadUserByEmail(ctx context.Context, email string) (*domain.UserRecord, error)

	SaveSession(ctx context.Context, token, userID string) error
	LoadSession(ctx context.Context, token string) (string, error)
	DeleteSession(ctx context.Context, token string) error

	// RateLimit counts a hit in the fixed window for key and returns the
	// usage. Usage stops growing one past limit, so usage > limit means
	// the hit is over the limit.
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	keyPaste       = "paste:"
	keyPublicIndex = "paste_index:public"
	keyUserPastes  = "user_pastes:"
	keyUser        = "user:"
	keyUserEmail   = "user:email:"
	keySession     = "session:"
	keyRate        = "rate:"
)

// exhaustedExpiry is the lifetime left to a record whose views just ran out:
// the shorter of what it had and the retention window. remaining <= 0 means
// the record had no expiry.
func exhaustedExpiry(remaining, retention time.Duration) time.Duration {
	if remaining > 0 && remaining < retention {
		return remaining
	}
	return retention
}
