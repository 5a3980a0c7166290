package svc

import (
	"context"
	"time"

	"ephem/pkg/domain"
	"ephem/svc/db"
	"ephem/svc/util"

	"github.com/pkg/errors"
)

// Account owns users, sessions and the per-user paste sets.
type Account struct {
	sel *db.Selector
}

func NewAccount(sel *db.Selector) *Account {
	if sel == nil {
		panic("account service: nil selector")
	}
	return &Account{sel: sel}
}

func (a *Account) CreateUser(ctx context.Context, username, email, passwordHash string, now time.Time) (*domain.User, error) {
	id, err := util.GenID(nil)
	if err != nil {
		return nil, errors.Wrap(err, "gen user id")
	}
	rec := &domain.UserRecord{
		User: domain.User{
			ID:        id,
			Username:  username,
			Email:     domain.NormalizeEmail(email),
			CreatedAt: now.UnixMilli(),
		},
		PasswordHash: passwordHash,
	}
	if err := a.sel.Do(ctx, "create_user", func(b db.Backend) error {
		return b.SaveUser(ctx, rec)
	}); err != nil {
		return nil, err
	}
	u := rec.User
	return &u, nil
}

// GetUserByEmail is the only lookup that hands out the password hash.
func (a *Account) GetUserByEmail(ctx context.Context, email string) (*domain.User, string, error) {
	rec, err := db.Call(ctx, a.sel, "get_user_by_email", func(b db.Backend) (*domain.UserRecord, error) {
		return b.LoadUserByEmail(ctx, domain.NormalizeEmail(email))
	})
	if err != nil {
		return nil, "", err
	}
	if rec == nil {
		return nil, "", domain.ErrUserNotFound
	}
	u := rec.User
	return &u, rec.PasswordHash, nil
}

func (a *Account) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	rec, err := db.Call(ctx, a.sel, "get_user", func(b db.Backend) (*domain.UserRecord, error) {
		return b.LoadUser(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.ErrUserNotFound
	}
	u := rec.User
	return &u, nil
}

func (a *Account) CreateSession(ctx context.Context, userID string) (string, error) {
	token, err := util.NewToken()
	if err != nil {
		return "", err
	}
	if err := a.sel.Do(ctx, "create_session", func(b db.Backend) error {
		return b.SaveSession(ctx, token, userID)
	}); err != nil {
		return "", err
	}
	return token, nil
}

// GetUserIDFromSession returns ErrUnauthorized for unknown or expired tokens.
func (a *Account) GetUserIDFromSession(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthorized
	}
	uid, err := db.Call(ctx, a.sel, "get_session", func(b db.Backend) (string, error) {
		return b.LoadSession(ctx, token)
	})
	if err != nil {
		return "", err
	}
	if uid == "" {
		return "", domain.ErrUnauthorized
	}
	return uid, nil
}

func (a *Account) DeleteSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return a.sel.Do(ctx, "delete_session", func(b db.Backend) error {
		return b.DeleteSession(ctx, token)
	})
}

func (a *Account) AddPasteToUser(ctx context.Context, userID, pasteID string) error {
	return a.sel.Do(ctx, "add_user_paste", func(b db.Backend) error {
		return b.AddUserPaste(ctx, userID, pasteID)
	})
}

func (a *Account) GetUserPastes(ctx context.Context, userID string) ([]string, error) {
	return db.Call(ctx, a.sel, "get_user_pastes", func(b db.Backend) ([]string, error) {
		return b.UserPasteIDs(ctx, userID)
	})
}
