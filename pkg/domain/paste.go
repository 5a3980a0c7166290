package domain

import (
	"time"
)

type Privacy string

const (
	PrivacyPublic   Privacy = "public"
	PrivacyUnlisted Privacy = "unlisted"
	PrivacyPrivate  Privacy = "private"
)

func (p Privacy) Valid() bool {
	switch p {
	case "", PrivacyPublic, PrivacyUnlisted, PrivacyPrivate:
		return true
	}
	return false
}

// Paste is the stored record. CreatedAt is epoch milliseconds.
type Paste struct {
	ID            string  `json:"id"`
	Content       string  `json:"content"`
	Title         string  `json:"title,omitempty"`
	Syntax        string  `json:"syntax,omitempty"`
	CreatedAt     int64   `json:"created_at"`
	TTLSeconds    *int    `json:"ttl_seconds,omitempty"`
	MaxViews      *int    `json:"max_views,omitempty"`
	ViewCount     int     `json:"view_count"`
	BurnAfterRead bool    `json:"burn_after_read,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	Privacy       Privacy `json:"privacy,omitempty"`
}

func (p *Paste) Visibility() Privacy {
	if p.Privacy == "" {
		return PrivacyPublic
	}
	return p.Privacy
}

// Listed reports whether the paste belongs in the public creation-time index.
func (p *Paste) Listed() bool {
	return p.Visibility() == PrivacyPublic
}

// VisibleTo reports whether a caller resolved to userID may read the paste.
// An empty userID is an anonymous caller.
func (p *Paste) VisibleTo(userID string) bool {
	if p.Visibility() != PrivacyPrivate {
		return true
	}
	return userID != "" && userID == p.UserID
}

func (p *Paste) HasTTL() bool {
	return p.TTLSeconds != nil && *p.TTLSeconds > 0
}

// ExpiresAtMillis is createdAt + ttl*1000, valid only when HasTTL.
func (p *Paste) ExpiresAtMillis() (int64, bool) {
	if !p.HasTTL() {
		return 0, false
	}
	return p.CreatedAt + int64(*p.TTLSeconds)*1000, true
}

func (p *Paste) ExpiresAt() *time.Time {
	ms, ok := p.ExpiresAtMillis()
	if !ok {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func (p *Paste) RemainingViews() *int {
	if p.MaxViews == nil {
		return nil
	}
	n := *p.MaxViews - p.ViewCount
	if n < 0 {
		n = 0
	}
	return &n
}

type CreateParams struct {
	Content       string
	Title         string
	Syntax        string
	TTLSeconds    *int
	MaxViews      *int
	BurnAfterRead bool
	Privacy       Privacy
	UserID        string
}

// NewPaste builds a record from validated params. Burn-after-read is
// stored as a view cap of one.
func NewPaste(id string, params CreateParams, now time.Time) *Paste {
	p := &Paste{
		ID:            id,
		Content:       params.Content,
		Title:         params.Title,
		Syntax:        params.Syntax,
		CreatedAt:     now.UnixMilli(),
		TTLSeconds:    params.TTLSeconds,
		MaxViews:      params.MaxViews,
		BurnAfterRead: params.BurnAfterRead,
		UserID:        params.UserID,
		Privacy:       params.Privacy,
	}
	if p.BurnAfterRead {
		one := 1
		p.MaxViews = &one
	}
	return p
}
