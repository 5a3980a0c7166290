package domain

import (
	"time"
)

// TimeExpired reports whether floor((now - createdAt) / 1s) has reached the TTL.
func TimeExpired(p *Paste, now time.Time) bool {
	if !p.HasTTL() {
		return false
	}
	elapsed := floorDiv(now.UnixMilli()-p.CreatedAt, 1000)
	return elapsed >= int64(*p.TTLSeconds)
}

func ViewsExhausted(p *Paste) bool {
	return p.MaxViews != nil && p.ViewCount >= *p.MaxViews
}

// IsAvailable is the sole authority on whether a read may proceed. Callers
// check it before counting a view.
func IsAvailable(p *Paste, now time.Time) bool {
	if p == nil {
		return false
	}
	return !TimeExpired(p, now) && !ViewsExhausted(p)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
