package lim

import (
	"net/http/httptest"
	"testing"
	"time"

	"ephem/svc/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, rpm, burst int, proxies []string) *Limiter {
	t.Helper()
	mem, err := db.NewMemory(100, 100)
	require.NoError(t, err)
	return New(rpm, burst, db.NewSelectorWith(mem, nil, time.Second, 0), proxies)
}

func TestCheckLimitWindow(t *testing.T) {
	l := newLimiter(t, 3, 10, nil)
	req := httptest.NewRequest("POST", "/api/pastes", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	for i := 0; i < 3; i++ {
		res := l.CheckLimit(req, "create")
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}
	res := l.CheckLimit(req, "create")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	other := httptest.NewRequest("POST", "/api/pastes", nil)
	other.RemoteAddr = "203.0.113.8:5555"
	assert.True(t, l.CheckLimit(other, "create").Allowed, "limits are per client")
	assert.True(t, l.CheckLimit(req, "view").Allowed, "limits are per endpoint")
}

func TestCheckLimitBurst(t *testing.T) {
	l := newLimiter(t, 60, 2, nil)
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.1:1"
	assert.True(t, l.CheckLimit(req, "view").Allowed)
	assert.True(t, l.CheckLimit(req, "view").Allowed)
	assert.False(t, l.CheckLimit(req, "view").Allowed, "burst exhausted before the window")
}

func TestGetRealIP(t *testing.T) {
	cases := []struct {
		name    string
		remote  string
		xff     string
		proxies []string
		want    string
	}{
		{"no proxies ignores xff", "10.0.0.1:80", "1.2.3.4", nil, "10.0.0.1"},
		{"untrusted peer ignores xff", "10.0.0.1:80", "1.2.3.4", []string{"10.0.0.2"}, "10.0.0.1"},
		{"trusted peer uses xff", "10.0.0.1:80", "1.2.3.4", []string{"10.0.0.0/8"}, "1.2.3.4"},
		{"rightmost untrusted hop wins", "10.0.0.1:80", "9.9.9.9, 1.2.3.4, 10.0.0.5", []string{"10.0.0.0/8"}, "1.2.3.4"},
		{"garbage hops skipped", "10.0.0.1:80", "1.2.3.4, nonsense", []string{"10.0.0.0/8"}, "1.2.3.4"},
		{"all trusted falls back", "10.0.0.1:80", "10.0.0.9", []string{"10.0.0.0/8"}, "10.0.0.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.want, GetRealIP(req, tc.proxies))
		})
	}
}

func TestNewPanicsOnBadProxy(t *testing.T) {
	assert.Panics(t, func() { New(1, 1, nil, []string{"not-an-ip"}) })
}
