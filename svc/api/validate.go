package api

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"

	"ephem/pkg/domain"

	"golang.org/x/text/unicode/norm"
)

const maxTitleLength = 200

type Preset struct {
	Name       string `json:"name"`
	TTLSeconds int    `json:"ttl_seconds"`
}

var expirationPresets = []Preset{
	{"1m", 60},
	{"10m", 600},
	{"1h", 3600},
	{"1d", 86400},
	{"1w", 604800},
	{"2w", 1209600},
	{"1month", 2592000},
	{"6months", 15552000},
	{"1year", 31536000},
}

func presetTTL(name string) (int, bool) {
	for _, p := range expirationPresets {
		if p.Name == name {
			return p.TTLSeconds, true
		}
	}
	return 0, false
}

func presetNames() string {
	names := make([]string, len(expirationPresets))
	for i, p := range expirationPresets {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}

// createFields is the create body before validation. Each field stays raw
// so a wrong JSON type gets the field's own message rather than a decoder
// error.
type createFields map[string]json.RawMessage

func (f createFields) has(key string) bool {
	raw, ok := f[key]
	return ok && string(raw) != "null"
}

func (f createFields) str(key string) (string, bool) {
	var s string
	if err := json.Unmarshal(f[key], &s); err != nil {
		return "", false
	}
	return s, true
}

func (f createFields) positiveInt(key string) (int, bool) {
	var v float64
	if err := json.Unmarshal(f[key], &v); err != nil {
		return 0, false
	}
	if v != math.Trunc(v) || v < 1 || v > math.MaxInt32 {
		return 0, false
	}
	return int(v), true
}

// parseCreate turns the body into params. ttl_seconds wins over an
// expiration preset when both are sent.
func parseCreate(f createFields) (domain.CreateParams, error) {
	var params domain.CreateParams

	content, ok := f.str("content")
	content = strings.TrimSpace(content)
	if !ok || content == "" {
		return params, domain.Invalid("content is required and must be a non-empty string")
	}
	params.Content = sanitizeContent(content)

	if f.has("title") {
		title, ok := f.str("title")
		if !ok || utf8.RuneCountInString(title) > maxTitleLength {
			return params, domain.Invalid("title must be a string with max 200 characters")
		}
		params.Title = sanitizeLine(title)
	}
	if f.has("syntax") {
		syntax, ok := f.str("syntax")
		if !ok {
			return params, domain.Invalid("syntax must be a string")
		}
		params.Syntax = sanitizeLine(syntax)
	}
	if f.has("ttl_seconds") {
		ttl, ok := f.positiveInt("ttl_seconds")
		if !ok {
			return params, domain.Invalid("ttl_seconds must be an integer >= 1")
		}
		params.TTLSeconds = &ttl
	}
	if f.has("expiration") {
		name, _ := f.str("expiration")
		ttl, ok := presetTTL(name)
		if !ok {
			return params, domain.Invalid("expiration must be one of: " + presetNames())
		}
		if params.TTLSeconds == nil {
			params.TTLSeconds = &ttl
		}
	}
	if f.has("max_views") {
		n, ok := f.positiveInt("max_views")
		if !ok {
			return params, domain.Invalid("max_views must be an integer >= 1")
		}
		params.MaxViews = &n
	}
	if f.has("burn_after_read") {
		var burn bool
		if err := json.Unmarshal(f["burn_after_read"], &burn); err != nil {
			return params, domain.Invalid("burn_after_read must be a boolean")
		}
		params.BurnAfterRead = burn
	}
	if f.has("privacy") {
		p, _ := f.str("privacy")
		privacy := domain.Privacy(p)
		if p == "" || !privacy.Valid() {
			return params, domain.Invalid("privacy must be one of: public, unlisted, private")
		}
		params.Privacy = privacy
	}
	return params, nil
}

// sanitizeContent normalizes to NFC and drops control characters other than
// line breaks and tabs. Content is returned as JSON, so it is not escaped.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

func sanitizeLine(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, norm.NFC.String(s)))
}
