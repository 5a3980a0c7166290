package domain

import "testing"

func TestVisibleTo(t *testing.T) {
	tests := []struct {
		privacy Privacy
		owner   string
		viewer  string
		want    bool
	}{
		{"", "", "", true},
		{PrivacyPublic, "u1", "", true},
		{PrivacyUnlisted, "u1", "u2", true},
		{PrivacyPrivate, "u1", "", false},
		{PrivacyPrivate, "u1", "u2", false},
		{PrivacyPrivate, "u1", "u1", true},
		{PrivacyPrivate, "", "", false},
	}
	for _, tt := range tests {
		p := &Paste{Privacy: tt.privacy, UserID: tt.owner}
		if got := p.VisibleTo(tt.viewer); got != tt.want {
			t.Errorf("privacy=%q owner=%q viewer=%q: got %v, want %v", tt.privacy, tt.owner, tt.viewer, got, tt.want)
		}
	}
}

func TestListedOnlyPublic(t *testing.T) {
	for privacy, want := range map[Privacy]bool{"": true, PrivacyPublic: true, PrivacyUnlisted: false, PrivacyPrivate: false} {
		p := &Paste{Privacy: privacy}
		if p.Listed() != want {
			t.Errorf("Listed() for %q = %v, want %v", privacy, p.Listed(), want)
		}
	}
}

func TestPrivacyValid(t *testing.T) {
	if Privacy("secret").Valid() {
		t.Error("unknown privacy tier accepted")
	}
	if !PrivacyUnlisted.Valid() {
		t.Error("unlisted rejected")
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Alice@Example.COM "); got != "alice@example.com" {
		t.Errorf("NormalizeEmail = %q", got)
	}
}
