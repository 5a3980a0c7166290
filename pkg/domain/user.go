package domain

import (
	"strings"
	"time"
)

// SessionLifetime is fixed and independent of paste TTLs.
const SessionLifetime = 30 * 24 * time.Hour

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"created_at"`
}

// UserRecord is what the backends persist under user:<id>. The hash never
// leaves the account store except through GetUserByEmail.
type UserRecord struct {
	User
	PasswordHash string `json:"password_hash"`
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
