package auth

import (
	"time"
)

// Ranks above RankUser carry moderation rights.
const (
	RankUser  int16 = 0
	RankAdmin int16 = 1
)

// User is the identity record behind every session.
type User struct {
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Rank         int16     `json:"rank" db:"rank"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Session is one continuous logged-in lineage. Active -> Revoked is one-way
// and rows are never deleted.
type Session struct {
	ID        int64      `json:"id" db:"id"`
	UserID    int64      `json:"user_id" db:"user_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	Revoked   bool       `json:"revoked" db:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`

	// Populated by listings from the session's current refresh token.
	LastIP        string     `json:"last_ip,omitempty" db:"-"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty" db:"-"`
}

// RefreshToken is a single-use exchange credential. Valid -> Consumed is
// the only transition.
type RefreshToken struct {
	Token      string     `json:"-" db:"token"`
	SessionID  int64      `json:"session_id" db:"session_id"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	Consumed   bool       `json:"consumed" db:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	BoundIP    string     `json:"bound_ip" db:"bound_ip"`
}

// RefreshGrant is what the store hands back after creating a session or
// rotating a token: the new opaque token and the lineage it belongs to.
type RefreshGrant struct {
	SessionID int64
	UserID    int64
	Token     string
	ExpiresAt time.Time
}
