package auth

import (
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "booru-service/internal/pkg/errors"
)

// RotationPolicy holds the rules every store applies inside its atomic
// rotate step. It is pure; stores supply the locked records and the clock.
type RotationPolicy struct {
	// RefreshTTL bounds a refresh token's lifetime. Zero means no expiry.
	RefreshTTL time.Duration
	// RevokeOnReuse revokes the whole session when a consumed token is
	// presented again.
	RevokeOnReuse bool
	// EnforceIPBinding rejects rotations from an address other than the one
	// the token was bound to.
	EnforceIPBinding bool
}

// ExpiresAt returns the expiry for a token minted at now.
func (p RotationPolicy) ExpiresAt(now time.Time) time.Time {
	if p.RefreshTTL <= 0 {
		return time.Time{}
	}
	return now.Add(p.RefreshTTL)
}

// Check decides the outcome of presenting tok (owned by sess) from clientIP.
// When revoke is true the caller must revoke sess in the same atomic unit
// before returning err.
//
// Order: not found, consumed (replay), session revoked, expired, address.
func (p RotationPolicy) Check(tok *RefreshToken, sess *Session, clientIP string, now time.Time) (revoke bool, err error) {
	if tok == nil || sess == nil {
		return false, xerrors.ErrRefreshNotFound
	}

	if tok.Consumed {
		switch {
		case sess.Revoked:
			return false, xerrors.ErrRefreshConsumedAndRevoked
		case p.RevokeOnReuse:
			return true, xerrors.ErrRefreshConsumedAndRevoked
		default:
			return false, xerrors.ErrRefreshConsumed
		}
	}

	if sess.Revoked {
		return false, xerrors.ErrSessionRevoked
	}

	if !tok.ExpiresAt.IsZero() && !now.Before(tok.ExpiresAt) {
		return false, xerrors.ErrRefreshExpired
	}

	if p.EnforceIPBinding && tok.BoundIP != "" && tok.BoundIP != NormalizeIP(clientIP) {
		return false, xerrors.ErrClientIPMismatch
	}

	return false, nil
}

// NewRefreshToken mints an opaque, unguessable refresh token.
func NewRefreshToken() string {
	return uuid.NewString()
}

// ParseRefreshToken canonicalizes a presented token. Anything that could not
// have been minted by NewRefreshToken is reported as not ok.
func ParseRefreshToken(s string) (string, bool) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil || id.Version() != 4 {
		return "", false
	}
	return id.String(), true
}

// NormalizeIP canonicalizes a client address so IPv4-mapped IPv6 and
// zero-compressed forms compare equal.
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().WithZone("").String()
}
