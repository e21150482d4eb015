package jwt

import (
	"github.com/golang-jwt/jwt/v5"
)

// Kind tags the claim variant carried inside a signed token.
type Kind string

const (
	KindAccess  Kind = "access"
	KindSession Kind = "session"
)

// IdentityClaims identifies the authenticated principal.
type IdentityClaims struct {
	UserID int64
}

// Claims is implemented by the claim sets the codec can sign.
// The set of implementations is closed: AccessClaims and SessionClaims.
type Claims interface {
	Kind() Kind
	Identity() IdentityClaims
	sealed()
}

// AccessClaims is an identity-only grant with no session lineage.
type AccessClaims struct {
	IdentityClaims
}

func (AccessClaims) Kind() Kind                 { return KindAccess }
func (c AccessClaims) Identity() IdentityClaims { return c.IdentityClaims }
func (AccessClaims) sealed()                    {}

// SessionClaims binds an identity to a server-side session. The identity is
// embedded by value so a verified token names its caller without a lookup.
type SessionClaims struct {
	SessionID int64
	IdentityClaims
}

func (SessionClaims) Kind() Kind                 { return KindSession }
func (c SessionClaims) Identity() IdentityClaims { return c.IdentityClaims }
func (SessionClaims) sealed()                    {}

// NewSessionClaims derives session claims from an identity.
func NewSessionClaims(sessionID int64, identity IdentityClaims) SessionClaims {
	return SessionClaims{SessionID: sessionID, IdentityClaims: identity}
}

// wireClaims is the JSON payload of a signed token.
type wireClaims struct {
	Kind      Kind  `json:"knd"`
	UserID    int64 `json:"uid"`
	SessionID int64 `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func (c *wireClaims) decode() (Claims, bool) {
	if c.UserID == 0 {
		return nil, false
	}
	identity := IdentityClaims{UserID: c.UserID}

	switch c.Kind {
	case KindAccess:
		if c.SessionID != 0 {
			return nil, false
		}
		return AccessClaims{IdentityClaims: identity}, true
	case KindSession:
		if c.SessionID == 0 {
			return nil, false
		}
		return SessionClaims{SessionID: c.SessionID, IdentityClaims: identity}, true
	default:
		return nil, false
	}
}
