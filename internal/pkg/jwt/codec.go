package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	xerrors "booru-service/internal/pkg/errors"
)

// Codec signs claim sets into compact bearer tokens and verifies them.
// A Codec is immutable once built and safe for concurrent use.
type Codec struct {
	keys      *Keys
	issuer    string
	audience  string
	kid       string // key id for rotation
	accessTTL time.Duration
	leeway    time.Duration
	now       func() time.Time
	parser    *jwt.Parser
}

type Option func(*Codec)

// WithClock replaces the wall clock used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLeeway allows a grace window on exp/nbf checks. Zero by default.
func WithLeeway(d time.Duration) Option {
	return func(c *Codec) { c.leeway = d }
}

func NewCodec(keys *Keys, issuer, audience, kid string, accessTTL time.Duration, opts ...Option) (*Codec, error) {
	if keys == nil {
		return nil, errors.New("jwt codec requires signing keys")
	}
	if accessTTL <= 0 {
		return nil, fmt.Errorf("access ttl must be positive, got %s", accessTTL)
	}

	c := &Codec{
		keys:      keys,
		issuer:    issuer,
		audience:  audience,
		kid:       kid,
		accessTTL: accessTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{keys.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
		jwt.WithLeeway(c.leeway),
	}
	if issuer != "" {
		popts = append(popts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		popts = append(popts, jwt.WithAudience(audience))
	}
	c.parser = jwt.NewParser(popts...)

	return c, nil
}

// AccessTTL is the lifetime of every signed token this codec issues.
func (c *Codec) AccessTTL() time.Duration {
	return c.accessTTL
}

// Alg names the signing algorithm, e.g. "HS256" or "RS256".
func (c *Codec) Alg() string {
	return c.keys.Alg()
}

// Issue signs claims and returns the token together with its absolute expiry.
func (c *Codec) Issue(claims Claims) (string, time.Time, error) {
	if c.keys.sign == nil {
		return "", time.Time{}, errors.New("jwt codec has no signing key")
	}
	if claims == nil {
		return "", time.Time{}, errors.New("cannot issue nil claims")
	}

	identity := claims.Identity()
	if identity.UserID == 0 {
		return "", time.Time{}, errors.New("claims carry no user id")
	}

	wc := &wireClaims{Kind: claims.Kind(), UserID: identity.UserID}

	var ttl time.Duration
	switch v := claims.(type) {
	case AccessClaims:
		ttl = c.accessTTL
	case SessionClaims:
		if v.SessionID == 0 {
			return "", time.Time{}, errors.New("session claims carry no session id")
		}
		wc.SessionID = v.SessionID
		ttl = c.accessTTL
	default:
		return "", time.Time{}, fmt.Errorf("unsupported claims type %T", claims)
	}

	now := c.now()
	exp := jwt.NewNumericDate(now.Add(ttl))
	wc.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   strconv.FormatInt(identity.UserID, 10),
		ExpiresAt: exp,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        ulid.Make().String(),
	}
	if c.audience != "" {
		wc.Audience = jwt.ClaimStrings{c.audience}
	}

	tok := jwt.NewWithClaims(c.keys.method, wc)
	if c.kid != "" {
		tok.Header["kid"] = c.kid
	}

	signed, err := tok.SignedString(c.keys.sign)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp.Time, nil
}

// Verify checks the signature, then expiry, then decodes the claim variant.
// It returns xerrors.ErrTokenExpired only for a correctly signed token whose
// sole defect is its expiry; every other failure is xerrors.ErrTokenInvalid.
func (c *Codec) Verify(tokenString string) (Claims, error) {
	wc := &wireClaims{}
	_, err := c.parser.ParseWithClaims(tokenString, wc, func(*jwt.Token) (interface{}, error) {
		return c.keys.verify, nil
	})
	if err != nil {
		if expiredOnly(err) {
			return nil, xerrors.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", xerrors.ErrTokenInvalid, err)
	}

	claims, ok := wc.decode()
	if !ok {
		return nil, fmt.Errorf("%w: malformed claims", xerrors.ErrTokenInvalid)
	}
	return claims, nil
}

// VerifySession is Verify restricted to session-bound tokens.
func (c *Codec) VerifySession(tokenString string) (SessionClaims, error) {
	claims, err := c.Verify(tokenString)
	if err != nil {
		return SessionClaims{}, err
	}

	sc, ok := claims.(SessionClaims)
	if !ok {
		return SessionClaims{}, fmt.Errorf("%w: token is not session bound", xerrors.ErrTokenInvalid)
	}
	return sc, nil
}

// expiredOnly reports whether the parser rejected a verified token solely
// because exp has passed.
func expiredOnly(err error) bool {
	if !errors.Is(err, jwt.ErrTokenExpired) {
		return false
	}
	for _, other := range []error{
		jwt.ErrTokenMalformed,
		jwt.ErrTokenUnverifiable,
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenInvalidAudience,
		jwt.ErrTokenNotValidYet,
		jwt.ErrTokenUsedBeforeIssued,
		jwt.ErrTokenRequiredClaimMissing,
	} {
		if errors.Is(err, other) {
			return false
		}
	}
	return true
}
