package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "booru-service/internal/pkg/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newHMACCodec(t *testing.T, ttl time.Duration, opts ...Option) *Codec {
	t.Helper()
	keys, err := NewHMACKeys([]byte(testSecret))
	require.NoError(t, err)
	c, err := NewCodec(keys, "booru", "booru-clients", "k1", ttl, opts...)
	require.NoError(t, err)
	return c
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	clock := newFakeClock()
	c := newHMACCodec(t, 15*time.Minute, WithClock(clock.Now))

	cases := []Claims{
		AccessClaims{IdentityClaims{UserID: 7}},
		NewSessionClaims(42, IdentityClaims{UserID: 7}),
		NewSessionClaims(1<<40, IdentityClaims{UserID: 1<<31 + 5}),
	}
	for _, in := range cases {
		tok, exp, err := c.Issue(in)
		require.NoError(t, err)
		assert.True(t, clock.Now().Add(15*time.Minute).Equal(exp))

		out, err := c.Verify(tok)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestVerifyExpiredIsDistinctFromInvalid(t *testing.T) {
	clock := newFakeClock()
	c := newHMACCodec(t, time.Minute, WithClock(clock.Now))

	tok, _, err := c.Issue(NewSessionClaims(3, IdentityClaims{UserID: 9}))
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, err = c.Verify(tok)
	require.NoError(t, err)

	for _, d := range []time.Duration{time.Second, time.Hour, 24 * 365 * time.Hour} {
		clock.Advance(d)
		_, err = c.Verify(tok)
		assert.ErrorIs(t, err, xerrors.ErrTokenExpired)
		assert.NotErrorIs(t, err, xerrors.ErrTokenInvalid)
	}
}

func TestVerifyExpiredRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps")
	}
	c := newHMACCodec(t, time.Second)

	tok, _, err := c.Issue(NewSessionClaims(1, IdentityClaims{UserID: 1}))
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, xerrors.ErrTokenExpired)
}

func TestVerifyLeeway(t *testing.T) {
	clock := newFakeClock()
	c := newHMACCodec(t, time.Minute, WithClock(clock.Now), WithLeeway(30*time.Second))

	tok, _, err := c.Issue(AccessClaims{IdentityClaims{UserID: 2}})
	require.NoError(t, err)

	clock.Advance(80 * time.Second)
	_, err = c.Verify(tok)
	require.NoError(t, err)

	clock.Advance(15 * time.Second)
	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, xerrors.ErrTokenExpired)
}

func TestVerifyBitFlipsAreInvalid(t *testing.T) {
	clock := newFakeClock()
	c := newHMACCodec(t, time.Hour, WithClock(clock.Now))

	tok, _, err := c.Issue(NewSessionClaims(11, IdentityClaims{UserID: 5}))
	require.NoError(t, err)

	rng := mrand.New(mrand.NewSource(1))
	for i := 0; i < 2000; i++ {
		b := []byte(tok)
		pos := rng.Intn(len(b))
		b[pos] ^= 1 << uint(rng.Intn(8))

		_, err := c.Verify(string(b))
		require.ErrorIs(t, err, xerrors.ErrTokenInvalid, "flip at byte %d", pos)
	}
}

func TestVerifyBitFlipsOnExpiredTokenAreInvalid(t *testing.T) {
	clock := newFakeClock()
	c := newHMACCodec(t, time.Minute, WithClock(clock.Now))

	tok, _, err := c.Issue(NewSessionClaims(11, IdentityClaims{UserID: 5}))
	require.NoError(t, err)
	clock.Advance(time.Hour)

	b := []byte(tok)
	b[len(b)-5] ^= 0x02
	_, err = c.Verify(string(b))
	assert.ErrorIs(t, err, xerrors.ErrTokenInvalid)
	assert.NotErrorIs(t, err, xerrors.ErrTokenExpired)
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	clock := newFakeClock()
	c := newHMACCodec(t, time.Hour, WithClock(clock.Now))

	otherKeys, err := NewHMACKeys([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	other, err := NewCodec(otherKeys, "booru", "booru-clients", "", time.Hour, WithClock(clock.Now))
	require.NoError(t, err)
	wrongIssuer, err := NewCodec(mustHMAC(t), "someone-else", "booru-clients", "", time.Hour, WithClock(clock.Now))
	require.NoError(t, err)
	wrongAudience, err := NewCodec(mustHMAC(t), "booru", "admin", "", time.Hour, WithClock(clock.Now))
	require.NoError(t, err)

	claims := NewSessionClaims(1, IdentityClaims{UserID: 1})
	for name, issuer := range map[string]*Codec{
		"wrong key":      other,
		"wrong issuer":   wrongIssuer,
		"wrong audience": wrongAudience,
	} {
		t.Run(name, func(t *testing.T) {
			tok, _, err := issuer.Issue(claims)
			require.NoError(t, err)
			_, err = c.Verify(tok)
			assert.ErrorIs(t, err, xerrors.ErrTokenInvalid)
		})
	}

	for _, garbage := range []string{"", "abc", "a.b.c", "eyJhbGciOiJub25lIn0.e30."} {
		_, err := c.Verify(garbage)
		assert.ErrorIs(t, err, xerrors.ErrTokenInvalid, garbage)
	}
}

func TestVerifyExpiredWithWrongIssuerIsInvalid(t *testing.T) {
	clock := newFakeClock()
	c := newHMACCodec(t, time.Minute, WithClock(clock.Now))
	stranger, err := NewCodec(mustHMAC(t), "someone-else", "booru-clients", "", time.Minute, WithClock(clock.Now))
	require.NoError(t, err)

	tok, _, err := stranger.Issue(AccessClaims{IdentityClaims{UserID: 4}})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, xerrors.ErrTokenInvalid)
}

func TestVerifyRejectsMalformedClaimShapes(t *testing.T) {
	clock := newFakeClock()
	c := newHMACCodec(t, time.Hour, WithClock(clock.Now))

	sign := func(wc *wireClaims) string {
		now := clock.Now()
		wc.RegisteredClaims = jwt.RegisteredClaims{
			Issuer:    "booru",
			Audience:  jwt.ClaimStrings{"booru-clients"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wc).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return s
	}

	cases := map[string]*wireClaims{
		"unknown kind":       {Kind: "refresh", UserID: 1, SessionID: 1},
		"no user":            {Kind: KindSession, SessionID: 1},
		"session without id": {Kind: KindSession, UserID: 1},
		"access with sid":    {Kind: KindAccess, UserID: 1, SessionID: 2},
	}
	for name, wc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Verify(sign(wc))
			assert.ErrorIs(t, err, xerrors.ErrTokenInvalid)
		})
	}

	t.Run("missing exp", func(t *testing.T) {
		wc := &wireClaims{Kind: KindAccess, UserID: 1, RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "booru", Audience: jwt.ClaimStrings{"booru-clients"},
		}}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wc).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = c.Verify(s)
		assert.ErrorIs(t, err, xerrors.ErrTokenInvalid)
	})

	t.Run("alg none", func(t *testing.T) {
		wc := &wireClaims{Kind: KindAccess, UserID: 1, RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "booru", Audience: jwt.ClaimStrings{"booru-clients"},
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
		}}
		s, err := jwt.NewWithClaims(jwt.SigningMethodNone, wc).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = c.Verify(s)
		assert.ErrorIs(t, err, xerrors.ErrTokenInvalid)
	})
}

func TestVerifySession(t *testing.T) {
	c := newHMACCodec(t, time.Hour)

	tok, _, err := c.Issue(NewSessionClaims(8, IdentityClaims{UserID: 3}))
	require.NoError(t, err)
	sc, err := c.VerifySession(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(8), sc.SessionID)
	assert.Equal(t, int64(3), sc.UserID)

	tok, _, err = c.Issue(AccessClaims{IdentityClaims{UserID: 3}})
	require.NoError(t, err)
	_, err = c.VerifySession(tok)
	assert.ErrorIs(t, err, xerrors.ErrTokenInvalid)
}

func TestIssueRejectsIncompleteClaims(t *testing.T) {
	c := newHMACCodec(t, time.Hour)

	_, _, err := c.Issue(nil)
	assert.Error(t, err)
	_, _, err = c.Issue(AccessClaims{})
	assert.Error(t, err)
	_, _, err = c.Issue(SessionClaims{IdentityClaims: IdentityClaims{UserID: 1}})
	assert.Error(t, err)
}

func TestRS256(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644))

	c, err := LoadAndBuild(Config{
		PrivPath:  privPath,
		PubPath:   pubPath,
		Issuer:    "booru",
		Audience:  "booru-clients",
		KID:       "rsa-1",
		AccessTTL: time.Minute,
	})
	require.NoError(t, err)

	tok, _, err := c.Issue(NewSessionClaims(5, IdentityClaims{UserID: 6}))
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(tok, &wireClaims{})
	require.NoError(t, err)
	assert.Equal(t, "RS256", parsed.Method.Alg())
	assert.Equal(t, "rsa-1", parsed.Header["kid"])

	got, err := c.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, NewSessionClaims(5, IdentityClaims{UserID: 6}), got)

	// A verify-only codec cannot sign.
	pub, err := LoadRSAPublicKeyFromPEM(pubPath)
	require.NoError(t, err)
	verifyOnly, err := NewRSAKeys(nil, pub)
	require.NoError(t, err)
	vc, err := NewCodec(verifyOnly, "booru", "booru-clients", "", time.Minute)
	require.NoError(t, err)
	_, err = vc.Verify(tok)
	require.NoError(t, err)
	_, _, err = vc.Issue(AccessClaims{IdentityClaims{UserID: 1}})
	assert.Error(t, err)

	// HS256 tokens are refused by an RS256 codec.
	hs := newHMACCodec(t, time.Minute)
	hsTok, _, err := hs.Issue(AccessClaims{IdentityClaims{UserID: 1}})
	require.NoError(t, err)
	_, err = c.Verify(hsTok)
	assert.ErrorIs(t, err, xerrors.ErrTokenInvalid)
}

func TestLoadAndBuild(t *testing.T) {
	_, err := LoadAndBuild(Config{AccessTTL: time.Minute})
	assert.Error(t, err)

	_, err = LoadAndBuild(Config{Secret: "short", AccessTTL: time.Minute})
	assert.Error(t, err)

	_, err = LoadAndBuild(Config{Secret: testSecret})
	assert.Error(t, err)

	_, err = LoadAndBuild(Config{PrivPath: "/nonexistent/key.pem", PubPath: "/nonexistent/pub.pem", AccessTTL: time.Minute})
	assert.Error(t, err)

	c, err := LoadAndBuild(Config{Secret: testSecret, Issuer: "booru", AccessTTL: 5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, c.AccessTTL())
}

func TestParsePEMRejectsGarbage(t *testing.T) {
	_, err := ParseRSAPrivateKeyPEM([]byte("not pem"))
	assert.Error(t, err)
	_, err = ParseRSAPublicKeyPEM([]byte("not pem"))
	assert.Error(t, err)

	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}})
	_, err = ParseRSAPublicKeyPEM(block)
	assert.Error(t, err)
}

func TestConcurrentIssueVerify(t *testing.T) {
	c := newHMACCodec(t, time.Hour)

	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			want := NewSessionClaims(id, IdentityClaims{UserID: id * 10})
			tok, _, err := c.Issue(want)
			if !assert.NoError(t, err) {
				return
			}
			got, err := c.Verify(tok)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}(int64(i))
	}
	wg.Wait()
}

func mustHMAC(t *testing.T) *Keys {
	t.Helper()
	k, err := NewHMACKeys([]byte(testSecret))
	require.NoError(t, err)
	return k
}
