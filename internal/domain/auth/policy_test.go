package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	xerrors "booru-service/internal/pkg/errors"
)

func TestRotationPolicyCheck(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	live := func() *RefreshToken {
		return &RefreshToken{Token: "t", SessionID: 1, ExpiresAt: now.Add(time.Hour), BoundIP: "10.0.0.1"}
	}
	active := func() *Session { return &Session{ID: 1, UserID: 2} }

	tests := []struct {
		name       string
		policy     RotationPolicy
		tok        func() *RefreshToken
		sess       func() *Session
		ip         string
		wantRevoke bool
		wantErr    error
		notErr     error
	}{
		{
			name: "valid",
			tok:  live, sess: active, ip: "10.0.0.9",
		},
		{
			name:    "missing",
			tok:     func() *RefreshToken { return nil },
			sess:    active,
			wantErr: xerrors.ErrRefreshNotFound,
		},
		{
			name:    "replay keeps session",
			tok:     func() *RefreshToken { r := live(); r.Consumed = true; return r },
			sess:    active,
			wantErr: xerrors.ErrRefreshConsumed,
			notErr:  xerrors.ErrSessionRevoked,
		},
		{
			name:       "replay revokes session",
			policy:     RotationPolicy{RevokeOnReuse: true},
			tok:        func() *RefreshToken { r := live(); r.Consumed = true; return r },
			sess:       active,
			wantRevoke: true,
			wantErr:    xerrors.ErrRefreshConsumed,
		},
		{
			name:    "replay on revoked session",
			policy:  RotationPolicy{RevokeOnReuse: true},
			tok:     func() *RefreshToken { r := live(); r.Consumed = true; return r },
			sess:    func() *Session { s := active(); s.Revoked = true; return s },
			wantErr: xerrors.ErrSessionRevoked,
		},
		{
			name:    "revoked session",
			tok:     live,
			sess:    func() *Session { s := active(); s.Revoked = true; return s },
			wantErr: xerrors.ErrSessionRevoked,
			notErr:  xerrors.ErrRefreshConsumed,
		},
		{
			name:    "expired",
			tok:     func() *RefreshToken { r := live(); r.ExpiresAt = now; return r },
			sess:    active,
			wantErr: xerrors.ErrRefreshExpired,
		},
		{
			name: "no expiry",
			tok:  func() *RefreshToken { r := live(); r.ExpiresAt = time.Time{}; return r },
			sess: active,
		},
		{
			name:    "address mismatch enforced",
			policy:  RotationPolicy{EnforceIPBinding: true},
			tok:     live,
			sess:    active,
			ip:      "10.0.0.2",
			wantErr: xerrors.ErrClientIPMismatch,
		},
		{
			name:   "mapped address matches",
			policy: RotationPolicy{EnforceIPBinding: true},
			tok:    live,
			sess:   active,
			ip:     "::ffff:10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			revoke, err := tt.policy.Check(tt.tok(), tt.sess(), tt.ip, now)
			assert.Equal(t, tt.wantRevoke, revoke)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.notErr != nil {
				assert.NotErrorIs(t, err, tt.notErr)
			}
		})
	}
}

func TestExpiresAt(t *testing.T) {
	now := time.Now()
	assert.True(t, RotationPolicy{}.ExpiresAt(now).IsZero())
	assert.Equal(t, now.Add(time.Hour), RotationPolicy{RefreshTTL: time.Hour}.ExpiresAt(now))
}

func TestParseRefreshToken(t *testing.T) {
	tok := NewRefreshToken()

	got, ok := ParseRefreshToken(tok)
	assert.True(t, ok)
	assert.Equal(t, tok, got)

	got, ok = ParseRefreshToken(" " + strings.ToUpper(tok) + " ")
	assert.True(t, ok)
	assert.Equal(t, tok, got)

	for _, bad := range []string{"", "garbage", "00000000-0000-0000-0000-000000000000", tok[:len(tok)-1]} {
		_, ok := ParseRefreshToken(bad)
		assert.False(t, ok, bad)
	}
}

func TestNormalizeIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", NormalizeIP("::ffff:10.0.0.1"))
	assert.Equal(t, "2001:db8::1", NormalizeIP("2001:0db8:0000::0001"))
	assert.Equal(t, "fe80::1", NormalizeIP("fe80::1%eth0"))
	assert.Equal(t, "not-an-ip", NormalizeIP(" not-an-ip "))
}
