// Package storetest holds the behavioural suite every session.Store
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
	"booru-service/internal/pkg/session"
)

// Factory returns an empty store using policy and reading time from now.
type Factory func(t *testing.T, policy auth.RotationPolicy, now func() time.Time) session.Store

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const concurrentRotations = 16

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndRotate", func(t *testing.T) { testCreateAndRotate(t, newStore) })
	t.Run("ExactlyOnce", func(t *testing.T) { testExactlyOnce(t, newStore, false) })
	t.Run("ExactlyOnceRevokeOnReuse", func(t *testing.T) { testExactlyOnce(t, newStore, true) })
	t.Run("ReplayKeepsSession", func(t *testing.T) { testReplayKeepsSession(t, newStore) })
	t.Run("ReplayRevokesSession", func(t *testing.T) { testReplayRevokesSession(t, newStore) })
	t.Run("UnknownToken", func(t *testing.T) { testUnknownToken(t, newStore) })
	t.Run("InvalidateSession", func(t *testing.T) { testInvalidateSession(t, newStore) })
	t.Run("RefreshExpiry", func(t *testing.T) { testRefreshExpiry(t, newStore) })
	t.Run("IPBinding", func(t *testing.T) { testIPBinding(t, newStore) })
	t.Run("ListAndInvalidateUser", func(t *testing.T) { testListAndInvalidateUser(t, newStore) })
	t.Run("IndependentSessions", func(t *testing.T) { testIndependentSessions(t, newStore) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, newStore) })
}

func testCreateAndRotate(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, auth.RotationPolicy{RefreshTTL: time.Hour}, clock.Now)
	ctx := context.Background()

	g1, err := s.CreateSession(ctx, 7, "10.0.0.1")
	require.NoError(t, err)
	assert.Positive(t, g1.SessionID)
	assert.Equal(t, int64(7), g1.UserID)
	_, ok := auth.ParseRefreshToken(g1.Token)
	assert.True(t, ok, "token %q is not opaque uuid", g1.Token)
	assert.True(t, clock.Now().Add(time.Hour).Equal(g1.ExpiresAt), "expires at %s", g1.ExpiresAt)

	clock.Advance(time.Minute)
	g2, err := s.Rotate(ctx, g1.Token, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, g1.Token, g2.Token)
	assert.Equal(t, g1.SessionID, g2.SessionID)
	assert.Equal(t, int64(7), g2.UserID)
	assert.True(t, clock.Now().Add(time.Hour).Equal(g2.ExpiresAt))

	g3, err := s.Rotate(ctx, g2.Token, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, g2.Token, g3.Token)
	assert.Equal(t, g1.SessionID, g3.SessionID)

	other, err := s.CreateSession(ctx, 7, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, g1.SessionID, other.SessionID)
}

func testExactlyOnce(t *testing.T, newStore Factory, revokeOnReuse bool) {
	s := newStore(t, auth.RotationPolicy{RefreshTTL: time.Hour, RevokeOnReuse: revokeOnReuse}, NewClock().Now)
	ctx := context.Background()

	g, err := s.CreateSession(ctx, 1, "10.0.0.1")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		grants  = make(chan *auth.RefreshGrant, concurrentRotations)
		errorsC = make(chan error, concurrentRotations)
	)
	for i := 0; i < concurrentRotations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ng, err := s.Rotate(ctx, g.Token, "10.0.0.1")
			if err != nil {
				errorsC <- err
				return
			}
			grants <- ng
		}()
	}
	close(start)
	wg.Wait()
	close(grants)
	close(errorsC)

	require.Len(t, grants, 1, "exactly one rotation must win")
	require.Len(t, errorsC, concurrentRotations-1)
	for err := range errorsC {
		assert.ErrorIs(t, err, xerrors.ErrRefreshConsumed)
	}

	winner := <-grants
	_, err = s.Rotate(ctx, winner.Token, "10.0.0.1")
	if revokeOnReuse {
		assert.ErrorIs(t, err, xerrors.ErrSessionRevoked)
	} else {
		assert.NoError(t, err)
	}
}

func testReplayKeepsSession(t *testing.T, newStore Factory) {
	s := newStore(t, auth.RotationPolicy{RefreshTTL: time.Hour}, NewClock().Now)
	ctx := context.Background()

	g1, err := s.CreateSession(ctx, 3, "10.0.0.1")
	require.NoError(t, err)
	g2, err := s.Rotate(ctx, g1.Token, "10.0.0.1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = s.Rotate(ctx, g1.Token, "10.0.0.1")
		assert.ErrorIs(t, err, xerrors.ErrRefreshConsumed)
		assert.NotErrorIs(t, err, xerrors.ErrSessionRevoked)
	}

	g3, err := s.Rotate(ctx, g2.Token, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, g1.SessionID, g3.SessionID)
}

func testReplayRevokesSession(t *testing.T, newStore Factory) {
	s := newStore(t, auth.RotationPolicy{RefreshTTL: time.Hour, RevokeOnReuse: true}, NewClock().Now)
	ctx := context.Background()

	g1, err := s.CreateSession(ctx, 3, "10.0.0.1")
	require.NoError(t, err)
	g2, err := s.Rotate(ctx, g1.Token, "10.0.0.1")
	require.NoError(t, err)

	_, err = s.Rotate(ctx, g1.Token, "10.6.6.6")
	assert.ErrorIs(t, err, xerrors.ErrRefreshConsumed)
	assert.ErrorIs(t, err, xerrors.ErrSessionRevoked)

	// Presenting it again still reports the replay.
	_, err = s.Rotate(ctx, g1.Token, "10.6.6.6")
	assert.ErrorIs(t, err, xerrors.ErrRefreshConsumed)

	_, err = s.Rotate(ctx, g2.Token, "10.0.0.1")
	assert.ErrorIs(t, err, xerrors.ErrSessionRevoked)
	assert.NotErrorIs(t, err, xerrors.ErrRefreshConsumed)

	list, err := s.ListSessions(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testUnknownToken(t *testing.T, newStore Factory) {
	s := newStore(t, auth.RotationPolicy{}, NewClock().Now)
	ctx := context.Background()

	for _, tok := range []string{uuid.NewString(), "garbage", "", "'; DROP TABLE sessions; --"} {
		_, err := s.Rotate(ctx, tok, "10.0.0.1")
		assert.ErrorIs(t, err, xerrors.ErrRefreshNotFound, "token %q", tok)
	}
}

func testInvalidateSession(t *testing.T, newStore Factory) {
	s := newStore(t, auth.RotationPolicy{RefreshTTL: time.Hour}, NewClock().Now)
	ctx := context.Background()

	g1, err := s.CreateSession(ctx, 4, "10.0.0.1")
	require.NoError(t, err)
	g2, err := s.Rotate(ctx, g1.Token, "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, s.InvalidateSession(ctx, g1.SessionID))
	require.NoError(t, s.InvalidateSession(ctx, g1.SessionID))
	require.NoError(t, s.InvalidateSession(ctx, 987654321))

	_, err = s.Rotate(ctx, g2.Token, "10.0.0.1")
	assert.ErrorIs(t, err, xerrors.ErrSessionRevoked)

	_, err = s.Rotate(ctx, g1.Token, "10.0.0.1")
	assert.ErrorIs(t, err, xerrors.ErrSessionRevoked)

	// Still revoked on the second look; the failed rotate consumed nothing.
	_, err = s.Rotate(ctx, g2.Token, "10.0.0.1")
	assert.ErrorIs(t, err, xerrors.ErrSessionRevoked)
}

func testRefreshExpiry(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, auth.RotationPolicy{RefreshTTL: time.Hour}, clock.Now)
	ctx := context.Background()

	g1, err := s.CreateSession(ctx, 5, "10.0.0.1")
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	g2, err := s.Rotate(ctx, g1.Token, "10.0.0.1")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = s.Rotate(ctx, g2.Token, "10.0.0.1")
	assert.ErrorIs(t, err, xerrors.ErrRefreshExpired)
}

func testIPBinding(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("informational", func(t *testing.T) {
		s := newStore(t, auth.RotationPolicy{}, NewClock().Now)
		g1, err := s.CreateSession(ctx, 6, "10.0.0.1")
		require.NoError(t, err)
		_, err = s.Rotate(ctx, g1.Token, "192.168.1.9")
		require.NoError(t, err)

		list, err := s.ListSessions(ctx, 6)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "192.168.1.9", list[0].LastIP)
	})

	t.Run("enforced", func(t *testing.T) {
		s := newStore(t, auth.RotationPolicy{EnforceIPBinding: true}, NewClock().Now)
		g1, err := s.CreateSession(ctx, 6, "10.0.0.1")
		require.NoError(t, err)

		_, err = s.Rotate(ctx, g1.Token, "192.168.1.9")
		assert.ErrorIs(t, err, xerrors.ErrClientIPMismatch)

		g2, err := s.Rotate(ctx, g1.Token, "::ffff:10.0.0.1")
		require.NoError(t, err)
		_, err = s.Rotate(ctx, g2.Token, "10.0.0.1")
		require.NoError(t, err)
	})
}

func testListAndInvalidateUser(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, auth.RotationPolicy{}, clock.Now)
	ctx := context.Background()

	var grants []*auth.RefreshGrant
	for i := 0; i < 3; i++ {
		g, err := s.CreateSession(ctx, 10, "10.0.0.1")
		require.NoError(t, err)
		grants = append(grants, g)
		clock.Advance(time.Second)
	}
	keep, err := s.CreateSession(ctx, 11, "10.0.0.2")
	require.NoError(t, err)

	list, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, grants[2].SessionID, list[0].ID)
	assert.Equal(t, grants[0].SessionID, list[2].ID)
	for _, sess := range list {
		assert.Equal(t, int64(10), sess.UserID)
		assert.False(t, sess.Revoked)
		assert.Equal(t, "10.0.0.1", sess.LastIP)
	}

	require.NoError(t, s.InvalidateSession(ctx, grants[1].SessionID))
	list, err = s.ListSessions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.InvalidateUserSessions(ctx, 10))
	require.NoError(t, s.InvalidateUserSessions(ctx, 10))

	list, err = s.ListSessions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	for _, g := range grants {
		_, err := s.Rotate(ctx, g.Token, "10.0.0.1")
		assert.ErrorIs(t, err, xerrors.ErrSessionRevoked)
	}

	list, err = s.ListSessions(ctx, 11)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	_, err = s.Rotate(ctx, keep.Token, "10.0.0.2")
	assert.NoError(t, err)
}

func testIndependentSessions(t *testing.T, newStore Factory) {
	s := newStore(t, auth.RotationPolicy{RevokeOnReuse: true}, NewClock().Now)
	ctx := context.Background()

	a, err := s.CreateSession(ctx, 20, "10.0.0.1")
	require.NoError(t, err)
	b, err := s.CreateSession(ctx, 20, "10.0.0.1")
	require.NoError(t, err)

	_, err = s.Rotate(ctx, a.Token, "10.0.0.1")
	require.NoError(t, err)
	_, err = s.Rotate(ctx, a.Token, "10.0.0.1")
	require.ErrorIs(t, err, xerrors.ErrRefreshConsumed)

	// Revoking a through replay leaves b alone.
	_, err = s.Rotate(ctx, b.Token, "10.0.0.1")
	assert.NoError(t, err)
}

func testCancelledContext(t *testing.T, newStore Factory) {
	s := newStore(t, auth.RotationPolicy{}, NewClock().Now)

	g, err := s.CreateSession(context.Background(), 30, "10.0.0.1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.CreateSession(ctx, 30, "10.0.0.1")
	assert.ErrorIs(t, err, xerrors.ErrUnavailable)
	_, err = s.Rotate(ctx, g.Token, "10.0.0.1")
	assert.ErrorIs(t, err, xerrors.ErrUnavailable)
	assert.ErrorIs(t, s.InvalidateSession(ctx, g.SessionID), xerrors.ErrUnavailable)

	// The token survived the failed calls.
	_, err = s.Rotate(context.Background(), g.Token, "10.0.0.1")
	assert.NoError(t, err)
}
