package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
)

// SessionStore keeps sessions and refresh tokens in process memory. A single
// mutex serializes every mutation, which makes rotate a plain check-and-set.
type SessionStore struct {
	policy auth.RotationPolicy
	now    func() time.Time

	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*auth.Session
	tokens   map[string]*auth.RefreshToken
	current  map[int64]string // session id -> unconsumed token
}

type Option func(*SessionStore)

func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSessionStore(policy auth.RotationPolicy, opts ...Option) *SessionStore {
	s := &SessionStore{
		policy:   policy,
		now:      time.Now,
		sessions: make(map[int64]*auth.Session),
		tokens:   make(map[string]*auth.RefreshToken),
		current:  make(map[int64]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionStore) CreateSession(ctx context.Context, userID int64, clientIP string) (*auth.RefreshGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Unavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.nextID++
	sess := &auth.Session{ID: s.nextID, UserID: userID, CreatedAt: now}
	s.sessions[sess.ID] = sess

	tok := s.mint(sess.ID, clientIP, now)
	return &auth.RefreshGrant{
		SessionID: sess.ID,
		UserID:    userID,
		Token:     tok.Token,
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

func (s *SessionStore) Rotate(ctx context.Context, presented, clientIP string) (*auth.RefreshGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Unavailable(err)
	}

	key, ok := auth.ParseRefreshToken(presented)
	if !ok {
		return nil, xerrors.ErrRefreshNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tok := s.tokens[key]
	var sess *auth.Session
	if tok != nil {
		sess = s.sessions[tok.SessionID]
	}

	revoke, err := s.policy.Check(tok, sess, clientIP, now)
	if revoke {
		s.revoke(sess, now)
	}
	if err != nil {
		return nil, err
	}

	tok.Consumed = true
	tok.ConsumedAt = &now
	delete(s.current, sess.ID)

	next := s.mint(sess.ID, clientIP, now)
	return &auth.RefreshGrant{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Token:     next.Token,
		ExpiresAt: next.ExpiresAt,
	}, nil
}

func (s *SessionStore) InvalidateSession(ctx context.Context, sessionID int64) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Unavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		s.revoke(sess, s.now())
	}
	return nil
}

func (s *SessionStore) InvalidateUserSessions(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Unavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			s.revoke(sess, now)
		}
	}
	return nil
}

func (s *SessionStore) ListSessions(ctx context.Context, userID int64) ([]auth.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Unavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]auth.Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.Revoked {
			continue
		}
		cp := *sess
		if tok, ok := s.tokens[s.current[sess.ID]]; ok {
			cp.LastIP = tok.BoundIP
			at := tok.CreatedAt
			cp.LastRefreshAt = &at
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// mint must be called with mu held.
func (s *SessionStore) mint(sessionID int64, clientIP string, now time.Time) *auth.RefreshToken {
	tok := &auth.RefreshToken{
		Token:     auth.NewRefreshToken(),
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: s.policy.ExpiresAt(now),
		BoundIP:   auth.NormalizeIP(clientIP),
	}
	s.tokens[tok.Token] = tok
	s.current[sessionID] = tok.Token
	return tok
}

// revoke must be called with mu held.
func (s *SessionStore) revoke(sess *auth.Session, now time.Time) {
	if sess.Revoked {
		return
	}
	sess.Revoked = true
	sess.RevokedAt = &now
}
