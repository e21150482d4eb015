package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
)

// SessionRepository stores sessions and refresh tokens in Postgres. Rotation
// locks the presented token row and its session row, so concurrent rotations
// of one token serialize and only the first sees it unconsumed.
type SessionRepository struct {
	db     *DB
	policy auth.RotationPolicy
	now    func() time.Time
}

type Option func(*SessionRepository)

func WithClock(now func() time.Time) Option {
	return func(r *SessionRepository) {
		if now != nil {
			r.now = now
		}
	}
}

func NewSessionRepository(db *DB, policy auth.RotationPolicy, opts ...Option) *SessionRepository {
	r := &SessionRepository{db: db, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession inserts a session and its first refresh token
func (r *SessionRepository) CreateSession(ctx context.Context, userID int64, clientIP string) (*auth.RefreshGrant, error) {
	now := r.now()
	token := uuid.New()
	expires := r.policy.ExpiresAt(now)

	var sessionID int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO sessions (user_id, created_at) VALUES ($1, $2) RETURNING id`,
			userID, now,
		).Scan(&sessionID)
		if err != nil {
			return xerrors.Unavailable(err)
		}
		return insertRefreshToken(ctx, tx, token, sessionID, now, expires, clientIP)
	})
	if err != nil {
		return nil, err
	}

	return &auth.RefreshGrant{
		SessionID: sessionID,
		UserID:    userID,
		Token:     token.String(),
		ExpiresAt: expires,
	}, nil
}

// Rotate consumes the presented token and issues its successor
func (r *SessionRepository) Rotate(ctx context.Context, presented, clientIP string) (*auth.RefreshGrant, error) {
	key, ok := auth.ParseRefreshToken(presented)
	if !ok {
		return nil, xerrors.ErrRefreshNotFound
	}
	current := uuid.MustParse(key)

	now := r.now()
	next := uuid.New()
	expires := r.policy.ExpiresAt(now)

	var sess auth.Session
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var (
			tok       auth.RefreshToken
			expiresAt *time.Time
		)
		err := tx.QueryRow(ctx, `
			SELECT session_id, created_at, expires_at, consumed, bound_ip
			FROM refresh_tokens
			WHERE token = $1
			FOR UPDATE
		`, current).Scan(&tok.SessionID, &tok.CreatedAt, &expiresAt, &tok.Consumed, &tok.BoundIP)
		if errors.Is(err, pgx.ErrNoRows) {
			return xerrors.ErrRefreshNotFound
		}
		if err != nil {
			return xerrors.Unavailable(err)
		}
		if expiresAt != nil {
			tok.ExpiresAt = *expiresAt
		}

		err = tx.QueryRow(ctx, `
			SELECT id, user_id, created_at, revoked
			FROM sessions
			WHERE id = $1
			FOR UPDATE
		`, tok.SessionID).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.Revoked)
		if errors.Is(err, pgx.ErrNoRows) {
			return xerrors.ErrRefreshNotFound
		}
		if err != nil {
			return xerrors.Unavailable(err)
		}

		revoke, cerr := r.policy.Check(&tok, &sess, clientIP, now)
		if revoke {
			if err := revokeSession(ctx, tx, sess.ID, now); err != nil {
				return err
			}
			return commitWith(cerr)
		}
		if cerr != nil {
			return cerr
		}

		_, err = tx.Exec(ctx,
			`UPDATE refresh_tokens SET consumed = TRUE, consumed_at = $2 WHERE token = $1`,
			current, now,
		)
		if err != nil {
			return xerrors.Unavailable(err)
		}
		return insertRefreshToken(ctx, tx, next, sess.ID, now, expires, clientIP)
	})
	if err != nil {
		return nil, err
	}

	return &auth.RefreshGrant{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Token:     next.String(),
		ExpiresAt: expires,
	}, nil
}

// InvalidateSession revokes a session; already revoked or unknown ids are a no-op
func (r *SessionRepository) InvalidateSession(ctx context.Context, sessionID int64) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE sessions SET revoked = TRUE, revoked_at = $2 WHERE id = $1 AND NOT revoked`,
		sessionID, r.now(),
	)
	if err != nil {
		return xerrors.Unavailable(err)
	}
	return nil
}

// InvalidateUserSessions revokes all active sessions for a user
func (r *SessionRepository) InvalidateUserSessions(ctx context.Context, userID int64) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE sessions SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND NOT revoked`,
		userID, r.now(),
	)
	if err != nil {
		return xerrors.Unavailable(err)
	}
	return nil
}

// ListSessions returns active sessions with their current token's address
func (r *SessionRepository) ListSessions(ctx context.Context, userID int64) ([]auth.Session, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT s.id, s.user_id, s.created_at, rt.bound_ip, rt.created_at
		FROM sessions s
		LEFT JOIN refresh_tokens rt ON rt.session_id = s.id AND NOT rt.consumed
		WHERE s.user_id = $1 AND NOT s.revoked
		ORDER BY s.id DESC
	`, userID)
	if err != nil {
		return nil, xerrors.Unavailable(err)
	}
	defer rows.Close()

	out := make([]auth.Session, 0)
	for rows.Next() {
		var (
			s      auth.Session
			ip     *string
			lastAt *time.Time
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.CreatedAt, &ip, &lastAt); err != nil {
			return nil, xerrors.Unavailable(err)
		}
		if ip != nil {
			s.LastIP = *ip
		}
		s.LastRefreshAt = lastAt
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Unavailable(err)
	}

	return out, nil
}

func insertRefreshToken(ctx context.Context, tx pgx.Tx, token uuid.UUID, sessionID int64, now, expires time.Time, clientIP string) error {
	var exp *time.Time
	if !expires.IsZero() {
		exp = &expires
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (token, session_id, created_at, expires_at, bound_ip)
		VALUES ($1, $2, $3, $4, $5)
	`, token, sessionID, now, exp, auth.NormalizeIP(clientIP))
	if err != nil {
		return xerrors.Unavailable(err)
	}
	return nil
}

func revokeSession(ctx context.Context, tx pgx.Tx, sessionID int64, now time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE sessions SET revoked = TRUE, revoked_at = $2 WHERE id = $1 AND NOT revoked`,
		sessionID, now,
	)
	if err != nil {
		return xerrors.Unavailable(err)
	}
	return nil
}
