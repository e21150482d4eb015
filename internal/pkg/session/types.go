package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"booru-service/internal/domain/auth"
)

// Store is the persistent record of sessions and their refresh tokens.
// Implementations map driver failures to xerrors.ErrUnavailable.
type Store interface {
	// CreateSession inserts a session and its first refresh token atomically.
	CreateSession(ctx context.Context, userID int64, clientIP string) (*auth.RefreshGrant, error)

	// Rotate exchanges a valid refresh token for its successor. Under any
	// number of concurrent calls with the same token exactly one succeeds.
	Rotate(ctx context.Context, presented, clientIP string) (*auth.RefreshGrant, error)

	// InvalidateSession revokes a session. It is idempotent and returns nil
	// for unknown ids.
	InvalidateSession(ctx context.Context, sessionID int64) error

	// InvalidateUserSessions revokes every active session of a user.
	InvalidateUserSessions(ctx context.Context, userID int64) error

	// ListSessions returns the user's active sessions, newest first.
	ListSessions(ctx context.Context, userID int64) ([]auth.Session, error)
}

type Config struct {
	// StoreTimeout bounds every store call. Zero disables the bound.
	StoreTimeout time.Duration

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

const TokenTypeBearer = "Bearer"
