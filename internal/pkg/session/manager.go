package session

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
	"booru-service/internal/pkg/jwt"
)

// Manager composes the token codec and the session store into the login,
// refresh and logout operations exposed to the HTTP layer.
type Manager struct {
	store  Store
	codec  *jwt.Codec
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

func NewManager(store Store, codec *jwt.Codec, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Manager{
		store:  store,
		codec:  codec,
		cfg:    cfg,
		logger: logger,
		tracer: tp.Tracer("booru-service/session"),
	}
}

// LoginOrRegister opens a new session for an authenticated user and issues
// its first credential pair.
func (m *Manager) LoginOrRegister(ctx context.Context, userID int64, clientIP string) (_ *auth.LoginResult, err error) {
	ctx, span := m.tracer.Start(ctx, "session.login", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer func() { endSpan(span, err) }()

	var grant *auth.RefreshGrant
	err = m.withStore(ctx, func(ctx context.Context) (err error) {
		grant, err = m.store.CreateSession(ctx, userID, clientIP)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	res, err := m.issue(grant)
	if err != nil {
		// Nothing was handed out, so the fresh session must not stay usable.
		if rerr := m.withStore(context.WithoutCancel(ctx), func(ctx context.Context) error {
			return m.store.InvalidateSession(ctx, grant.SessionID)
		}); rerr != nil {
			m.logger.Error("failed to revoke orphaned session",
				zap.Int64("session_id", grant.SessionID),
				zap.Error(rerr),
			)
		}
		return nil, err
	}

	span.SetAttributes(attribute.Int64("session.id", grant.SessionID))
	m.logger.Info("session created",
		zap.Int64("session_id", grant.SessionID),
		zap.Int64("user_id", userID),
		zap.String("ip", clientIP),
	)
	return res, nil
}

// Refresh rotates the presented refresh token and issues a new pair bound to
// the same session. Store errors are returned unchanged in kind.
func (m *Manager) Refresh(ctx context.Context, presented, clientIP string) (_ *auth.LoginResult, err error) {
	ctx, span := m.tracer.Start(ctx, "session.refresh")
	defer func() { endSpan(span, err) }()

	var grant *auth.RefreshGrant
	err = m.withStore(ctx, func(ctx context.Context) (err error) {
		grant, err = m.store.Rotate(ctx, presented, clientIP)
		return err
	})
	if err != nil {
		if errors.Is(err, xerrors.ErrRefreshConsumed) {
			m.logger.Warn("refresh token reuse detected",
				zap.String("ip", clientIP),
				zap.Bool("session_revoked", errors.Is(err, xerrors.ErrSessionRevoked)),
			)
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	span.SetAttributes(attribute.Int64("session.id", grant.SessionID), attribute.Int64("user.id", grant.UserID))
	res, err := m.issue(grant)
	if err != nil {
		m.logger.Error("failed to issue access token after rotation",
			zap.Int64("session_id", grant.SessionID),
			zap.Error(err),
		)
		return nil, err
	}
	return res, nil
}

// Logout revokes one session. Repeated calls succeed.
func (m *Manager) Logout(ctx context.Context, sessionID int64) (err error) {
	ctx, span := m.tracer.Start(ctx, "session.logout", trace.WithAttributes(attribute.Int64("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	err = m.withStore(ctx, func(ctx context.Context) error {
		return m.store.InvalidateSession(ctx, sessionID)
	})
	if err != nil {
		return fmt.Errorf("invalidate session %d: %w", sessionID, err)
	}
	return nil
}

// LogoutAll revokes every active session of a user.
func (m *Manager) LogoutAll(ctx context.Context, userID int64) (err error) {
	ctx, span := m.tracer.Start(ctx, "session.logout_all", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer func() { endSpan(span, err) }()

	err = m.withStore(ctx, func(ctx context.Context) error {
		return m.store.InvalidateUserSessions(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("invalidate sessions of user %d: %w", userID, err)
	}
	return nil
}

func (m *Manager) Sessions(ctx context.Context, userID int64) (_ []auth.Session, err error) {
	ctx, span := m.tracer.Start(ctx, "session.list", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer func() { endSpan(span, err) }()

	var out []auth.Session
	err = m.withStore(ctx, func(ctx context.Context) (err error) {
		out, err = m.store.ListSessions(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// VerifyAccessToken authenticates a bearer token without touching the store.
func (m *Manager) VerifyAccessToken(token string) (jwt.SessionClaims, error) {
	return m.codec.VerifySession(token)
}

func (m *Manager) issue(grant *auth.RefreshGrant) (*auth.LoginResult, error) {
	claims := jwt.NewSessionClaims(grant.SessionID, jwt.IdentityClaims{UserID: grant.UserID})

	access, exp, err := m.codec.Issue(claims)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	return &auth.LoginResult{
		AccessToken:  access,
		RefreshToken: grant.Token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int(m.codec.AccessTTL().Seconds()),
		ExpiresAt:    exp,
	}, nil
}

// withStore bounds fn by the configured store timeout. A deadline hit that
// the store did not classify is reported as unavailable.
func (m *Manager) withStore(ctx context.Context, fn func(context.Context) error) error {
	if m.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.StoreTimeout)
		defer cancel()
	}

	err := fn(ctx)
	if err == nil || errors.Is(err, xerrors.ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return xerrors.Unavailable(err)
	}
	return err
}

// endSpan marks infrastructure failures as span errors. Rejected credentials
// are an expected outcome and only tagged.
func endSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case xerrors.IsAuthFailure(err):
		span.SetAttributes(attribute.Bool("auth.rejected", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
