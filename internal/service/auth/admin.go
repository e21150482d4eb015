package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
)

// requireAdmin loads the acting account and checks its rank. Rank is read
// from the user record on every call, so a demotion takes effect at once.
func (s *AuthService) requireAdmin(ctx context.Context, actorID int64) (*auth.User, error) {
	actor, err := s.users.FindByID(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load acting user: %w", err)
	}
	if actor.Rank < auth.RankAdmin {
		return nil, xerrors.ErrAdminRequired
	}
	return actor, nil
}

// RevokeUserSessions ends every session of targetID on behalf of an admin.
// Revoking an account that has no sessions succeeds.
func (s *AuthService) RevokeUserSessions(ctx context.Context, actorID, targetID int64) error {
	actor, err := s.requireAdmin(ctx, actorID)
	if err != nil {
		return err
	}

	target, err := s.users.FindByID(ctx, targetID)
	if err != nil {
		return fmt.Errorf("failed to load target user: %w", err)
	}

	if err := s.sessions.LogoutAll(ctx, target.ID); err != nil {
		return err
	}

	s.logger.Warn("sessions revoked by admin",
		zap.Int64("admin_id", actor.ID),
		zap.Int64("user_id", target.ID),
		zap.String("name", target.Name),
	)
	return nil
}
