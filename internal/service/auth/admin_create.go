package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
)

// EnsureAdminExists creates the bootstrap admin account if its name is free
// (called on startup). An existing account of that name is left untouched.
func (s *AuthService) EnsureAdminExists(ctx context.Context, name, password string) error {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return fmt.Errorf("admin name and password must both be provided")
	}

	existing, err := s.users.FindByName(ctx, name)
	switch {
	case err == nil:
		if existing.Rank < auth.RankAdmin {
			s.logger.Warn("bootstrap admin name is taken by a regular account",
				zap.String("name", name),
				zap.Int64("user_id", existing.ID),
			)
		} else {
			s.logger.Info("admin already exists, skipping creation", zap.String("name", name))
		}
		return nil
	case !errors.Is(err, xerrors.ErrNotFound):
		return fmt.Errorf("failed to check admin existence: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	admin := &auth.User{Name: name, PasswordHash: string(hash), Rank: auth.RankAdmin}
	if err := s.users.Create(ctx, admin); err != nil {
		if errors.Is(err, xerrors.ErrConflict) {
			// created concurrently by another instance
			return nil
		}
		return fmt.Errorf("failed to create admin: %w", err)
	}

	s.logger.Info("admin created successfully",
		zap.String("name", name),
		zap.Int64("user_id", admin.ID),
	)
	return nil
}
