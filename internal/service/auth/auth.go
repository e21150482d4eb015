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
	"booru-service/internal/pkg/jwt"
	"booru-service/internal/pkg/session"
)

// UserRepository is the identity lookup the service depends on.
type UserRepository interface {
	Create(ctx context.Context, user *auth.User) error
	FindByID(ctx context.Context, id int64) (*auth.User, error)
	FindByName(ctx context.Context, name string) (*auth.User, error)
}

// LoginLimiter throttles password attempts per client and account name.
type LoginLimiter interface {
	CheckLoginAttempt(ctx context.Context, ip, name string) (bool, int64, error)
	ResetLoginAttempts(ctx context.Context, ip, name string) error
}

type Config struct {
	AllowRegistration bool
	BcryptCost        int
}

type AuthService struct {
	users    UserRepository
	sessions *session.Manager
	limiter  LoginLimiter
	cfg      Config
	logger   *zap.Logger

	// compared against when the account does not exist, so unknown names
	// cost the same as wrong passwords
	dummyHash []byte
}

// NewAuthService wires the service. limiter may be nil.
func NewAuthService(
	users UserRepository,
	sessions *session.Manager,
	limiter LoginLimiter,
	cfg Config,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		if cfg.BcryptCost != 0 {
			logger.Warn("bcrypt cost out of range, using default",
				zap.Int("cost", cfg.BcryptCost),
				zap.Int("default", bcrypt.DefaultCost),
			)
		}
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("booru-dummy-password"), cfg.BcryptCost)
	if err != nil {
		// cost is in range, so this is a broken random source
		panic(fmt.Sprintf("failed to prepare dummy password hash: %v", err))
	}

	return &AuthService{
		users:     users,
		sessions:  sessions,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
		dummyHash: dummy,
	}
}

// ========== Registration ==========

// Register creates an account and logs it in.
func (s *AuthService) Register(ctx context.Context, req *auth.RegisterRequest, clientIP string) (*auth.LoginResponse, error) {
	if !s.cfg.AllowRegistration {
		return nil, xerrors.ErrForbidden
	}

	name := strings.TrimSpace(req.Name)
	if name == "" || req.Password == "" {
		return nil, xerrors.ErrInvalidInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &auth.User{Name: name, PasswordHash: string(hash)}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, xerrors.Wrap(err, "failed to create user")
	}

	s.logger.Info("user registered", zap.Int64("user_id", user.ID), zap.String("name", user.Name))

	return s.openSession(ctx, user, clientIP)
}

// ========== Login ==========

// Login authenticates by name and password.
func (s *AuthService) Login(ctx context.Context, req *auth.LoginRequest, clientIP string) (*auth.LoginResponse, error) {
	name := strings.TrimSpace(req.Name)

	// -1 when no limiter is configured
	attemptsLeft := int64(-1)
	if s.limiter != nil {
		allowed, remaining, err := s.limiter.CheckLoginAttempt(ctx, clientIP, name)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", xerrors.Unavailable(err))
		}
		if !allowed {
			s.logger.Warn("login attempts exhausted", zap.String("name", name), zap.String("ip", clientIP))
			return nil, xerrors.ErrRateLimited
		}
		attemptsLeft = remaining
	}

	user, err := s.users.FindByName(ctx, name)
	if errors.Is(err, xerrors.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		return nil, xerrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to find user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Info("wrong password",
			zap.Int64("user_id", user.ID),
			zap.String("ip", clientIP),
			zap.Int64("attempts_left", attemptsLeft),
		)
		return nil, xerrors.ErrInvalidCredentials
	}

	if s.limiter != nil {
		if err := s.limiter.ResetLoginAttempts(ctx, clientIP, name); err != nil {
			s.logger.Warn("failed to reset login attempts", zap.String("ip", clientIP), zap.Error(err))
		}
	}

	return s.openSession(ctx, user, clientIP)
}

func (s *AuthService) openSession(ctx context.Context, user *auth.User, clientIP string) (*auth.LoginResponse, error) {
	res, err := s.sessions.LoginOrRegister(ctx, user.ID, clientIP)
	if err != nil {
		return nil, err
	}
	return &auth.LoginResponse{LoginResult: *res, User: auth.NewUserInfo(user)}, nil
}

// ========== Session lifecycle ==========

// Refresh exchanges a refresh token for a new credential pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, clientIP string) (*auth.LoginResult, error) {
	return s.sessions.Refresh(ctx, refreshToken, clientIP)
}

// Logout revokes the session the access token belongs to.
func (s *AuthService) Logout(ctx context.Context, claims jwt.SessionClaims) error {
	return s.sessions.Logout(ctx, claims.SessionID)
}

// LogoutAllSessions revokes every session of the user.
func (s *AuthService) LogoutAllSessions(ctx context.Context, userID int64) error {
	return s.sessions.LogoutAll(ctx, userID)
}

func (s *AuthService) Sessions(ctx context.Context, userID int64) ([]auth.Session, error) {
	return s.sessions.Sessions(ctx, userID)
}

// Me returns the profile behind an authenticated user id.
func (s *AuthService) Me(ctx context.Context, userID int64) (*auth.UserInfo, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return auth.NewUserInfo(user), nil
}

// Authenticate verifies a bearer access token.
func (s *AuthService) Authenticate(token string) (jwt.SessionClaims, error) {
	return s.sessions.VerifyAccessToken(token)
}
