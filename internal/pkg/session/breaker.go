package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
)

type BreakerConfig struct {
	// Failures is the number of consecutive unavailable results that opens
	// the breaker. Zero disables it.
	Failures uint32
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
}

// BreakerStore fails fast with ErrUnavailable while the wrapped store keeps
// failing. Only ErrUnavailable counts against it. Authentication failures
// and cancelled callers are ordinary results.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

var _ Store = (*BreakerStore)(nil)

// WithBreaker wraps store, or returns it unchanged when cfg disables the breaker.
func WithBreaker(store Store, cfg BreakerConfig, logger *zap.Logger) Store {
	if cfg.Failures == 0 {
		return store
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BreakerStore{
		next: store,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "session-store",
			MaxRequests: 1,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Failures
			},
			IsSuccessful: storeHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// storeHealthy reports whether err says nothing bad about the store. A caller
// that hung up is not a store failure.
func storeHealthy(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return !errors.Is(err, xerrors.ErrUnavailable) && !errors.Is(err, context.DeadlineExceeded)
}

func (b *BreakerStore) do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return xerrors.Unavailable(fmt.Errorf("session store: %w", err))
	}
	return err
}

func (b *BreakerStore) CreateSession(ctx context.Context, userID int64, clientIP string) (grant *auth.RefreshGrant, err error) {
	err = b.do(func() (err error) {
		grant, err = b.next.CreateSession(ctx, userID, clientIP)
		return err
	})
	return grant, err
}

func (b *BreakerStore) Rotate(ctx context.Context, presented, clientIP string) (grant *auth.RefreshGrant, err error) {
	err = b.do(func() (err error) {
		grant, err = b.next.Rotate(ctx, presented, clientIP)
		return err
	})
	return grant, err
}

func (b *BreakerStore) InvalidateSession(ctx context.Context, sessionID int64) error {
	return b.do(func() error {
		return b.next.InvalidateSession(ctx, sessionID)
	})
}

func (b *BreakerStore) InvalidateUserSessions(ctx context.Context, userID int64) error {
	return b.do(func() error {
		return b.next.InvalidateUserSessions(ctx, userID)
	})
}

func (b *BreakerStore) ListSessions(ctx context.Context, userID int64) (out []auth.Session, err error) {
	err = b.do(func() (err error) {
		out, err = b.next.ListSessions(ctx, userID)
		return err
	})
	return out, err
}
