package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMaxLoginAttempts = 5
	DefaultLoginWindow      = 15 * time.Minute
)

// RateLimiter counts failed-or-pending login attempts per client address
// and account name in fixed windows.
type RateLimiter struct {
	client      *redis.Client
	maxAttempts int64
	window      time.Duration
}

func NewRateLimiter(client *redis.Client, maxAttempts int64, window time.Duration) *RateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxLoginAttempts
	}
	if window <= 0 {
		window = DefaultLoginWindow
	}
	return &RateLimiter{client: client, maxAttempts: maxAttempts, window: window}
}

// CheckLoginAttempt records an attempt and reports whether it is allowed.
func (r *RateLimiter) CheckLoginAttempt(ctx context.Context, ip, name string) (bool, int64, error) {
	key := loginKey(ip, name)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment login attempt: %w", err)
	}

	// Set expiration on first attempt
	if count == 1 {
		if err := r.client.Expire(ctx, key, r.window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set login window: %w", err)
		}
	}

	remaining := r.maxAttempts - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= r.maxAttempts, remaining, nil
}

// ResetLoginAttempts clears the counter after a successful login.
func (r *RateLimiter) ResetLoginAttempts(ctx context.Context, ip, name string) error {
	return r.client.Del(ctx, loginKey(ip, name)).Err()
}

func loginKey(ip, name string) string {
	return fmt.Sprintf("ratelimit:login:%s:%s", ip, strings.ToLower(name))
}
