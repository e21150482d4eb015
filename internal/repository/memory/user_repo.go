package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
)

type UserRepository struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*auth.User
	byName map[string]int64
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:   make(map[int64]*auth.User),
		byName: make(map[string]int64),
	}
}

// Create inserts user and fills in its id and creation time.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(user.Name)
	if _, taken := r.byName[key]; taken {
		return xerrors.ErrConflict
	}

	r.nextID++
	user.ID = r.nextID
	user.CreatedAt = time.Now().UTC()

	cp := *user
	r.byID[cp.ID] = &cp
	r.byName[key] = cp.ID
	return nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *UserRepository) FindByName(ctx context.Context, name string) (*auth.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}
