package repository

import (
	"context"
	"errors"
	"time"

	"vidfetch/internal/domain"
)

// ErrConflict is wrapped by inserts that violate a uniqueness constraint.
var ErrConflict = errors.New("already exists")

type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	TouchLogin(ctx context.Context, id int64, at time.Time) error
}
