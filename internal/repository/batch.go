package repository

import (
	"context"
	"errors"
	"time"

	"vidfetch/internal/domain"
)

// ErrNotFound is wrapped by lookups that matched no row.
var ErrNotFound = errors.New("not found")

// BatchRepository exposes persistence operations for Batch aggregates.
type BatchRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, batch *domain.Batch) error
	UpdateStatus(ctx context.Context, id string, status domain.BatchStatus, errorMessage *string) error
	UpdateCounts(ctx context.Context, id string, success, failed int) error
	MarkFinished(ctx context.Context, id string, status domain.BatchStatus, finishedAt time.Time) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Batch, error)
	List(ctx context.Context) ([]domain.Batch, error)
	ListByStatuses(ctx context.Context, statuses ...domain.BatchStatus) ([]domain.Batch, error)
}

// ItemRepository manages the per-item rows of a batch.
type ItemRepository interface {
	Init(ctx context.Context) error
	ReplaceForBatch(ctx context.Context, batchID string, itemIDs []string) error
	Upsert(ctx context.Context, item *domain.ItemRecord) error
	ListByBatch(ctx context.Context, batchID string) ([]domain.ItemRecord, error)
}
