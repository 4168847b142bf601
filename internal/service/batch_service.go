package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"vidfetch/internal/domain"
	"vidfetch/internal/repository"
)

// ErrNoItems is returned when a batch is submitted without item ids.
var ErrNoItems = errors.New("at least one item id is required")

// BatchRequest describes a batch submission.
type BatchRequest struct {
	ItemIDs []string
	Quality int
	Codecs  string
}

// BatchService coordinates batch level operations backed by repositories.
type BatchService interface {
	CreateBatch(ctx context.Context, req BatchRequest, dataRoot string) (*domain.Batch, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListBatches(ctx context.Context) ([]domain.Batch, error)
	ListByStatuses(ctx context.Context, statuses ...domain.BatchStatus) ([]domain.Batch, error)
	UpdateStatus(ctx context.Context, id string, status domain.BatchStatus, errMsg *string) error
	UpdateCounts(ctx context.Context, id string, success, failed int) error
	MarkFinished(ctx context.Context, id string, status domain.BatchStatus) error
	RecordItem(ctx context.Context, item *domain.ItemRecord) error
	DeleteBatch(ctx context.Context, id string) error
}

type batchService struct {
	batches repository.BatchRepository
	items   repository.ItemRepository
}

func NewBatchService(batches repository.BatchRepository, items repository.ItemRepository) BatchService {
	return &batchService{
		batches: batches,
		items:   items,
	}
}

func (s *batchService) CreateBatch(ctx context.Context, req BatchRequest, dataRoot string) (*domain.Batch, error) {
	if len(req.ItemIDs) == 0 {
		return nil, ErrNoItems
	}
	if req.Quality < 0 {
		return nil, fmt.Errorf("invalid quality %d", req.Quality)
	}

	id := uuid.NewString()
	batch := &domain.Batch{
		ID:      id,
		Status:  domain.BatchStatusPending,
		SaveDir: filepath.Join(dataRoot, fmt.Sprintf("batch-%s", id)),
		Quality: req.Quality,
		Codecs:  req.Codecs,
		Total:   len(req.ItemIDs),
	}

	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, err
	}
	if err := s.items.ReplaceForBatch(ctx, id, req.ItemIDs); err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, id)
}

func (s *batchService) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	batch, err := s.batches.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *batchService) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	batches, err := s.batches.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.attachAll(ctx, batches)
}

func (s *batchService) ListByStatuses(ctx context.Context, statuses ...domain.BatchStatus) ([]domain.Batch, error) {
	batches, err := s.batches.ListByStatuses(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return s.attachAll(ctx, batches)
}

func (s *batchService) attachAll(ctx context.Context, batches []domain.Batch) ([]domain.Batch, error) {
	for i := range batches {
		if err := s.attachItems(ctx, &batches[i]); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

func (s *batchService) attachItems(ctx context.Context, batch *domain.Batch) error {
	items, err := s.items.ListByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	batch.Items = items
	return nil
}

func (s *batchService) UpdateStatus(ctx context.Context, id string, status domain.BatchStatus, errMsg *string) error {
	return s.batches.UpdateStatus(ctx, id, status, errMsg)
}

func (s *batchService) UpdateCounts(ctx context.Context, id string, success, failed int) error {
	return s.batches.UpdateCounts(ctx, id, success, failed)
}

func (s *batchService) MarkFinished(ctx context.Context, id string, status domain.BatchStatus) error {
	return s.batches.MarkFinished(ctx, id, status, time.Now())
}

func (s *batchService) RecordItem(ctx context.Context, item *domain.ItemRecord) error {
	if item.BatchID == "" || item.ItemID == "" {
		return errors.New("batch id and item id are required")
	}
	return s.items.Upsert(ctx, item)
}

func (s *batchService) DeleteBatch(ctx context.Context, id string) error {
	return s.batches.Delete(ctx, id)
}
