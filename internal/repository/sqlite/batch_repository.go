package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vidfetch/internal/domain"
	"vidfetch/internal/repository"
)

const (
	createBatchesTable = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	save_dir TEXT NOT NULL,
	quality INTEGER NOT NULL DEFAULT 0,
	codecs TEXT NOT NULL DEFAULT '',
	total INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	finished_at DATETIME NULL
);
`
	selectBatch = `
SELECT id, status, save_dir, quality, codecs, total, success_count, failed_count, error_message, created_at, updated_at, finished_at
FROM batches`
)

type BatchRepository struct {
	db *sql.DB
}

func NewBatchRepository(db *sql.DB) repository.BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createBatchesTable); err != nil {
		return fmt.Errorf("create batches table: %w", err)
	}
	return nil
}

func (r *BatchRepository) Create(ctx context.Context, batch *domain.Batch) error {
	now := time.Now().UTC()
	batch.CreatedAt = now
	batch.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO batches (id, status, save_dir, quality, codecs, total, success_count, failed_count, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID,
		string(batch.Status),
		batch.SaveDir,
		batch.Quality,
		batch.Codecs,
		batch.Total,
		batch.SuccessCount,
		batch.FailedCount,
		batch.ErrorMessage,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (r *BatchRepository) UpdateStatus(ctx context.Context, id string, status domain.BatchStatus, errorMessage *string) error {
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	return r.exec(ctx, "update batch status", `
UPDATE batches
SET status=?, error_message=?, updated_at=?
WHERE id=?`,
		string(status),
		msg,
		time.Now().UTC(),
		id,
	)
}

func (r *BatchRepository) UpdateCounts(ctx context.Context, id string, success, failed int) error {
	return r.exec(ctx, "update batch counts", `
UPDATE batches
SET success_count=?, failed_count=?, updated_at=?
WHERE id=?`,
		success,
		failed,
		time.Now().UTC(),
		id,
	)
}

func (r *BatchRepository) MarkFinished(ctx context.Context, id string, status domain.BatchStatus, finishedAt time.Time) error {
	return r.exec(ctx, "mark batch finished", `
UPDATE batches
SET status=?, finished_at=?, updated_at=?
WHERE id=?`,
		string(status),
		finishedAt.UTC(),
		time.Now().UTC(),
		id,
	)
}

func (r *BatchRepository) exec(ctx context.Context, what, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: batch %w", what, repository.ErrNotFound)
	}
	return nil
}

func (r *BatchRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_items WHERE batch_id=?`, id); err != nil {
		return fmt.Errorf("delete batch items: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("batch delete rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("batch %w", repository.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch delete: %w", err)
	}
	return nil
}

func (r *BatchRepository) Get(ctx context.Context, id string) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx, selectBatch+`
WHERE id=?`,
		id,
	)
	return scanBatch(row)
}

func (r *BatchRepository) List(ctx context.Context) ([]domain.Batch, error) {
	rows, err := r.db.QueryContext(ctx, selectBatch+`
ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	return collectBatches(rows)
}

func (r *BatchRepository) ListByStatuses(ctx context.Context, statuses ...domain.BatchStatus) ([]domain.Batch, error) {
	if len(statuses) == 0 {
		return []domain.Batch{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(selectBatch+`
WHERE status IN (%s)
ORDER BY created_at ASC, id ASC`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches by status: %w", err)
	}
	return collectBatches(rows)
}

func collectBatches(rows *sql.Rows) ([]domain.Batch, error) {
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *batch)
	}
	return batches, rows.Err()
}

func scanBatch(scanner interface {
	Scan(dest ...any) error
}) (*domain.Batch, error) {
	var (
		batch      domain.Batch
		status     string
		createdAt  time.Time
		updatedAt  time.Time
		finishedAt sql.NullTime
	)

	if err := scanner.Scan(
		&batch.ID,
		&status,
		&batch.SaveDir,
		&batch.Quality,
		&batch.Codecs,
		&batch.Total,
		&batch.SuccessCount,
		&batch.FailedCount,
		&batch.ErrorMessage,
		&createdAt,
		&updatedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}

	batch.Status = domain.BatchStatus(status)
	batch.CreatedAt = createdAt.Local()
	batch.UpdatedAt = updatedAt.Local()
	if finishedAt.Valid {
		t := finishedAt.Time.Local()
		batch.FinishedAt = &t
	}
	return &batch, nil
}
