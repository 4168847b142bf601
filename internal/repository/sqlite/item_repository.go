package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vidfetch/internal/domain"
	"vidfetch/internal/repository"
)

const createBatchItemsTable = `
CREATE TABLE IF NOT EXISTS batch_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	state TEXT NOT NULL,
	step TEXT NOT NULL DEFAULT '',
	output_file TEXT NOT NULL DEFAULT '',
	log_file TEXT NOT NULL DEFAULT '',
	remote_location TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	UNIQUE(batch_id, item_id),
	FOREIGN KEY(batch_id) REFERENCES batches(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_batch_items_batch_id ON batch_items(batch_id);
`

type ItemRepository struct {
	db *sql.DB
}

func NewItemRepository(db *sql.DB) repository.ItemRepository {
	return &ItemRepository{db: db}
}

func (r *ItemRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createBatchItemsTable); err != nil {
		return fmt.Errorf("create batch_items table: %w", err)
	}
	return nil
}

// ReplaceForBatch resets the rows of batchID to one not started row per id.
func (r *ItemRepository) ReplaceForBatch(ctx context.Context, batchID string, itemIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_items WHERE batch_id=?`, batchID); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}

	now := time.Now().UTC()
	for _, itemID := range itemIDs {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO batch_items (batch_id, item_id, state, updated_at)
VALUES (?, ?, ?, ?)`,
			batchID,
			itemID,
			string(domain.StateNotStarted),
			now,
		); err != nil {
			return fmt.Errorf("insert item %s: %w", itemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Upsert writes the row keyed by batch and item id.
func (r *ItemRepository) Upsert(ctx context.Context, item *domain.ItemRecord) error {
	item.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO batch_items (batch_id, item_id, state, step, output_file, log_file, remote_location, error_message, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(batch_id, item_id) DO UPDATE SET
	state=excluded.state,
	step=excluded.step,
	output_file=excluded.output_file,
	log_file=excluded.log_file,
	remote_location=excluded.remote_location,
	error_message=excluded.error_message,
	updated_at=excluded.updated_at`,
		item.BatchID,
		item.ItemID,
		string(item.State),
		item.Step,
		item.OutputFile,
		item.LogFile,
		item.RemoteLocation,
		item.ErrorMessage,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func (r *ItemRepository) ListByBatch(ctx context.Context, batchID string) ([]domain.ItemRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, batch_id, item_id, state, step, output_file, log_file, remote_location, error_message, updated_at
FROM batch_items
WHERE batch_id=?
ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch items: %w", err)
	}
	defer rows.Close()

	var items []domain.ItemRecord
	for rows.Next() {
		var (
			item      domain.ItemRecord
			state     string
			updatedAt time.Time
		)
		if err := rows.Scan(&item.ID, &item.BatchID, &item.ItemID, &state, &item.Step, &item.OutputFile, &item.LogFile, &item.RemoteLocation, &item.ErrorMessage, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.State = domain.State(state)
		item.UpdatedAt = updatedAt.Local()
		items = append(items, item)
	}

	return items, rows.Err()
}
