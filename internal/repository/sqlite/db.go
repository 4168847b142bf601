package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the database at path, creating parent dirs.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// a single connection serializes the writes of concurrent batches
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return db, nil
}

// Repositories bundles the repositories of one database.
type Repositories struct {
	Batches *BatchRepository
	Items   *ItemRepository
	Users   *UserRepository
}

// Migrate creates the tables of every repository in dependency order.
func Migrate(ctx context.Context, db *sql.DB) (Repositories, error) {
	repos := Repositories{
		Batches: &BatchRepository{db: db},
		Items:   &ItemRepository{db: db},
		Users:   &UserRepository{db: db},
	}
	steps := []struct {
		name string
		init func(context.Context) error
	}{
		{"batches", repos.Batches.Init},
		{"items", repos.Items.Init},
		{"users", repos.Users.Init},
	}
	for _, step := range steps {
		if err := step.init(ctx); err != nil {
			return Repositories{}, fmt.Errorf("init %s: %w", step.name, err)
		}
	}
	return repos, nil
}
