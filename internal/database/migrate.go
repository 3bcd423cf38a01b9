package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	MigrateUp   = "up"
	MigrateDown = "down"
)

// MigrationFiles lists the *.up.sql or *.down.sql files of dir in the order
// they must be applied: ascending for up, descending for down.
func MigrationFiles(dir, direction string) ([]string, error) {
	if direction != MigrateUp && direction != MigrateDown {
		return nil, fmt.Errorf("direction must be %q or %q, got %q", MigrateUp, MigrateDown, direction)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	var files []string
	suffix := fmt.Sprintf(".%s.sql", direction)
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Strings(files)
	if direction == MigrateDown {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}

	return files, nil
}

// Migrate applies every migration of dir in the given direction, each file
// in its own transaction. It returns the applied file names.
func Migrate(ctx context.Context, db *sql.DB, dir, direction string) ([]string, error) {
	files, err := MigrationFiles(dir, direction)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(files))
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return applied, fmt.Errorf("read migration file %s: %w", path, err)
		}

		err = WithTransaction(ctx, db, DefaultTxOptions(), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, string(content))
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("execute migration %s: %w", filepath.Base(path), err)
		}
		applied = append(applied, filepath.Base(path))
	}

	return applied, nil
}
