package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrations(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "seed"), 0o755))
	return dir
}

func TestMigrationFilesOrder(t *testing.T) {
	dir := writeMigrations(t,
		"000002_ledger.up.sql", "000001_init.up.sql",
		"000001_init.down.sql", "000002_ledger.down.sql",
		"README.md",
	)

	up, err := MigrationFiles(dir, MigrateUp)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "000001_init.up.sql"),
		filepath.Join(dir, "000002_ledger.up.sql"),
	}, up)

	down, err := MigrationFiles(dir, MigrateDown)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "000002_ledger.down.sql"),
		filepath.Join(dir, "000001_init.down.sql"),
	}, down)
}

func TestMigrationFilesRejectsUnknownDirection(t *testing.T) {
	_, err := MigrationFiles(t.TempDir(), "sideways")
	assert.Error(t, err)
}

func TestMigrateRunsEachFileInTransaction(t *testing.T) {
	dir := writeMigrations(t, "000001_init.up.sql", "000002_ledger.up.sql")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
	}

	applied, err := Migrate(context.Background(), db, dir, MigrateUp)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_init.up.sql", "000002_ledger.up.sql"}, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
