package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/safar/storefront-core/internal/database"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// queries implements Ops on top of a Querier.
type queries struct {
	q Querier
}

type Postgres struct {
	queries
	db     *sql.DB
	txOpts database.TxOptions
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		queries: queries{q: db},
		db:      db,
		txOpts: database.TxOptions{
			IsolationLevel: sql.LevelReadCommitted,
			MaxRetries:     3,
			BaseBackoff:    25 * time.Millisecond,
		},
	}
}

// InTx runs fn in a READ COMMITTED transaction and retries it on deadlocks
// and serialization failures. Stock mutations inside fn rely on row-level
// conditional updates, not on the isolation level.
func (p *Postgres) InTx(ctx context.Context, fn func(Ops) error) error {
	return database.WithRetry(ctx, p.db, p.txOpts, func(tx *sql.Tx) error {
		return fn(queries{q: tx})
	})
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
