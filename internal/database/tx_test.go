package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryOptions() TxOptions {
	opts := DefaultTxOptions()
	opts.BaseBackoff = time.Millisecond
	return opts
}

func TestWithTransactionCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = WithTransaction(context.Background(), db, DefaultTxOptions(), func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE products SET stock = stock - 1 WHERE id = 1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sentinel := errors.New("validation failed")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = WithTransaction(context.Background(), db, DefaultTxOptions(), func(tx *sql.Tx) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryRetriesSerializationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err = WithRetry(context.Background(), db, fastRetryOptions(), func(tx *sql.Tx) error {
		attempts++
		if attempts == 1 {
			return &pq.Error{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	attempts := 0
	err = WithRetry(context.Background(), db, fastRetryOptions(), func(tx *sql.Tx) error {
		attempts++
		return ErrOrderNotFound
	})
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryDoesNotReplayCommitWithUnknownOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "08006"})

	attempts := 0
	err = WithRetry(context.Background(), db, fastRetryOptions(), func(tx *sql.Tx) error {
		attempts++
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit transaction")
	assert.Equal(t, ErrorClassTransient, ClassifyError(err))
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryRetriesSerializationFailureOnCommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err = WithRetry(context.Background(), db, fastRetryOptions(), func(tx *sql.Tx) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryableCommit(t *testing.T) {
	assert.True(t, IsRetryableCommit(&pq.Error{Code: "40001"}))
	assert.True(t, IsRetryableCommit(&pq.Error{Code: "40P01"}))
	assert.False(t, IsRetryableCommit(&pq.Error{Code: "08006"}))
	assert.False(t, IsRetryableCommit(&pq.Error{Code: "55P03"}))
	assert.False(t, IsRetryableCommit(errors.New("driver: bad connection")))
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	opts := fastRetryOptions()
	opts.MaxRetries = 2
	for i := 0; i <= opts.MaxRetries; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	deadlock := &pq.Error{Code: "40P01"}
	err = WithRetry(context.Background(), db, opts, func(tx *sql.Tx) error {
		return deadlock
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
	assert.Equal(t, ErrorClassDeadlock, ClassifyError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryHonoursCancelledContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = WithRetry(ctx, db, fastRetryOptions(), func(tx *sql.Tx) error {
		t.Fatal("fn must not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
