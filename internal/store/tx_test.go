package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxCommitRunsHooksInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("insert into reports").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := Begin(context.Background(), db, nil)
	require.NoError(t, err)

	ctx := ContextWithTx(context.Background(), tx)
	_, err = Conn(ctx, db).ExecContext(ctx, "insert into reports(id) values($1)", "r1")
	require.NoError(t, err)

	var order []string
	AfterCommit(ctx, func(context.Context) { order = append(order, "first") })
	AfterCommit(ctx, func(context.Context) { order = append(order, "second") })
	assert.Empty(t, order, "hooks must wait for commit")

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.NoError(t, tx.Rollback(), "rollback after commit is a no-op")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRollbackDropsHooks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := Begin(context.Background(), db, nil)
	require.NoError(t, err)
	ctx := ContextWithTx(context.Background(), tx)

	ran := false
	AfterCommit(ctx, func(context.Context) { ran = true })
	require.NoError(t, tx.Rollback())
	assert.False(t, ran)

	err = tx.Commit(ctx)
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "commit", txErr.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxCommitFailureIsTyped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	tx, err := Begin(context.Background(), db, nil)
	require.NoError(t, err)

	ran := false
	tx.OnCommit(func(context.Context) { ran = true })
	err = tx.Commit(context.Background())
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "commit", txErr.Op)
	assert.False(t, ran, "hooks only run after a successful commit")
}

func TestAfterCommitWithoutTxRunsImmediately(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func(context.Context) { ran = true })
	assert.True(t, ran)

	_, ok := TxFromContext(context.Background())
	assert.False(t, ok)
}

func TestDetachDropsTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("update verification_codes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	tx, err := Begin(context.Background(), db, nil)
	require.NoError(t, err)
	ctx := ContextWithTx(context.Background(), tx)

	detached := Detach(ctx)
	_, ok := TxFromContext(detached)
	assert.False(t, ok)
	_, err = Conn(detached, db).ExecContext(detached, "update verification_codes set attempts = attempts + 1")
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}
