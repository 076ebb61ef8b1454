// Package store holds the storage-agnostic pieces shared by the persistence
// layer and the HTTP pipeline: sentinel errors, the query interface satisfied
// by both *sql.DB and a request transaction, and the transaction handle itself.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("resource conflict")
)

// DBTX is the subset of *sql.DB and *sql.Tx used by repositories.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Beginner opens request-scoped transactions.
type Beginner interface {
	BeginTx(ctx context.Context) (*Tx, error)
}

// TransactionError reports a failed commit or rollback. It is logged by the
// transaction stage and never replaces the response already produced.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Conn returns the transaction attached to ctx, or db when there is none.
func Conn(ctx context.Context, db DBTX) DBTX {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}
