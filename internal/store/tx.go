package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Tx is a transaction owned by exactly one request. Writes join it by
// resolving it from the request context (see Conn).
type Tx struct {
	tx *sql.Tx

	mu          sync.Mutex
	done        bool
	afterCommit []func(context.Context)
}

var _ DBTX = (*Tx)(nil)

// Begin opens a transaction on db. The context given to database/sql is
// detached from cancellation so a client disconnect cannot roll back a
// transaction whose outcome the caller has not decided yet.
func Begin(ctx context.Context, db *sql.DB, opts *sql.TxOptions) (*Tx, error) {
	sqlTx, err := db.BeginTx(context.WithoutCancel(ctx), opts)
	if err != nil {
		return nil, &TransactionError{Op: "begin", Err: err}
	}
	return &Tx{tx: sqlTx}, nil
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// OnCommit registers fn to run after a successful commit. Hooks are dropped
// on rollback.
func (t *Tx) OnCommit(fn func(context.Context)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.afterCommit = append(t.afterCommit, fn)
}

// Commit commits the transaction and then runs the commit hooks in
// registration order. The underlying connection is released on every path.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return &TransactionError{Op: "commit", Err: sql.ErrTxDone}
	}
	t.done = true
	hooks := t.afterCommit
	t.afterCommit = nil
	t.mu.Unlock()

	if err := t.tx.Commit(); err != nil {
		if rbErr := t.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return &TransactionError{Op: "commit", Err: errors.Join(err, rbErr)}
		}
		return &TransactionError{Op: "commit", Err: err}
	}
	for _, fn := range hooks {
		fn(ctx)
	}
	return nil
}

// Rollback aborts the transaction. Calling it after Commit or a previous
// Rollback is a no-op.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.afterCommit = nil
	t.mu.Unlock()

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &TransactionError{Op: "rollback", Err: err}
	}
	return nil
}

type txContextKey struct{}

// ContextWithTx attaches tx to ctx.
func ContextWithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction attached to ctx, if any.
func TxFromContext(ctx context.Context) (*Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(*Tx)
	if !ok || tx == nil {
		return nil, false
	}
	return tx, true
}

// Detach returns ctx without its transaction. Writes made through the
// result are durable even when the request transaction aborts.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, txContextKey{}, (*Tx)(nil))
}

// AfterCommit defers fn until the request transaction commits. Without a
// transaction on ctx the work is already durable, so fn runs immediately.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	if tx, ok := TxFromContext(ctx); ok {
		tx.OnCommit(fn)
		return
	}
	fn(context.WithoutCancel(ctx))
}
