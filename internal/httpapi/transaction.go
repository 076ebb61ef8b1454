package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"blueroots.org/internal/audit"
	"blueroots.org/internal/obs"
	"blueroots.org/internal/store"
)

// TransactionStage gives every non-GET request its own database transaction.
// The transaction commits when the final status is below 400 and aborts on
// any other status, on a panic, or when the client went away before a status
// was set. Commit and abort failures are logged only; the response has
// already been written by then.
func TransactionStage(db store.Beginner, log *zap.Logger) Stage {
	if log == nil {
		log = zap.NewNop()
	}
	t := &transactor{db: db, log: log}
	return Stage{Name: "transaction", rank: rankTransaction, Wrap: t.wrap}
}

type transactor struct {
	db  store.Beginner
	log *zap.Logger
}

func (t *transactor) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := store.TxFromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}

		tx, err := t.db.BeginTx(context.WithoutCancel(r.Context()))
		if err != nil {
			obs.ObserveTransaction(obs.TxBeginFailed)
			t.log.Error("begin transaction", t.fields(r, zap.Error(err))...)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}

		sw := wrapWriter(w)
		ctx := store.ContextWithTx(r.Context(), tx)
		defer func() {
			if p := recover(); p != nil {
				t.abort(r, tx, "panic")
				panic(p)
			}
		}()

		next.ServeHTTP(sw, r.WithContext(ctx))

		status := sw.Status()
		switch {
		case status == 0 && r.Context().Err() != nil:
			t.abort(r, tx, "client disconnected")
		case status < http.StatusBadRequest:
			t.commit(ctx, r, tx)
		default:
			t.abort(r, tx, http.StatusText(status))
		}
	})
}

func (t *transactor) commit(ctx context.Context, r *http.Request, tx *store.Tx) {
	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		obs.ObserveTransaction(obs.TxCommitFailed)
		t.log.Error("commit transaction", t.fields(r, zap.Error(err))...)
		return
	}
	obs.ObserveTransaction(obs.TxCommitted)
}

func (t *transactor) abort(r *http.Request, tx *store.Tx, reason string) {
	if err := tx.Rollback(); err != nil {
		obs.ObserveTransaction(obs.TxAbortFailed)
		t.log.Error("abort transaction", t.fields(r, zap.String("reason", reason), zap.Error(err))...)
		return
	}
	obs.ObserveTransaction(obs.TxAborted)
	t.log.Debug("transaction aborted", t.fields(r, zap.String("reason", reason))...)
}

func (t *transactor) fields(r *http.Request, extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("request_id", audit.RequestIDFromContext(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	}, extra...)
}
