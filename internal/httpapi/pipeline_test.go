package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"blueroots.org/internal/auth"
	"blueroots.org/internal/store"
	"blueroots.org/internal/store/pg"
)

func newTxStage(t *testing.T) (Stage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return TransactionStage(pg.New(db), zap.NewNop()), mock
}

type failingBeginner struct{}

func (failingBeginner) BeginTx(context.Context) (*store.Tx, error) {
	return nil, &store.TransactionError{Op: "begin", Err: errors.New("pool exhausted")}
}

func TestComposeOrdersTransactionBeforeAuthorization(t *testing.T) {
	tx := TransactionStage(failingBeginner{}, nil)
	authz := AuthorizationStage(nil, nil, auth.RoleNGO)

	assert.Equal(t, []string{"transaction", "authorization"}, Compose(authz, tx).Names())
	assert.Equal(t, []string{"transaction", "authorization"}, Compose(tx, authz).Names())
	assert.Equal(t, []string{"transaction"}, Compose(tx, Stage{Name: "empty"}).Names())
}

func TestPipelineThenRunsStagesOutermostFirst(t *testing.T) {
	var order []string
	stage := func(name string, rank int) Stage {
		return Stage{Name: name, rank: rank, Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}}
	}
	h := Compose(stage("second", rankAuthorization), stage("first", rankTransaction)).
		Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	stage, mock := newTxStage(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	var hookRan, txSeen bool
	h := stage.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, txSeen = store.TxFromContext(r.Context())
		store.AfterCommit(r.Context(), func(context.Context) { hookRan = true })
		assert.False(t, hookRan, "hooks wait for commit")
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.True(t, txSeen)
	assert.True(t, hookRan)
}

func TestTransactionAbortsOnErrorStatus(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError} {
		stage, mock := newTxStage(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		hookRan := false
		h := stage.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			store.AfterCommit(r.Context(), func(context.Context) { hookRan = true })
			writeError(w, status, "nope")
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/", nil))
		assert.False(t, hookRan, "status %d", status)
	}
}

func TestTransactionTreatsSilentHandlerAsOK(t *testing.T) {
	stage, mock := newTxStage(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	h := stage.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPatch, "/", nil))
}

func TestTransactionAbortsWhenClientDisconnects(t *testing.T) {
	stage, mock := newTxStage(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, cancel := context.WithCancel(context.Background())
	h := stage.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { cancel() }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx))
}

func TestTransactionAbortsOnPanic(t *testing.T) {
	stage, mock := newTxStage(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	h := Recover(zap.NewNop())(stage.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	})))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestTransactionSkipsReads(t *testing.T) {
	stage, _ := newTxStage(t)

	var txSeen bool
	h := stage.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, txSeen = store.TxFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, txSeen)
}

func TestTransactionReportsBeginFailure(t *testing.T) {
	called := false
	h := TransactionStage(failingBeginner{}, nil).Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.False(t, called)
}

func TestCommitFailureDoesNotAlterResponse(t *testing.T) {
	stage, mock := newTxStage(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	hookRan := false
	h := stage.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store.AfterCommit(r.Context(), func(context.Context) { hookRan = true })
		respond(w, http.StatusCreated, "created", nil)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.False(t, hookRan)
}

func TestCredentialPrefersCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", credentialFromRequest(req))

	req.AddCookie(&http.Cookie{Name: accessTokenCookie, Value: "cookie-token"})
	assert.Equal(t, "cookie-token", credentialFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, credentialFromRequest(req))
}
