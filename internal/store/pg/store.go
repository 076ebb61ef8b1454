// Package pg implements persistence on PostgreSQL through database/sql and
// the pgx driver. Every query runs on the request transaction found in the
// context, falling back to the pool for reads outside a transaction.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"blueroots.org/internal/auth"
	"blueroots.org/internal/incidents"
	"blueroots.org/internal/store"
	"blueroots.org/internal/users"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ store.Beginner      = (*Store)(nil)
	_ auth.IdentityFinder = (*Store)(nil)
	_ auth.RoleResolver   = (*Store)(nil)
	_ users.Store         = (*Store)(nil)
	_ incidents.Store     = (*Store)(nil)
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type Store struct {
	db *sql.DB
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the pgx driver and applies pool settings.
func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 50
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 25
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 15 * time.Minute
	}
	if pool.ConnMaxIdleTime <= 0 {
		pool.ConnMaxIdleTime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

// BeginTx opens a read-committed request transaction.
func (s *Store) BeginTx(ctx context.Context) (*store.Tx, error) {
	if s.db == nil {
		return nil, &store.TransactionError{Op: "begin", Err: errors.New("database connection unavailable")}
	}
	return store.Begin(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func (s *Store) conn(ctx context.Context) store.DBTX {
	return store.Conn(ctx, s.db)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return store.ErrConflict
		case pgErrForeignKeyViolation:
			return store.ErrNotFound
		}
	}
	return err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
