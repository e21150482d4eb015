package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	xerrors "booru-service/internal/pkg/errors"
)

type DB struct {
	pool *pgxpool.Pool
}

func NewDB(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// errCommitted carries a domain error out of a transaction that must still
// be committed.
type errCommitted struct{ err error }

func (e errCommitted) Error() string { return e.err.Error() }
func (e errCommitted) Unwrap() error { return e.err }

// WithTx runs fn in a transaction. fn's error rolls back unless it was
// produced by commitWith, in which case the work is committed first and the
// wrapped error returned. Driver failures come back as xerrors.ErrUnavailable.
func (db *DB) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return xerrors.Unavailable(err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	ferr := fn(tx)
	var committed errCommitted
	switch {
	case ferr == nil:
	case errors.As(ferr, &committed):
		ferr = committed.err
	default:
		return ferr
	}

	if err := tx.Commit(ctx); err != nil {
		return xerrors.Unavailable(err)
	}
	return ferr
}

func commitWith(err error) error {
	return errCommitted{err: err}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
