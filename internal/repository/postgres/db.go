// ==============================================================================
// POSTGRES STORES - internal/repository/postgres/db.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the database at url.
func Open(ctx context.Context, url string, cfg PoolConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// SolverStore implements store.SolverStore on postgres.
type SolverStore struct {
	db *sqlx.DB
}

func NewSolverStore(db *sqlx.DB) *SolverStore {
	return &SolverStore{db: db}
}

func (s *SolverStore) Atomic(ctx context.Context, fn func(tx store.SolverTx) error) error {
	return store.RetryOnUniqueViolation(ctx, func() error {
		return inTx(ctx, s.db, func(tx *sqlx.Tx) error {
			return fn(&solverTx{tx: tx})
		})
	})
}

func (s *SolverStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WorkerStore implements store.WorkerStore on postgres.
type WorkerStore struct {
	db *sqlx.DB
}

func NewWorkerStore(db *sqlx.DB) *WorkerStore {
	return &WorkerStore{db: db}
}

func (s *WorkerStore) Atomic(ctx context.Context, fn func(tx store.WorkerTx) error) error {
	return store.RetryOnUniqueViolation(ctx, func() error {
		return inTx(ctx, s.db, func(tx *sqlx.Tx) error {
			return fn(&workerTx{tx: tx})
		})
	})
}

func (s *WorkerStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// get loads a single row into dest, turning an empty result into notFound.
func get(ctx context.Context, tx *sqlx.Tx, dest interface{}, notFound error, query string, args ...interface{}) error {
	err := tx.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return err
}

// namedExecOne runs a statement that must touch exactly one row.
func namedExecOne(ctx context.Context, tx *sqlx.Tx, notFound error, query string, arg interface{}) error {
	res, err := tx.NamedExecContext(ctx, query, arg)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func insertEach[T any](ctx context.Context, tx *sqlx.Tx, query string, rows []T) error {
	for i := range rows {
		if _, err := tx.NamedExecContext(ctx, query, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// hashMatch renders a HashFilter condition on column using the two
// placeholders that follow.
func hashMatch(column string, prefixArg, maskArg int) string {
	return fmt.Sprintf("((%s # $%d::smallint) & $%d::smallint) = 0", column, prefixArg, maskArg)
}

func filterArgs(f sharding.HashFilter) []interface{} {
	return []interface{}{f.Prefix, f.Mask}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}
