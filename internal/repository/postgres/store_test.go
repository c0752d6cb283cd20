package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swpttrade/internal/domain"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
	"swpttrade/migrations"
	pkgerrors "swpttrade/pkg/errors"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// testDB connects to the database named by env, migrates it and empties
// every table. The test is skipped when no database is available.
func testDB(t *testing.T, env, schema string, tables ...string) *sqlx.DB {
	t.Helper()
	url := os.Getenv(env)
	if url == "" {
		t.Skipf("Skipping integration test: %s is not set", env)
	}
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		t.Skip("Skipping integration test: database not available")
	}
	t.Cleanup(func() { db.Close() })

	migrateUp(t, db.DB, schema)
	for _, table := range tables {
		_, err := db.Exec("TRUNCATE TABLE " + table + " RESTART IDENTITY CASCADE")
		require.NoError(t, err)
	}
	return db
}

func migrateUp(t *testing.T, db *sql.DB, schema string) {
	t.Helper()
	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: schema + "_schema_migrations"})
	require.NoError(t, err)
	src, err := iofs.New(migrations.FS, schema)
	require.NoError(t, err)
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}
}

var workerTables = []string{
	"worker_turn", "debtor_info_fetch", "account_lock", "worker_collecting",
	"creditor_participation", "transfer_attempt", "outgoing_message", "dispatching_status",
}

func TestWorkerStore(t *testing.T) {
	db := testDB(t, "WORKER_POSTGRES_URL", "worker", workerTables...)
	st := NewWorkerStore(db)
	ctx := context.Background()

	t.Run("missing turn", func(t *testing.T) {
		err := st.Atomic(ctx, func(tx store.WorkerTx) error {
			_, err := tx.GetWorkerTurn(ctx, 42)
			return err
		})
		assert.ErrorIs(t, err, pkgerrors.ErrWorkerTurnNotFound)
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("fetches merge", func(t *testing.T) {
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			if err := tx.UpsertFetch(ctx, &domain.DebtorInfoFetch{
				IRI: "https://example.com/1", DebtorID: 1, IsLocatorFetch: true,
				RecursionLevel: 3, NextAttemptAt: now,
			}); err != nil {
				return err
			}
			return tx.UpsertFetch(ctx, &domain.DebtorInfoFetch{
				IRI: "https://example.com/1", DebtorID: 1, IsDiscoveryFetch: true,
				RecursionLevel: 1, NextAttemptAt: now.Add(time.Hour),
			})
		}))
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			f, err := tx.GetFetch(ctx, "https://example.com/1", 1)
			require.NoError(t, err)
			assert.True(t, f.IsLocatorFetch)
			assert.True(t, f.IsDiscoveryFetch)
			assert.Equal(t, int16(1), f.RecursionLevel)

			due, err := tx.BurstDueFetches(ctx, now, 10)
			require.NoError(t, err)
			assert.Len(t, due, 1)
			return nil
		}))
	})

	t.Run("collected once", func(t *testing.T) {
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			return tx.InsertWorkerCollectings(ctx, []domain.WorkerCollecting{
				{CollectorID: 9, TurnID: 1, DebtorID: 101, CreditorID: 5, Amount: 100, PurgeAfter: now},
			})
		}))
		for i, want := range []bool{true, false} {
			var got bool
			require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
				var err error
				got, err = tx.MarkCollected(ctx, 9, 1, 101, 5)
				return err
			}))
			assert.Equal(t, want, got, "call %d", i)
		}
	})

	t.Run("coordinator request ids increase", func(t *testing.T) {
		var a, b int64
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			var err error
			if a, err = tx.NextCoordinatorRequestID(ctx); err != nil {
				return err
			}
			b, err = tx.NextCoordinatorRequestID(ctx)
			return err
		}))
		assert.Greater(t, b, a)
	})

	t.Run("account lock by request id", func(t *testing.T) {
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			return tx.InsertAccountLock(ctx, &domain.AccountLock{
				CreditorID: 5, DebtorID: 101, TurnID: 1, CollectorID: 9,
				CoordinatorRequestID: 77, Amount: -500, InitiatedAt: now,
			})
		}))
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			l, err := tx.GetAccountLockByRequestID(ctx, 5, 77)
			require.NoError(t, err)
			assert.Equal(t, int64(-500), l.Amount)
			return nil
		}))
		err := st.Atomic(ctx, func(tx store.WorkerTx) error {
			return tx.InsertAccountLock(ctx, &domain.AccountLock{
				CreditorID: 5, DebtorID: 102, TurnID: 1, CollectorID: 9,
				CoordinatorRequestID: 77, Amount: -500, InitiatedAt: now,
			})
		})
		assert.True(t, pkgerrors.IsUniqueViolation(err))
	})

	t.Run("outbox", func(t *testing.T) {
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			return tx.InsertOutgoingMessages(ctx, []domain.OutgoingMessage{
				{MessageType: "A", Subject: "trade.0", MessageID: "m1", Body: []byte(`{}`), InsertedAt: now},
				{MessageType: "B", Subject: "trade.1", MessageID: "m2", Body: []byte(`{}`), InsertedAt: now},
			})
		}))
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			rows, err := tx.BurstOutgoingMessages(ctx, 10)
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, "A", rows[0].MessageType)
			return tx.DeleteOutgoingMessages(ctx, []int64{rows[0].ID})
		}))
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			rows, err := tx.BurstOutgoingMessages(ctx, 10)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "B", rows[0].MessageType)
			return nil
		}))
	})

	t.Run("deleting a turn deletes its rows", func(t *testing.T) {
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			if err := tx.InsertWorkerTurn(ctx, &domain.WorkerTurn{
				TurnID: 1, StartedAt: now, BaseDebtorInfoLocator: "https://example.com/101",
				BaseDebtorID: 101, MaxDistanceToBase: 5, MinTradeAmount: 1000,
				Phase: domain.PhaseSettlement, CollectionStartedAt: ptr(now), CollectionDeadline: ptr(now),
			}); err != nil {
				return err
			}
			return tx.InsertCreditorParticipations(ctx, []domain.CreditorParticipation{
				{CreditorID: 5, DebtorID: 101, TurnID: 1, Amount: 100, CollectorID: 9},
			})
		}))
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			return tx.DeleteWorkerTurn(ctx, 1)
		}))
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			_, err := tx.GetCreditorParticipation(ctx, 5, 101, 1)
			assert.ErrorIs(t, err, pkgerrors.ErrParticipationNotFound)
			rows, err := tx.ListWorkerCollectings(ctx, 9, 1, 101)
			require.NoError(t, err)
			assert.Empty(t, rows)
			return nil
		}))
	})
}

func TestSolverStore(t *testing.T) {
	db := testDB(t, "SOLVER_POSTGRES_URL", "solver", "turn", "collector_account")
	st := NewSolverStore(db)
	ctx := context.Background()

	var first, second domain.Turn
	require.NoError(t, st.Atomic(ctx, func(tx store.SolverTx) error {
		if err := tx.LockTurns(ctx); err != nil {
			return err
		}
		first = domain.Turn{
			StartedAt: now.Add(-24 * time.Hour), BaseDebtorInfoLocator: "https://example.com/101",
			BaseDebtorID: 101, MaxDistanceToBase: 5, MinTradeAmount: 1000,
			Phase: domain.PhaseDiscovery, PhaseDeadline: ptr(now),
		}
		if err := tx.InsertTurn(ctx, &first); err != nil {
			return err
		}
		second = first
		second.TurnID = 0
		second.StartedAt = now
		return tx.InsertTurn(ctx, &second)
	}))
	assert.NotZero(t, first.TurnID)
	assert.Greater(t, second.TurnID, first.TurnID)

	require.NoError(t, st.Atomic(ctx, func(tx store.SolverTx) error {
		latest, err := tx.GetLatestTurn(ctx)
		require.NoError(t, err)
		assert.Equal(t, second.TurnID, latest.TurnID)

		unfinished, err := tx.ListUnfinishedTurns(ctx)
		require.NoError(t, err)
		assert.Len(t, unfinished, 2)
		return nil
	}))

	require.NoError(t, st.Atomic(ctx, func(tx store.SolverTx) error {
		return tx.InsertCollectorAccount(ctx, &domain.CollectorAccount{
			DebtorID: 101, CollectorID: 9, CollectorHash: sharding.CalcHash(9),
			Status: domain.CollectorPristine,
		})
	}))
	require.NoError(t, st.Atomic(ctx, func(tx store.SolverTx) error {
		rows, err := tx.BurstPristineCollectors(ctx, sharding.HashFilter{}, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(9), rows[0].CollectorID)
		return nil
	}))
}
