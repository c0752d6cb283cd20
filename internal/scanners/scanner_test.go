package scanners

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox/outboxtest"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
	"swpttrade/internal/store/memstore"
	"swpttrade/pkg/logger"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newDeps(realm string) Deps {
	return Deps{
		Solver: memstore.NewSolverStore(),
		Worker: memstore.NewWorkerStore(),
		Writer: outboxtest.NewWriter(),
		Realm:  sharding.MustParseRealm(realm),
		Config: Config{
			RowsPerQuery:             2,
			DeleteParentShardRecords: true,
			DocumentMaxAge:           14 * 24 * time.Hour,
			HeartbeatMaxDelay:        365 * 24 * time.Hour,
			AccountLockMaxAge:        365 * 24 * time.Hour,
			ReleasedLockMaxDelay:     30 * 24 * time.Hour,
			TurnMaxAge:               60 * 24 * time.Hour,
		},
		Logger: logger.NewNop(),
		Now:    func() time.Time { return now },
	}
}

// scanAll runs the scanner until a full pass completes.
func scanAll(t *testing.T, s *Scanner) {
	t.Helper()
	for i := 0; i < 100; i++ {
		more, err := s.Run(context.Background())
		require.NoError(t, err)
		if !more {
			return
		}
	}
	t.Fatal("scan did not complete")
}

func TestNewRejectsUnknownTable(t *testing.T) {
	_, err := New("nonsense", newDeps("#"))
	require.Error(t, err)
	assert.Contains(t, Tables(), "account-locks")
	assert.Len(t, Tables(), 8)
}

func TestWorkerAccountsScan(t *testing.T) {
	deps := newDeps("#")
	ctx := context.Background()
	require.NoError(t, deps.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		for i, hb := range []time.Time{now, now.Add(-400 * 24 * time.Hour), now.Add(-time.Hour), now.Add(-366 * 24 * time.Hour), now} {
			if err := tx.UpsertWorkerAccount(ctx, &domain.WorkerAccount{
				CreditorID:      int64(i + 1),
				DebtorID:        101,
				LastHeartbeatTS: hb,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	s, err := New("worker-accounts", deps)
	require.NoError(t, err)
	scanAll(t, s)

	require.NoError(t, deps.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		rows, err := tx.ScanWorkerAccounts(ctx, store.FirstPairCursor, 100)
		require.NoError(t, err)
		var ids []int64
		for _, r := range rows {
			ids = append(ids, r.CreditorID)
		}
		assert.Equal(t, []int64{1, 3, 5}, ids)
		return nil
	}))
}

func TestAccountLocksScanDismissesPreparedTransfers(t *testing.T) {
	deps := newDeps("#")
	ctx := context.Background()
	require.NoError(t, deps.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		locks := []domain.AccountLock{
			{CreditorID: 1, DebtorID: 101, TurnID: 1, CollectorID: 999, CoordinatorRequestID: 7, Amount: -500,
				InitiatedAt: now.Add(-400 * 24 * time.Hour), TransferID: ptr(int64(55))},
			{CreditorID: 2, DebtorID: 101, TurnID: 1, CollectorID: 999, CoordinatorRequestID: 8, Amount: 500,
				InitiatedAt: now.Add(-40 * 24 * time.Hour), TransferID: ptr(int64(56)),
				FinalizedAt: ptr(now.Add(-39 * 24 * time.Hour)), ReleasedAt: ptr(now.Add(-31 * 24 * time.Hour))},
			{CreditorID: 3, DebtorID: 101, TurnID: 2, CollectorID: 999, CoordinatorRequestID: 9, Amount: -500,
				InitiatedAt: now.Add(-time.Hour)},
		}
		for i := range locks {
			if err := tx.InsertAccountLock(ctx, &locks[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	s, err := New("account-locks", deps)
	require.NoError(t, err)
	scanAll(t, s)

	require.NoError(t, deps.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		rows, err := tx.ScanAccountLocks(ctx, store.FirstPairCursor, 100)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(3), rows[0].CreditorID)
		return nil
	}))

	finalizes := outboxtest.OfType[*messages.FinalizeTransfer](outboxtest.Drain(t, deps.Worker))
	require.Len(t, finalizes, 1)
	assert.Equal(t, int64(55), finalizes[0].TransferID)
	assert.Equal(t, int64(0), finalizes[0].CommittedAmount)
}

func TestParentShardRecordsAreDeleted(t *testing.T) {
	deps := newDeps("0.#")
	ctx := context.Background()

	var owned, sibling int64
	for id := int64(1); owned == 0 || sibling == 0; id++ {
		if deps.Realm.Match(id) {
			owned = id
		} else if deps.Realm.IsParentRecord(id) {
			sibling = id
		}
	}
	require.NoError(t, deps.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		for _, id := range []int64{owned, sibling} {
			if err := tx.UpsertClaim(ctx, &domain.DebtorLocatorClaim{
				DebtorID:               id,
				LatestDiscoveryFetchAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	s, err := New("debtor-locator-claims", deps)
	require.NoError(t, err)
	scanAll(t, s)

	require.NoError(t, deps.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		_, err := tx.GetClaim(ctx, owned)
		require.NoError(t, err)
		_, err = tx.GetClaim(ctx, sibling)
		assert.True(t, store.IsNotFound(err))
		return nil
	}))
}

func TestTurnsScan(t *testing.T) {
	deps := newDeps("#")
	ctx := context.Background()
	require.NoError(t, deps.Solver.Atomic(ctx, func(tx store.SolverTx) error {
		for _, turn := range []domain.Turn{
			{TurnID: 1, StartedAt: now.Add(-90 * 24 * time.Hour), Phase: domain.PhaseDone},
			{TurnID: 2, StartedAt: now.Add(-90 * 24 * time.Hour), Phase: domain.PhaseSettlement},
			{TurnID: 3, StartedAt: now.Add(-24 * time.Hour), Phase: domain.PhaseDone},
		} {
			if err := tx.InsertTurn(ctx, &turn); err != nil {
				return err
			}
		}
		return nil
	}))

	s, err := New("turns", deps)
	require.NoError(t, err)
	scanAll(t, s)

	require.NoError(t, deps.Solver.Atomic(ctx, func(tx store.SolverTx) error {
		rows, err := tx.ScanTurns(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, int32(2), rows[0].TurnID)
		assert.Equal(t, int32(3), rows[1].TurnID)
		return nil
	}))
}

func TestInterestRateChangesKeepRateInEffect(t *testing.T) {
	deps := newDeps("#")
	deps.Config.InterestRateMaxAge = 30 * 24 * time.Hour
	ctx := context.Background()
	day := 24 * time.Hour
	require.NoError(t, deps.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		for _, c := range []domain.InterestRateChange{
			{CreditorID: 1, DebtorID: 101, ChangeTS: now.Add(-100 * day), InterestRate: -1},
			{CreditorID: 1, DebtorID: 101, ChangeTS: now.Add(-90 * day), InterestRate: -2},
			{CreditorID: 1, DebtorID: 101, ChangeTS: now.Add(-10 * day), InterestRate: -3},
			{CreditorID: 2, DebtorID: 101, ChangeTS: now.Add(-100 * day), InterestRate: -4},
		} {
			if err := tx.InsertInterestRateChange(ctx, &c); err != nil {
				return err
			}
		}
		return nil
	}))

	s, err := New("interest-rate-changes", deps)
	require.NoError(t, err)
	scanAll(t, s)

	require.NoError(t, deps.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		rows, err := tx.ScanInterestRateChanges(ctx, firstRateCursor, 100)
		require.NoError(t, err)
		var rates []float64
		for _, r := range rows {
			rates = append(rates, r.InterestRate)
		}
		assert.Equal(t, []float64{-2, -3, -4}, rates)
		return nil
	}))
}
