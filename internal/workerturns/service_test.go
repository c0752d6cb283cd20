package workerturns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
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

type MockOffers struct {
	mock.Mock
}

func (m *MockOffers) RegisterCurrencies(ctx context.Context, turnID int32) error {
	return m.Called(ctx, turnID).Error(0)
}

func (m *MockOffers) GenerateOffers(ctx context.Context, turn *domain.WorkerTurn) (int, error) {
	args := m.Called(ctx, turn.TurnID)
	return args.Int(0), args.Error(1)
}

func (m *MockOffers) CommitOffers(ctx context.Context, turnID int32) error {
	return m.Called(ctx, turnID).Error(0)
}

type MockCollectors struct {
	mock.Mock
}

func (m *MockCollectors) SyncActiveCollectors(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fixture struct {
	s          *Service
	solver     *memstore.SolverStore
	worker     *memstore.WorkerStore
	offers     *MockOffers
	collectors *MockCollectors
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		solver:     memstore.NewSolverStore(),
		worker:     memstore.NewWorkerStore(),
		offers:     &MockOffers{},
		collectors: &MockCollectors{},
		clock:      now,
	}
	f.s = NewService(f.solver, f.worker, outboxtest.NewWriter(), f.offers, f.collectors,
		sharding.MustParseRealm("#"),
		Config{OffersCushion: 10 * time.Minute, TurnMaxAge: 30 * 24 * time.Hour},
		logger.NewNop())
	f.s.Now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) putTurn(t *testing.T, turn domain.Turn) {
	t.Helper()
	require.NoError(t, f.solver.Atomic(context.Background(), func(tx store.SolverTx) error {
		if _, err := tx.GetTurnForUpdate(context.Background(), turn.TurnID); err == nil {
			return tx.UpdateTurn(context.Background(), &turn)
		}
		return tx.InsertTurn(context.Background(), &turn)
	}))
}

func (f *fixture) workerTurn(t *testing.T, turnID int32) *domain.WorkerTurn {
	t.Helper()
	var wt *domain.WorkerTurn
	require.NoError(t, f.worker.Atomic(context.Background(), func(tx store.WorkerTx) error {
		var err error
		wt, err = tx.GetWorkerTurn(context.Background(), turnID)
		return err
	}))
	return wt
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	_, err := f.s.Run(context.Background())
	require.NoError(t, err)
}

func ptr[T any](v T) *T { return &v }

func phase1Turn() domain.Turn {
	return domain.Turn{
		TurnID:                1,
		StartedAt:             now.Add(-time.Hour),
		BaseDebtorInfoLocator: "https://example.com/101",
		BaseDebtorID:          101,
		MaxDistanceToBase:     10,
		MinTradeAmount:        1000,
		Phase:                 domain.PhaseDiscovery,
		PhaseDeadline:         ptr(now.Add(time.Hour)),
	}
}

func TestPhase1RegistersCurrencies(t *testing.T) {
	f := newFixture(t)
	f.putTurn(t, phase1Turn())
	f.offers.On("RegisterCurrencies", mock.Anything, int32(1)).Return(nil).Once()

	f.run(t)
	wt := f.workerTurn(t, 1)
	assert.Equal(t, domain.PhaseDiscovery, wt.Phase)
	assert.Equal(t, domain.WorkerTurnDone, wt.WorkerTurnSubphase)

	// Done subphases are not repeated.
	f.run(t)
	f.offers.AssertExpectations(t)
}

func TestPhase2CommitsOffersWithinCushion(t *testing.T) {
	f := newFixture(t)
	turn := phase1Turn()
	f.putTurn(t, turn)
	f.offers.On("RegisterCurrencies", mock.Anything, int32(1)).Return(nil)
	f.run(t)

	turn.Phase = domain.PhaseOffers
	turn.PhaseDeadline = ptr(now.Add(time.Hour))
	turn.CollectionDeadline = ptr(now.Add(48 * time.Hour))
	f.putTurn(t, turn)
	f.collectors.On("SyncActiveCollectors", mock.Anything).Return(nil).Once()
	f.offers.On("GenerateOffers", mock.Anything, int32(1)).Return(3, nil).Once()

	f.run(t)
	wt := f.workerTurn(t, 1)
	assert.Equal(t, domain.PhaseOffers, wt.Phase)
	assert.Equal(t, subphaseCommitted, wt.WorkerTurnSubphase)
	assert.Equal(t, now.Add(48*time.Hour), *wt.CollectionDeadline)

	// Too early to commit.
	f.run(t)
	f.offers.AssertNotCalled(t, "CommitOffers", mock.Anything, mock.Anything)

	f.clock = now.Add(50 * time.Minute)
	f.offers.On("CommitOffers", mock.Anything, int32(1)).Return(nil).Once()
	f.run(t)
	assert.Equal(t, domain.WorkerTurnDone, f.workerTurn(t, 1).WorkerTurnSubphase)

	f.offers.AssertExpectations(t)
	f.collectors.AssertExpectations(t)
}

func TestPhase2FailureKeepsSubphase(t *testing.T) {
	f := newFixture(t)
	turn := phase1Turn()
	turn.Phase = domain.PhaseOffers
	turn.CollectionDeadline = ptr(now.Add(48 * time.Hour))
	f.putTurn(t, turn)
	f.collectors.On("SyncActiveCollectors", mock.Anything).Return(assert.AnError)

	_, err := f.s.Run(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, subphaseStarted, f.workerTurn(t, 1).WorkerTurnSubphase)
	f.offers.AssertNotCalled(t, "GenerateOffers", mock.Anything, mock.Anything)
}

func TestPhase3CopiesSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	turn := phase1Turn()
	turn.Phase = domain.PhaseSettlement
	turn.PhaseDeadline = nil
	turn.CollectionStartedAt = ptr(now)
	turn.CollectionDeadline = ptr(now.Add(48 * time.Hour))
	f.putTurn(t, turn)

	const (
		seller    = int64(1)
		buyer     = int64(2)
		debtor    = int64(101)
		collector = int64(999)
	)
	require.NoError(t, f.solver.Atomic(ctx, func(tx store.SolverTx) error {
		return tx.InsertSettlement(ctx, &domain.Settlement{
			Takings: []domain.CreditorTaking{
				{TurnID: 1, CreditorID: seller, DebtorID: debtor, CreditorHash: sharding.CalcHash(seller), Amount: 5000, CollectorID: collector},
			},
			Givings: []domain.CreditorGiving{
				{TurnID: 1, CreditorID: buyer, DebtorID: debtor, CreditorHash: sharding.CalcHash(buyer), Amount: 5000, CollectorID: collector},
			},
			Collectings: []domain.CollectorCollecting{
				{TurnID: 1, DebtorID: debtor, CreditorID: seller, Amount: 5000, CollectorID: collector, CollectorHash: sharding.CalcHash(collector)},
			},
			Dispatchings: []domain.CollectorDispatching{
				{TurnID: 1, DebtorID: debtor, CreditorID: buyer, Amount: 5000, CollectorID: collector, CollectorHash: sharding.CalcHash(collector)},
			},
		})
	}))
	require.NoError(t, f.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		for _, creditorID := range []int64{seller, buyer} {
			if err := tx.InsertAccountLock(ctx, &domain.AccountLock{
				CreditorID:  creditorID,
				DebtorID:    debtor,
				TurnID:      1,
				CollectorID: collector,
				InitiatedAt: now.Add(-time.Hour),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	f.run(t)
	assert.Equal(t, subphaseCommitted, f.workerTurn(t, 1).WorkerTurnSubphase)

	require.NoError(t, f.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		p, err := tx.GetCreditorParticipation(ctx, seller, debtor, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(-5000), p.Amount)
		assert.Equal(t, collector, p.CollectorID)
		p, err = tx.GetCreditorParticipation(ctx, buyer, debtor, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), p.Amount)

		collectings, err := tx.ListWorkerCollectings(ctx, collector, 1, debtor)
		require.NoError(t, err)
		require.Len(t, collectings, 1)
		assert.Equal(t, now.Add(-time.Hour).Add(30*24*time.Hour), collectings[0].PurgeAfter)

		status, err := tx.GetDispatchingStatus(ctx, collector, 1, debtor)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), status.AmountToCollect)
		assert.Equal(t, int64(5000), status.AmountToDispatch)
		return nil
	}))

	msgs := outboxtest.Drain(t, f.worker)
	revisions := outboxtest.OfType[*messages.ReviseAccountLock](msgs)
	require.Len(t, revisions, 2)
	assert.Equal(t, seller, revisions[0].CreditorID)
	assert.Equal(t, buyer, revisions[1].CreditorID)

	// The second pass removes the copied rows from the solver.
	f.run(t)
	assert.Equal(t, domain.WorkerTurnDone, f.workerTurn(t, 1).WorkerTurnSubphase)
	require.NoError(t, f.solver.Atomic(ctx, func(tx store.SolverTx) error {
		n, err := tx.CountSettlementRows(ctx, 1)
		assert.Equal(t, 0, n)
		return err
	}))
	assert.Empty(t, outboxtest.Drain(t, f.worker))
}

func TestMirrorOfCollapsesPhase4(t *testing.T) {
	turn := phase1Turn()
	turn.Phase = domain.PhaseDone
	turn.PhaseDeadline = nil
	wt := mirrorOf(&turn)
	assert.Equal(t, domain.PhaseSettlement, wt.Phase)
	assert.Equal(t, subphaseStarted, wt.WorkerTurnSubphase)
}
