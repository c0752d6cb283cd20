package dispatching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox/outboxtest"
	"swpttrade/internal/store"
	"swpttrade/internal/store/memstore"
	"swpttrade/internal/transfernote"
	"swpttrade/pkg/logger"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

const (
	collector = int64(999)
	debtor    = int64(101)
)

func ptr[T any](v T) *T { return &v }

func TestDerivedAmounts_PartialCollection(t *testing.T) {
	s := &domain.DispatchingStatus{
		AmountToCollect:      1000,
		TotalCollectedAmount: ptr(int64(800)),
		AmountToSend:         600,
		AmountToReceive:      300,
		TotalReceivedAmount:  ptr(int64(300)),
		AmountToDispatch:     700,
	}
	assert.Equal(t, int64(200), MissingCollectedAmount(s))
	assert.Equal(t, int64(400), AvailableAmountToSend(s))
	assert.Equal(t, int64(200), HoardedCollectedAmount(s))
	assert.Equal(t, int64(0), MissingReceivedAmount(s))
	assert.Equal(t, int64(700), AvailableAmountToDispatch(s))
}

func TestDerivedAmounts_NothingCollected(t *testing.T) {
	s := &domain.DispatchingStatus{
		AmountToCollect:      1000,
		TotalCollectedAmount: ptr(int64(0)),
		AmountToSend:         600,
		AmountToReceive:      300,
		TotalReceivedAmount:  ptr(int64(100)),
		AmountToDispatch:     700,
	}
	assert.Equal(t, int64(0), AvailableAmountToSend(s))
	assert.Equal(t, int64(600), HoardedCollectedAmount(s))
	assert.Equal(t, int64(200), MissingReceivedAmount(s))
	assert.Equal(t, int64(100), AvailableAmountToDispatch(s))
	assert.LessOrEqual(t, AvailableAmountToDispatch(s), s.AmountToDispatch)
}

func TestBuildStatuses(t *testing.T) {
	statuses := BuildStatuses(
		[]domain.WorkerCollecting{
			{CollectorID: collector, TurnID: 1, DebtorID: debtor, CreditorID: 1, Amount: 800},
			{CollectorID: collector, TurnID: 1, DebtorID: debtor, CreditorID: 3, Amount: 200},
		},
		[]domain.WorkerSending{{FromCollectorID: collector, TurnID: 1, DebtorID: debtor, ToCollectorID: 998, Amount: 600}},
		[]domain.WorkerReceiving{
			{ToCollectorID: collector, TurnID: 1, DebtorID: debtor, FromCollectorID: 997, ExpectedAmount: 300},
			{ToCollectorID: 998, TurnID: 1, DebtorID: debtor, FromCollectorID: collector, ExpectedAmount: 600},
		},
		[]domain.WorkerDispatching{{CollectorID: collector, TurnID: 1, DebtorID: debtor, CreditorID: 2, Amount: 700}},
	)
	require.Len(t, statuses, 2)
	assert.Equal(t, domain.DispatchingStatus{
		CollectorID:      collector,
		TurnID:           1,
		DebtorID:         debtor,
		AmountToCollect:  1000,
		AmountToSend:     600,
		AmountToReceive:  300,
		NumberToReceive:  1,
		AmountToDispatch: 700,
	}, statuses[0])
	assert.Equal(t, int64(998), statuses[1].CollectorID)
	assert.Equal(t, int64(600), statuses[1].AmountToReceive)
}

type fixture struct {
	s     *Service
	st    *memstore.WorkerStore
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{st: memstore.NewWorkerStore(), clock: now}
	f.s = NewService(f.st, outboxtest.NewWriter(), Config{MaxCommitPeriod: 24 * time.Hour, BurstCount: 10}, logger.NewNop())
	f.s.Now = func() time.Time { return f.clock }

	collectings := []domain.WorkerCollecting{
		{CollectorID: collector, TurnID: 1, DebtorID: debtor, CreditorID: 1, Amount: 800},
		{CollectorID: collector, TurnID: 1, DebtorID: debtor, CreditorID: 3, Amount: 200},
	}
	sendings := []domain.WorkerSending{{FromCollectorID: collector, TurnID: 1, DebtorID: debtor, ToCollectorID: 998, Amount: 600}}
	receivings := []domain.WorkerReceiving{{ToCollectorID: collector, TurnID: 1, DebtorID: debtor, FromCollectorID: 997, ExpectedAmount: 300}}
	dispatchings := []domain.WorkerDispatching{{CollectorID: collector, TurnID: 1, DebtorID: debtor, CreditorID: 2, Amount: 700}}

	ctx := context.Background()
	require.NoError(t, f.st.Atomic(ctx, func(tx store.WorkerTx) error {
		require.NoError(t, tx.InsertWorkerTurn(ctx, &domain.WorkerTurn{
			TurnID:              1,
			Phase:               domain.PhaseSettlement,
			CollectionStartedAt: ptr(now.Add(-time.Hour)),
			CollectionDeadline:  ptr(now.Add(24 * time.Hour)),
		}))
		require.NoError(t, tx.InsertWorkerCollectings(ctx, collectings))
		require.NoError(t, tx.InsertWorkerSendings(ctx, sendings))
		require.NoError(t, tx.InsertWorkerReceivings(ctx, receivings))
		require.NoError(t, tx.InsertWorkerDispatchings(ctx, dispatchings))
		return tx.InsertDispatchingStatuses(ctx, BuildStatuses(collectings, sendings, receivings, dispatchings))
	}))
	return f
}

func (f *fixture) status(t *testing.T) *domain.DispatchingStatus {
	t.Helper()
	var s *domain.DispatchingStatus
	require.NoError(t, f.st.Atomic(context.Background(), func(tx store.WorkerTx) error {
		var err error
		s, err = tx.GetDispatchingStatus(context.Background(), collector, 1, debtor)
		return err
	}))
	return s
}

func (f *fixture) attempts(t *testing.T, isDispatching bool) []domain.TransferAttempt {
	t.Helper()
	var rows []domain.TransferAttempt
	require.NoError(t, f.st.Atomic(context.Background(), func(tx store.WorkerTx) error {
		var err error
		rows, err = tx.ListTransferAttempts(context.Background(), collector, 1, debtor, isDispatching)
		return err
	}))
	return rows
}

func (f *fixture) finalizeAll(t *testing.T, isDispatching bool) {
	t.Helper()
	require.NoError(t, f.st.Atomic(context.Background(), func(tx store.WorkerTx) error {
		rows, err := tx.ListTransferAttempts(context.Background(), collector, 1, debtor, isDispatching)
		if err != nil {
			return err
		}
		for i := range rows {
			rows[i].FinalizedAt = &f.clock
			if err := tx.UpdateTransferAttempt(context.Background(), &rows[i]); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (f *fixture) tick(t *testing.T) []messages.Message {
	t.Helper()
	_, err := f.s.ProcessDispatching(context.Background())
	require.NoError(t, err)
	return outboxtest.Drain(t, f.st)
}

func arrival(kind transfernote.Kind, fromID, amount int64) *messages.AccountTransfer {
	return &messages.AccountTransfer{
		CreditorID:         collector,
		DebtorID:           debtor,
		TransferNumber:     5,
		CoordinatorType:    messages.CoordinatorTypeAgent,
		AcquiredAmount:     amount,
		TransferNoteFormat: transfernote.Format,
		TransferNote:       transfernote.Note{TurnID: 1, Kind: kind, FirstID: fromID, SecondID: collector}.Encode(),
		CommittedAt:        now,
	}
}

func TestPartialDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.s.ProcessAccountTransfer(ctx, arrival(transfernote.Collecting, 1, 800)))
	assert.Empty(t, f.tick(t))
	assert.False(t, f.status(t).StartedSending)

	// Creditor 3 never delivers.
	f.clock = now.Add(24 * time.Hour)
	msgs := f.tick(t)
	status := f.status(t)
	assert.True(t, status.StartedSending)
	assert.Equal(t, int64(800), *status.TotalCollectedAmount)
	assert.Equal(t, int64(400), AvailableAmountToSend(status))
	assert.Equal(t, int64(200), HoardedCollectedAmount(status))
	assert.False(t, status.AllSent)

	sends := f.attempts(t, false)
	require.Len(t, sends, 1)
	assert.Equal(t, int64(998), sends[0].CreditorID)
	assert.Equal(t, int64(400), sends[0].NominalAmount)
	assert.Equal(t, now.Add(-time.Hour), sends[0].CollectionStartedAt)
	assert.Empty(t, sends[0].Recipient)
	requests := outboxtest.OfType[*messages.AccountIDRequest](msgs)
	require.Len(t, requests, 1)
	assert.Equal(t, int64(998), requests[0].CreditorID)
	assert.False(t, requests[0].IsDispatching)

	f.finalizeAll(t, false)
	require.NoError(t, f.s.ProcessAccountTransfer(ctx, arrival(transfernote.Sending, 997, 300)))
	msgs = f.tick(t)
	status = f.status(t)
	assert.True(t, status.AllSent)
	assert.Equal(t, int64(300), *status.TotalReceivedAmount)
	assert.True(t, status.StartedDispatching)
	assert.Equal(t, int64(700), AvailableAmountToDispatch(status))

	dispatches := f.attempts(t, true)
	require.Len(t, dispatches, 1)
	assert.Equal(t, int64(2), dispatches[0].CreditorID)
	assert.Equal(t, int64(700), dispatches[0].NominalAmount)
	require.Len(t, outboxtest.OfType[*messages.AccountIDRequest](msgs), 1)

	// Dispatched statuses are not scanned again.
	assert.Empty(t, f.tick(t))
}

func TestFullCollectionStartsSendingEarly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.s.ProcessAccountTransfer(ctx, arrival(transfernote.Collecting, 1, 800)))
	require.NoError(t, f.s.ProcessAccountTransfer(ctx, arrival(transfernote.Collecting, 3, 200)))
	f.tick(t)
	status := f.status(t)
	assert.True(t, status.StartedSending)
	assert.Equal(t, int64(1000), *status.TotalCollectedAmount)
	assert.Equal(t, int64(600), f.attempts(t, false)[0].NominalAmount)

	// All sent, but the receiving has not arrived before the deadline.
	f.finalizeAll(t, false)
	f.tick(t)
	status = f.status(t)
	assert.True(t, status.AllSent)
	assert.Nil(t, status.TotalReceivedAmount)
	assert.False(t, status.StartedDispatching)

	f.clock = now.Add(48 * time.Hour)
	f.tick(t)
	status = f.status(t)
	assert.Equal(t, int64(0), *status.TotalReceivedAmount)
	assert.True(t, status.StartedDispatching)
	assert.Equal(t, int64(400), f.attempts(t, true)[0].NominalAmount)
}

func TestProcessAccountTransfer_IgnoresForeignTransfers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outgoing := arrival(transfernote.Collecting, 1, -800)
	require.NoError(t, f.s.ProcessAccountTransfer(ctx, outgoing))
	direct := arrival(transfernote.Collecting, 1, 800)
	direct.CoordinatorType = "direct"
	require.NoError(t, f.s.ProcessAccountTransfer(ctx, direct))
	garbled := arrival(transfernote.Collecting, 1, 800)
	garbled.TransferNote = "hello"
	require.NoError(t, f.s.ProcessAccountTransfer(ctx, garbled))

	f.tick(t)
	assert.False(t, f.status(t).StartedSending)
}
