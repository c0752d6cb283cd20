package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"swpttrade/internal/messages"
	"swpttrade/internal/store"
	"swpttrade/internal/store/memstore"
	"swpttrade/pkg/logger"
	"swpttrade/pkg/messaging"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg messaging.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockPublisher) Flush(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func queue(t *testing.T, st store.WorkerStore, msgs ...messages.Message) {
	t.Helper()
	w := NewWriter(messages.NewCodec(messages.Router{Prefix: "trade", SMPPrefix: "smp"}))
	err := st.Atomic(context.Background(), func(tx store.WorkerTx) error {
		return w.Send(context.Background(), tx, time.Now().UTC(), msgs...)
	})
	require.NoError(t, err)
}

func pending(t *testing.T, st store.WorkerStore) int {
	t.Helper()
	n := 0
	err := st.Atomic(context.Background(), func(tx store.WorkerTx) error {
		rows, err := tx.BurstOutgoingMessages(context.Background(), 0)
		n = len(rows)
		return err
	})
	require.NoError(t, err)
	return n
}

func TestFlushOnce_PublishesAndDeletes(t *testing.T) {
	st := memstore.NewWorkerStore()
	queue(t, st,
		&messages.NeededCollector{DebtorID: 101},
		&messages.FinalizeTransfer{CreditorID: 1, DebtorID: 101, CoordinatorType: "agent", TransferNoteFormat: "agent-1"},
	)

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(m messaging.Message) bool {
		return m.Headers[messages.HeaderMessageType] == messages.TypeNeededCollector && m.Mandatory
	})).Return(nil).Once()
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(m messaging.Message) bool {
		return m.Headers[messages.HeaderMessageType] == messages.TypeFinalizeTransfer &&
			m.Headers[messages.HeaderDebtorID] == "101" && m.Mandatory
	})).Return(nil).Once()
	pub.On("Flush", mock.Anything).Return(nil).Once()

	f := NewFlusher(st, pub, 10, logger.NewNop())
	n, err := f.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, pending(t, st))
	pub.AssertExpectations(t)
}

func TestFlushOnce_KeepsRowsOnPublishFailure(t *testing.T) {
	st := memstore.NewWorkerStore()
	queue(t, st, &messages.NeededCollector{DebtorID: 101})

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	f := NewFlusher(st, pub, 10, logger.NewNop())
	n, err := f.FlushOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, pending(t, st))
}

func TestRun_ReportsMoreWhenBurstIsFull(t *testing.T) {
	st := memstore.NewWorkerStore()
	queue(t, st, &messages.NeededCollector{DebtorID: 1}, &messages.NeededCollector{DebtorID: 2},
		&messages.NeededCollector{DebtorID: 3})

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	pub.On("Flush", mock.Anything).Return(nil)

	f := NewFlusher(st, pub, 2, logger.NewNop())
	more, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, more)

	more, err = f.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, 0, pending(t, st))
}
