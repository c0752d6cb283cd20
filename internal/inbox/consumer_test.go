package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swpttrade/internal/collectors"
	"swpttrade/internal/debtorinfo"
	"swpttrade/internal/dispatching"
	"swpttrade/internal/ledger"
	"swpttrade/internal/locks"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox/outboxtest"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store/memstore"
	"swpttrade/internal/transfers"
	"swpttrade/pkg/cache"
	"swpttrade/pkg/logger"
	"swpttrade/pkg/messaging"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeDelivery struct {
	data    []byte
	outcome string
}

func (d *fakeDelivery) Data() []byte { return d.data }
func (d *fakeDelivery) Header(string) string { return "" }
func (d *fakeDelivery) Ack() error { d.outcome = "ack"; return nil }
func (d *fakeDelivery) Nak() error { d.outcome = "nak"; return nil }
func (d *fakeDelivery) Term() error { d.outcome = "term"; return nil }

type fakeSource struct {
	deliveries []messaging.Delivery
}

func (s *fakeSource) Fetch(_ context.Context, batch int) ([]messaging.Delivery, error) {
	n := min(batch, len(s.deliveries))
	out := s.deliveries[:n]
	s.deliveries = s.deliveries[n:]
	return out, nil
}

type fixture struct {
	consumer *Consumer
	worker   *memstore.WorkerStore
	codec    *messages.Codec
	source   *fakeSource
}

func newFixture(t *testing.T, realm sharding.Realm) *fixture {
	t.Helper()
	f := &fixture{
		worker: memstore.NewWorkerStore(),
		codec:  messages.NewCodec(outboxtest.Router),
		source: &fakeSource{},
	}
	log := logger.NewNop()
	writer := outboxtest.NewWriter()
	f.consumer = NewConsumer(f.source, f.codec, realm, 2, log)
	Register(f.consumer, &Services{
		Store:       f.worker,
		Writer:      writer,
		Ledger:      ledger.NewService(f.worker, writer, log),
		DebtorInfo:  debtorinfo.NewService(f.worker, writer, nil, cache.Nop{}, realm, debtorinfo.Config{}, log),
		Collectors:  collectors.NewService(memstore.NewSolverStore(), f.worker, writer, realm, collectors.Config{}, log),
		Locks:       locks.NewService(f.worker, writer, locks.Config{}, log),
		Transfers:   transfers.NewService(f.worker, writer, transfers.Config{}, log),
		Dispatching: dispatching.NewService(f.worker, writer, dispatching.Config{}, log),
		Logger:      log,
		Now:         func() time.Time { return now },
	})
	return f
}

func (f *fixture) delivery(t *testing.T, m messages.Message) *fakeDelivery {
	t.Helper()
	row, err := f.codec.Encode(m, now)
	require.NoError(t, err)
	return &fakeDelivery{data: row.Body}
}

func unknownPrepared(coordinatorID int64) *messages.PreparedTransfer {
	return &messages.PreparedTransfer{
		CreditorID:           coordinatorID,
		DebtorID:             101,
		TransferID:           77,
		CoordinatorType:      messages.CoordinatorTypeAgent,
		CoordinatorID:        coordinatorID,
		CoordinatorRequestID: 5,
		LockedAmount:         1000,
		PreparedAt:           now,
		Deadline:             now.Add(24 * time.Hour),
	}
}

func TestUnknownPreparedTransferIsDismissed(t *testing.T) {
	f := newFixture(t, sharding.MustParseRealm("#"))
	d := f.delivery(t, unknownPrepared(1))

	require.NoError(t, f.consumer.Process(context.Background(), d))
	assert.Equal(t, "ack", d.outcome)

	finalizes := outboxtest.OfType[*messages.FinalizeTransfer](outboxtest.Drain(t, f.worker))
	require.Len(t, finalizes, 1)
	assert.Equal(t, int64(77), finalizes[0].TransferID)
	assert.Equal(t, int64(0), finalizes[0].CommittedAmount)
	assert.Equal(t, int64(5), finalizes[0].CoordinatorRequestID)
}

func TestForeignCoordinatorIsIgnored(t *testing.T) {
	f := newFixture(t, sharding.MustParseRealm("#"))
	m := unknownPrepared(1)
	m.CoordinatorType = "direct"
	d := f.delivery(t, m)

	require.NoError(t, f.consumer.Process(context.Background(), d))
	assert.Equal(t, "ack", d.outcome)
	assert.Empty(t, outboxtest.Drain(t, f.worker))
}

func TestMalformedMessagesAreTerminated(t *testing.T) {
	f := newFixture(t, sharding.MustParseRealm("#"))
	for _, data := range []string{
		`not json`,
		`{"type":"Nonsense","ts":"2025-03-10T12:00:00Z"}`,
		`{"type":"NeededCollector"}`,
	} {
		d := &fakeDelivery{data: []byte(data)}
		require.NoError(t, f.consumer.Process(context.Background(), d))
		assert.Equal(t, "term", d.outcome, data)
	}
}

func TestWrongShardIsTerminated(t *testing.T) {
	realm := sharding.MustParseRealm("0.#")
	f := newFixture(t, realm)

	var foreign int64
	for id := int64(1); id < 1000; id++ {
		if !realm.Match(id) {
			foreign = id
			break
		}
	}
	require.NotZero(t, foreign)

	d := f.delivery(t, unknownPrepared(foreign))
	require.NoError(t, f.consumer.Process(context.Background(), d))
	assert.Equal(t, "term", d.outcome)
	assert.Empty(t, outboxtest.Drain(t, f.worker))
}

func TestTransientFailureIsRedelivered(t *testing.T) {
	f := newFixture(t, sharding.MustParseRealm("#"))
	f.consumer.Handle(messages.TypeNeededCollector, func(context.Context, messages.Message) error {
		return errors.New("connection reset")
	})

	d := f.delivery(t, &messages.NeededCollector{DebtorID: 101})
	require.NoError(t, f.consumer.Process(context.Background(), d))
	assert.Equal(t, "nak", d.outcome)
}

func TestRunReportsFullBatches(t *testing.T) {
	f := newFixture(t, sharding.MustParseRealm("#"))
	var handled int
	f.consumer.Handle(messages.TypeNeededCollector, func(context.Context, messages.Message) error {
		handled++
		return nil
	})
	for i := 0; i < 3; i++ {
		f.source.deliveries = append(f.source.deliveries, f.delivery(t, &messages.NeededCollector{DebtorID: 101}))
	}

	more, err := f.consumer.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, more)

	more, err = f.consumer.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, 3, handled)
}
