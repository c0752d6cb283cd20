// Package outboxtest provides helpers for inspecting the outbox in tests.
package outboxtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"swpttrade/internal/messages"
	"swpttrade/internal/outbox"
	"swpttrade/internal/store"
)

// Router is the subject layout used by tests.
var Router = messages.Router{Prefix: "trade", SMPPrefix: "smp"}

// NewWriter returns an outbox writer using the test router.
func NewWriter() *outbox.Writer {
	return outbox.NewWriter(messages.NewCodec(Router))
}

// Drain removes every queued message and returns them in insertion order.
func Drain(t *testing.T, st store.WorkerStore) []messages.Message {
	t.Helper()
	var msgs []messages.Message
	ctx := context.Background()
	require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
		msgs = nil
		rows, err := tx.BurstOutgoingMessages(ctx, 0)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			m, err := messages.Unmarshal(row.MessageType, row.Body)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
			ids = append(ids, row.ID)
		}
		return tx.DeleteOutgoingMessages(ctx, ids)
	}))
	return msgs
}

// OfType filters msgs down to those of type T.
func OfType[T messages.Message](msgs []messages.Message) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
