// ==============================================================================
// OUTBOX - internal/outbox/outbox.go
// ==============================================================================
package outbox

import (
	"context"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/store"
	"swpttrade/pkg/logger"
	"swpttrade/pkg/messaging"
)

// Writer appends messages to the outbox inside the caller's transaction.
type Writer struct {
	codec *messages.Codec
}

func NewWriter(codec *messages.Codec) *Writer {
	return &Writer{codec: codec}
}

// Send encodes the messages and inserts them as outbox rows. They are
// published only if the surrounding transaction commits.
func (w *Writer) Send(ctx context.Context, tx store.WorkerTx, now time.Time, msgs ...messages.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows, err := w.codec.EncodeAll(msgs, now)
	if err != nil {
		return err
	}
	return tx.InsertOutgoingMessages(ctx, rows)
}

// Flusher publishes outbox rows and deletes them once the bus has them.
type Flusher struct {
	store     store.WorkerStore
	publisher messaging.Publisher
	burst     int
	logger    logger.Logger
}

func NewFlusher(st store.WorkerStore, publisher messaging.Publisher, burst int, log logger.Logger) *Flusher {
	if burst <= 0 {
		burst = 1000
	}
	return &Flusher{store: st, publisher: publisher, burst: burst, logger: log}
}

// FlushOnce publishes one burst of rows and reports how many were sent.
// On a publish failure the transaction rolls back and the rows stay queued.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	sent := 0
	err := f.store.Atomic(ctx, func(tx store.WorkerTx) error {
		sent = 0
		rows, err := tx.BurstOutgoingMessages(ctx, f.burst)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(rows))
		for i := range rows {
			if err := f.publisher.Publish(ctx, toBusMessage(&rows[i])); err != nil {
				return err
			}
			ids = append(ids, rows[i].ID)
		}
		if err := f.publisher.Flush(ctx); err != nil {
			return err
		}
		sent = len(ids)
		return tx.DeleteOutgoingMessages(ctx, ids)
	})
	if err != nil {
		f.logger.Error("Failed to flush outgoing messages", map[string]interface{}{
			"error": err.Error(),
		})
		return 0, err
	}
	if sent > 0 {
		f.logger.Debug("Flushed outgoing messages", map[string]interface{}{
			"count": sent,
		})
	}
	return sent, nil
}

// Run implements a poll loop step: it flushes until the outbox is drained.
func (f *Flusher) Run(ctx context.Context) (bool, error) {
	n, err := f.FlushOnce(ctx)
	return n >= f.burst, err
}

func toBusMessage(row *domain.OutgoingMessage) messaging.Message {
	return messaging.Message{
		Subject:   row.Subject,
		MessageID: row.MessageID,
		Headers:   messages.Headers(row),
		Body:      row.Body,
		Mandatory: row.Mandatory,
	}
}
