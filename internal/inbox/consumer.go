// ==============================================================================
// MESSAGE CONSUMER - internal/inbox/consumer.go
// ==============================================================================
package inbox

import (
	"context"
	"fmt"

	"swpttrade/internal/messages"
	"swpttrade/internal/sharding"
	pkgerrors "swpttrade/pkg/errors"
	"swpttrade/pkg/logger"
	"swpttrade/pkg/messaging"
)

// Handler processes one decoded message. Errors satisfying
// pkgerrors.IsTerminal drop the message, other errors redeliver it.
type Handler func(ctx context.Context, m messages.Message) error

// Consumer pulls messages from the bus, checks that they belong to the
// shard and hands them to the handler registered for their type.
type Consumer struct {
	source   messaging.Source
	codec    *messages.Codec
	realm    sharding.Realm
	batch    int
	handlers map[string]Handler
	logger   logger.Logger
}

func NewConsumer(source messaging.Source, codec *messages.Codec, realm sharding.Realm, batch int, log logger.Logger) *Consumer {
	if batch <= 0 {
		batch = 100
	}
	return &Consumer{
		source:   source,
		codec:    codec,
		realm:    realm,
		batch:    batch,
		handlers: make(map[string]Handler),
		logger:   log,
	}
}

// Handle registers the handler of a message type.
func (c *Consumer) Handle(msgType string, h Handler) {
	c.handlers[msgType] = h
}

// handle registers a handler that receives the concrete message type.
func handle[T messages.Message](c *Consumer, msgType string, fn func(context.Context, T) error) {
	c.Handle(msgType, func(ctx context.Context, m messages.Message) error {
		v, ok := m.(T)
		if !ok {
			return fmt.Errorf("%w: unexpected %T for %s", pkgerrors.ErrInvalidMessage, m, msgType)
		}
		return fn(ctx, v)
	})
}

// Run fetches and processes one batch. It reports whether the batch was
// full, that is whether more messages are likely waiting.
func (c *Consumer) Run(ctx context.Context) (bool, error) {
	deliveries, err := c.source.Fetch(ctx, c.batch)
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to fetch messages")
	}
	for _, d := range deliveries {
		if err := c.Process(ctx, d); err != nil {
			return false, err
		}
	}
	return len(deliveries) >= c.batch, nil
}

// Process handles a single delivery and acknowledges it. Only failures to
// acknowledge are returned.
func (c *Consumer) Process(ctx context.Context, d messaging.Delivery) error {
	err := c.dispatch(ctx, d.Data())
	switch {
	case err == nil:
		return d.Ack()
	case pkgerrors.IsTerminal(err):
		c.logger.Error("Dropping message", map[string]interface{}{
			"message_type": d.Header("message-type"),
			"error":        err.Error(),
		})
		return d.Term()
	default:
		c.logger.Warn("Message processing failed", map[string]interface{}{
			"message_type": d.Header("message-type"),
			"error":        err.Error(),
		})
		return d.Nak()
	}
}

func (c *Consumer) dispatch(ctx context.Context, data []byte) error {
	m, err := c.codec.Decode(data)
	if err != nil {
		return err
	}
	if key, ok := messages.ShardKeyOf(m); !ok || !key.Match(c.realm) {
		return fmt.Errorf("%w: %s", pkgerrors.ErrWrongShard, m.MessageType())
	}
	h, ok := c.handlers[m.MessageType()]
	if !ok {
		return fmt.Errorf("%w: %q", pkgerrors.ErrUnknownMessageType, m.MessageType())
	}
	return h(ctx, m)
}
