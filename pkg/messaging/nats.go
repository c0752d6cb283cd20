package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Message is an outbound message ready to be published.
type Message struct {
	Subject   string
	MessageID string
	Headers   map[string]string
	Body      []byte
	// Mandatory messages are published through JetStream and wait for the
	// publish acknowledgement.
	Mandatory bool
}

// Delivery is an inbound message that must be acknowledged exactly once.
type Delivery interface {
	Data() []byte
	Header(key string) string
	Ack() error
	// Nak asks for a redelivery.
	Nak() error
	// Term stops further redeliveries.
	Term() error
}

// Publisher publishes outbound messages.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
	Flush(ctx context.Context) error
}

// Source pulls batches of inbound messages.
type Source interface {
	Fetch(ctx context.Context, batch int) ([]Delivery, error)
}

// Client wraps a NATS connection with a JetStream context.
type Client struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	subs       map[string]*nats.Subscription
	mu         sync.RWMutex
	reconnects int
}

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient creates a new NATS client
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &Client{
		conn: conn,
		js:   js,
		subs: make(map[string]*nats.Subscription),
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		client.mu.Lock()
		client.reconnects++
		client.mu.Unlock()
	})

	return client, nil
}

// Publish sends m. Mandatory messages go through JetStream and return only
// after the stream has stored them; others are fire-and-forget until Flush.
func (c *Client) Publish(ctx context.Context, m Message) error {
	msg := nats.NewMsg(m.Subject)
	msg.Data = m.Body
	for k, v := range m.Headers {
		msg.Header.Set(k, v)
	}

	if m.Mandatory {
		opts := []nats.PubOpt{nats.Context(ctx)}
		if m.MessageID != "" {
			opts = append(opts, nats.MsgId(m.MessageID))
		}
		if _, err := c.js.PublishMsg(msg, opts...); err != nil {
			return fmt.Errorf("failed to publish %s: %w", m.Subject, err)
		}
		return nil
	}

	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", m.Subject, err)
	}
	return nil
}

// Flush waits until the server has processed all buffered publishes.
func (c *Client) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	return c.conn.FlushWithContext(ctx)
}

// EnsureStream creates the stream when it does not exist yet.
func (c *Client) EnsureStream(name string, subjects []string) error {
	if _, err := c.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PullSubscribe binds a durable pull consumer that receives the subjects
// matching filter.
func (c *Client) PullSubscribe(stream, durable, filter string) (*PullSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := "pull:" + durable
	if sub, exists := c.subs[key]; exists {
		return &PullSource{sub: sub, maxWait: 2 * time.Second}, nil
	}

	sub, err := c.js.PullSubscribe(filter, durable,
		nats.BindStream(stream),
		nats.AckExplicit(),
		nats.MaxDeliver(-1),
		nats.AckWait(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pull subscribe: %w", err)
	}

	c.subs[key] = sub
	return &PullSource{sub: sub, maxWait: 2 * time.Second}, nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns number of reconnections
func (c *Client) Reconnects() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnects
}

// Close drains the subscriptions and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, key)
	}

	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}

// PullSource fetches batches from a pull consumer.
type PullSource struct {
	sub     *nats.Subscription
	maxWait time.Duration
}

// Fetch returns up to batch messages. An empty result means nothing arrived
// within the wait interval.
func (s *PullSource) Fetch(ctx context.Context, batch int) ([]Delivery, error) {
	wait := s.maxWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := s.sub.Fetch(batch, nats.Context(fetchCtx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, natsDelivery{msg: m})
	}
	return out, nil
}

type natsDelivery struct {
	msg *nats.Msg
}

func (d natsDelivery) Data() []byte { return d.msg.Data }

func (d natsDelivery) Header(key string) string {
	if d.msg.Header == nil {
		return ""
	}
	return d.msg.Header.Get(key)
}

func (d natsDelivery) Ack() error  { return d.msg.Ack() }
func (d natsDelivery) Nak() error  { return d.msg.Nak() }
func (d natsDelivery) Term() error { return d.msg.Term() }
