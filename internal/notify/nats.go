package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const flushTimeout = 5 * time.Second

// Publisher is the subset of *nats.Conn used by NATSChannel.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSChannel publishes approval requests as JSON on a NATS subject. The
// destination target is the subject, optionally under a configured prefix.
type NATSChannel struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
}

// NATSOption configures a NATSChannel.
type NATSOption func(*NATSChannel)

// WithSubjectPrefix publishes to "<prefix>.<target>".
func WithSubjectPrefix(prefix string) NATSOption {
	return func(c *NATSChannel) { c.prefix = prefix }
}

// DialNATS connects to url and returns a channel owning the connection.
func DialNATS(url string, opts ...NATSOption) (*NATSChannel, error) {
	nc, err := nats.Connect(url,
		nats.Name("ensemble"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	c := NewNATSChannel(nc, opts...)
	c.conn = nc
	return c, nil
}

// NewNATSChannel wraps an existing publisher. The caller keeps ownership of it.
func NewNATSChannel(pub Publisher, opts ...NATSOption) *NATSChannel {
	c := &NATSChannel{pub: pub}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *NATSChannel) Send(ctx context.Context, target string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := target
	if c.prefix != "" {
		subject = c.prefix + "." + target
	}
	if err := c.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	// FlushWithContext requires a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := c.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection when the channel owns it.
func (c *NATSChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
