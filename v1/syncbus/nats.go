package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	fanout
	conn *nats.Conn

	subMu sync.Mutex
	subs  map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := b.conn.Publish(topic, []byte("1")); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before returning.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		sub, err := b.conn.Subscribe(topic, func(_ *nats.Msg) {
			b.deliver(topic)
		})
		if err != nil {
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
		b.subs[topic] = sub
	}
	ch := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if !b.remove(topic, ch) {
		return nil
	}
	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return sub.Unsubscribe()
}
