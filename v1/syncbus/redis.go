package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus using Redis pub/sub. Each topic with at least one
// local subscriber holds one Redis subscription.
type RedisBus struct {
	fanout
	client redis.UniversalClient

	subMu sync.Mutex
	subs  map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so a Publish issued afterwards is not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		ps := b.client.Subscribe(context.Background(), topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.subs[topic] = ps
		go b.dispatch(ps, topic)
	}
	ch := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub, topic string) {
	for range ps.Channel() {
		b.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if !b.remove(topic, ch) {
		return nil
	}
	ps, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return ps.Close()
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	var firstErr error
	for topic, ps := range b.subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.subs, topic)
	}
	b.closeAll()
	return firstErr
}
