// Package syncbus carries lock release notifications between processes so
// that optimistic waiters can retry as soon as a lock is freed instead of
// sleeping out their full interval. Notifications are hints: a lost or late
// message only delays a waiter, it never affects mutual exclusion.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by topic.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// UnlockTopic returns the topic a lock publishes on when its record is
// released.
func UnlockTopic(key string) string {
	return "unlock:" + key
}

// fanout tracks local subscriber channels per topic and delivers to them
// without blocking. Every Bus implementation embeds one.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// add registers a new subscriber channel for topic.
func (f *fanout) add(topic string) chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[string][]chan struct{})
	}
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch
}

// remove closes ch and reports whether it was the last subscriber of topic.
// Removing an unknown channel is a no-op.
func (f *fanout) remove(topic string, ch chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	found := false
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return true
	}
	f.subs[topic] = subs
	return false
}

// deliver signals every subscriber of topic. Sends happen under the lock so
// that remove cannot close a channel mid-send.
func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, topic)
	}
}

// Metrics returns the published and delivered counts. It waits for any
// in-flight delivery so a subscriber that has just been signalled observes
// its own delivery.
func (f *fanout) Metrics() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
	}
}

// unsubscribeOnDone removes ch once ctx ends.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a local implementation of Bus mainly for testing and for
// several mutexes sharing one process.
type InMemoryBus struct {
	fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.published.Add(1)
	b.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.remove(topic, ch)
	return nil
}
