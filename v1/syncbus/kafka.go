package syncbus

import (
	"context"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using Kafka topics. Only partition 0 is consumed,
// starting from the newest offset, so notifications sent before Subscribe
// are not replayed.
type KafkaBus struct {
	fanout
	producer sarama.SyncProducer
	consumer sarama.Consumer

	subMu sync.Mutex
	subs  map[string]sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return newKafkaBus(producer, consumer), nil
}

func newKafkaBus(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]sarama.PartitionConsumer),
	}
}

// kafkaTopic maps a bus topic onto the characters Kafka accepts in topic
// names ([a-zA-Z0-9._-]).
func kafkaTopic(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '.'
		}
	}, topic)
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	msg := &sarama.ProducerMessage{Topic: kafkaTopic(topic), Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.subs[topic] = pc
		go b.dispatch(pc, topic)
	}
	ch := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer, topic string) {
	for range pc.Messages() {
		b.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if !b.remove(topic, ch) {
		return nil
	}
	pc, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return pc.Close()
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.subMu.Lock()
	for topic, pc := range b.subs {
		_ = pc.Close()
		delete(b.subs, topic)
	}
	b.subMu.Unlock()
	b.closeAll()
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
