package syncbus

import (
	"os"
	"testing"

	sarama "github.com/IBM/sarama"
)

func TestKafkaBus(t *testing.T) {
	addr := os.Getenv("MUTEX_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("MUTEX_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	bus, err := NewKafkaBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	exerciseBus(t, bus, bus.Metrics)
}

func TestKafkaTopicSanitizesNames(t *testing.T) {
	if got := kafkaTopic("unlock:lock:jobs:worker/1"); got != "unlock.lock.jobs.worker.1" {
		t.Fatalf("unexpected topic %q", got)
	}
}
