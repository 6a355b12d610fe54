package store

import (
	"context"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

func runJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		s.Shutdown()
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		s.Shutdown()
	})
	js, err := conn.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	return js
}


func TestNATSStore(t *testing.T) {
	js := runJetStream(t)
	s, err := NewNATS(js, "locks", time.Minute)
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	runStoreSuite(t, s, time.Minute, nil)
}

func TestNATSStoreRejectsOtherTTL(t *testing.T) {
	js := runJetStream(t)
	s, err := NewNATS(js, "locks", time.Minute)
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	_, err = s.SetNX(context.Background(), "lock:a:1", "tok", time.Second)
	if !errors.Is(err, mutexerrors.ErrTTLMismatch) {
		t.Fatalf("expected ErrTTLMismatch, got %v", err)
	}
	if _, err := NewNATS(js, "locks", time.Second); !errors.Is(err, mutexerrors.ErrTTLMismatch) {
		t.Fatalf("expected ErrTTLMismatch rebinding bucket, got %v", err)
	}
}

func TestEncodeKeyIsNATSSafe(t *testing.T) {
	k := encodeKey("lock:orders:worker 1")
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			t.Fatalf("invalid rune %q in %q", r, k)
		}
	}
}
