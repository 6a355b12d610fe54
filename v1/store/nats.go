package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

// NATS implements Store on top of a JetStream key-value bucket.
//
// JetStream expires entries per bucket, not per key, so the bucket MaxAge is
// the lock TTL and SetNX rejects any other TTL with ErrTTLMismatch.
// Compare-and-delete relies on the revision check of Delete(LastRevision),
// which fails if anyone wrote the key after it was read.
type NATS struct {
	kv  nats.KeyValue
	ttl time.Duration
}

// NewNATS binds to bucket, creating it with the given TTL when it does not
// exist yet. An existing bucket keeps its own TTL, which must equal ttl.
func NewNATS(js nats.JetStreamContext, bucket string, ttl time.Duration) (*NATS, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("nats store: %w: ttl must be positive", mutexerrors.ErrInvalidConfig)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			TTL:     ttl,
			Storage: nats.MemoryStorage,
		})
	}
	if err != nil {
		return nil, err
	}
	status, err := kv.Status()
	if err != nil {
		return nil, err
	}
	if status.TTL() != ttl {
		return nil, fmt.Errorf("nats store: bucket %q has ttl %s, want %s: %w", bucket, status.TTL(), ttl, mutexerrors.ErrTTLMismatch)
	}
	return &NATS{kv: kv, ttl: ttl}, nil
}

// encodeKey maps arbitrary lock keys onto the restricted NATS key alphabet.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func isWrongSequence(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

// SetNX implements Store.SetNX.
func (n *NATS) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl != n.ttl {
		return false, fmt.Errorf("nats store: requested %s, bucket expires after %s: %w", ttl, n.ttl, mutexerrors.ErrTTLMismatch)
	}
	_, err := n.kv.Create(encodeKey(key), []byte(value))
	if err == nil {
		return true, nil
	}
	if isWrongSequence(err) {
		return false, nil
	}
	return false, err
}

// Del implements Store.Del.
func (n *NATS) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := n.kv.Delete(encodeKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (n *NATS) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := encodeKey(key)
	entry, err := n.kv.Get(k)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(entry.Value()) != value {
		return false, nil
	}
	err = n.kv.Delete(k, nats.LastRevision(entry.Revision()))
	if err == nil {
		return true, nil
	}
	if isWrongSequence(err) {
		return false, nil
	}
	return false, err
}

// Get implements Store.Get.
func (n *NATS) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	entry, err := n.kv.Get(encodeKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(entry.Value()), true, nil
}
