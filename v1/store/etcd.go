package store

import (
	"context"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd implements Store using etcd v3 transactions. Expiry is backed by a
// lease, which etcd tracks in whole seconds, so TTLs are rounded up.
type Etcd struct {
	client *clientv3.Client
}

// NewEtcd returns a new etcd store using the provided client.
func NewEtcd(client *clientv3.Client) *Etcd {
	return &Etcd{client: client}
}

func leaseSeconds(ttl time.Duration) int64 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SetNX implements Store.SetNX. The key is written only if it has never been
// created or was deleted since, attached to a fresh lease.
func (e *Etcd) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	lease, err := e.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, err
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil || !resp.Succeeded {
		_, _ = e.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		return false, err
	}
	return true, nil
}

// Del implements Store.Del.
func (e *Etcd) Del(ctx context.Context, key string) error {
	_, err := e.client.Delete(ctx, key)
	return err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (e *Etcd) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", value)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}
	if !resp.Succeeded || len(resp.Responses) == 0 {
		return false, nil
	}
	return resp.Responses[0].GetResponseDeleteRange().GetDeleted() > 0, nil
}

// Get implements Store.Get.
func (e *Etcd) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}
