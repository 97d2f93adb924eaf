package statestore

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tunnelmesh/fleet/internal/metrics"
)

// Etcd is an etcd-backed StateStore for multi-process deployments. TTLs are
// implemented with etcd leases: every Put with a ttl grants a fresh lease, so
// re-putting an entry renews its expiry window. Writes are linearized by
// etcd, so concurrent overwrites from multiple control-plane replicas are
// safe.
type Etcd struct {
	client *clientv3.Client
}

// NewEtcd dials the etcd cluster at endpoints and returns a ready store. The
// caller must call Close when finished.
func NewEtcd(endpoints []string, dialTimeout time.Duration) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &Etcd{client: client}, nil
}

func (s *Etcd) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	metrics.StateStoreOps.WithLabelValues("put").Inc()

	var opts []clientv3.OpOption
	if ttl > 0 {
		// Lease TTLs are whole seconds; round up so short TTLs still expire
		// after, not before, the requested window.
		seconds := int64((ttl + time.Second - 1) / time.Second)
		lease, err := s.client.Grant(ctx, seconds)
		if err != nil {
			return fmt.Errorf("etcd lease grant: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	if _, err := s.client.Put(ctx, key, string(value), opts...); err != nil {
		return fmt.Errorf("etcd put %q: %w", key, err)
	}
	return nil
}

func (s *Etcd) Get(ctx context.Context, key string) ([]byte, bool, error) {
	metrics.StateStoreOps.WithLabelValues("get").Inc()

	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (s *Etcd) Delete(ctx context.Context, key string) error {
	metrics.StateStoreOps.WithLabelValues("delete").Inc()

	if _, err := s.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd delete %q: %w", key, err)
	}
	return nil
}

func (s *Etcd) List(ctx context.Context, prefix string) ([]Entry, error) {
	metrics.StateStoreOps.WithLabelValues("list").Inc()

	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", prefix, err)
	}
	out := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, Entry{Key: string(kv.Key), Value: kv.Value})
	}
	return out, nil
}

func (s *Etcd) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	metrics.StateStoreOps.WithLabelValues("list_keys").Inc()

	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("etcd list keys %q: %w", prefix, err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	return keys, nil
}

// Close releases the underlying etcd client connection.
func (s *Etcd) Close() error {
	return s.client.Close()
}
