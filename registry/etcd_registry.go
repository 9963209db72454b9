package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/tiny-ipc/workers/"

func instanceKey(instance WorkerInstance) string {
	return keyPrefix + instance.Name + "/" + instance.ID
}

func namePrefix(name string) string {
	return keyPrefix + name + "/"
}

// EtcdRegistry keeps live workers in etcd:
//
//	Key:   /tiny-ipc/workers/{Name}/{ID}
//	Value: JSON-encoded WorkerInstance
//
// Entries are attached to a TTL lease kept alive in the background. If the parent process
// crashes without closing its engines, the lease expires and the entries disappear.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.SugaredLogger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // instance key → lease, revoked on Deregister
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, log *zap.SugaredLogger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &EtcdRegistry{client: c, log: log, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Register stores the instance under a lease with the given TTL (seconds) and keeps the
// lease alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, instance WorkerInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(instance)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registering %s: %w", key, err)
	}

	// KeepAlive must outlive the caller's (usually short) registration context.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.log.Debugw("lease keepalive ended", "key", key)
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	return nil
}

// Deregister removes the instance and revokes its lease, which also stops the keepalive.
func (r *EtcdRegistry) Deregister(ctx context.Context, instance WorkerInstance) error {
	key := instanceKey(instance)

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("deregistering %s: %w", key, err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			return fmt.Errorf("revoking lease for %s: %w", key, err)
		}
	}
	return nil
}

// Discover returns every live instance registered under name.
func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]WorkerInstance, error) {
	resp, err := r.client.Get(ctx, namePrefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]WorkerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance WorkerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Debugw("skipping malformed registry entry", "key", string(kv.Key), "err", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list for name every time it changes, until ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []WorkerInstance {
	ch := make(chan []WorkerInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, namePrefix(name), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch rather than apply individual events.
			instances, err := r.Discover(ctx, name)
			if err != nil {
				r.log.Debugw("re-fetching workers after change", "name", name, "err", err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close releases the etcd client. Leases still held expire on their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
