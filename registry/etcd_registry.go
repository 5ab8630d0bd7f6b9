// Package registry provides broker node discovery.
//
// Nodes live in etcd under /mqauth/{service}/{name}, with the value a
// JSON-encoded BrokerNode. The worker registers the node it is attached to
// with a TTL lease; if it dies the lease expires and the entry disappears.
// Frontends Discover the list and Watch for changes.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/mqauth/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger *zap.Logger
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// NewEtcdRegistryFromClient wraps an existing client; Close does not close it.
func NewEtcdRegistryFromClient(c *clientv3.Client, logger *zap.Logger) *EtcdRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdRegistry{client: c, logger: logger}
}

func nodeKey(service, name string) string {
	return keyPrefix + service + "/" + name
}

// Register puts the node under a TTL lease and keeps the lease alive.
//
// leaseID is a local variable, NOT stored on the struct, so several nodes may
// share one EtcdRegistry without racing.
func (r *EtcdRegistry) Register(service string, node BrokerNode, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(node)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, nodeKey(service, node.Name), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("put %s: %w", node.Name, err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Info("broker node lease ended", zap.String("service", service), zap.String("node", node.Name))
	}()
	return nil
}

// Deregister removes a node. Called during graceful shutdown.
func (r *EtcdRegistry) Deregister(service string, name string) error {
	_, err := r.client.Delete(context.TODO(), nodeKey(service, name))
	return err
}

// Watch emits the full node list whenever the service prefix changes.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []BrokerNode {
	ch := make(chan []BrokerNode, 1)
	prefix := keyPrefix + service + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list; simpler than applying individual events.
			nodes, err := r.Discover(service)
			if err != nil {
				r.logger.Warn("rediscover after watch event failed", zap.Error(err))
				continue
			}
			select {
			case ch <- nodes:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered nodes for a service.
func (r *EtcdRegistry) Discover(service string) ([]BrokerNode, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]BrokerNode, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node BrokerNode
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			r.logger.Warn("malformed broker node skipped", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
