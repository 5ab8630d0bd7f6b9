package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// StaticRegistry keeps nodes in memory, for deployments configured with a
// fixed broker list.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string][]BrokerNode
	watchers map[string][]chan []BrokerNode
}

// NewStaticRegistry returns a registry whose service already lists nodes.
func NewStaticRegistry(service string, nodes ...BrokerNode) *StaticRegistry {
	r := &StaticRegistry{
		services: make(map[string][]BrokerNode),
		watchers: make(map[string][]chan []BrokerNode),
	}
	for _, n := range nodes {
		r.Register(service, n, 0)
	}
	return r
}

// Register adds or replaces the node with the same name. ttl is ignored.
func (r *StaticRegistry) Register(service string, node BrokerNode, ttl int64) error {
	if node.Name == "" {
		return fmt.Errorf("broker node for %q has no name", service)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := r.services[service]
	for i := range nodes {
		if nodes[i].Name == node.Name {
			nodes[i] = node
			r.notifyLocked(service)
			return nil
		}
	}
	r.services[service] = append(nodes, node)
	r.notifyLocked(service)
	return nil
}

func (r *StaticRegistry) Deregister(service string, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := r.services[service]
	for i, n := range nodes {
		if n.Name == name {
			r.services[service] = append(nodes[:i:i], nodes[i+1:]...)
			r.notifyLocked(service)
			break
		}
	}
	return nil
}

func (r *StaticRegistry) Discover(service string) ([]BrokerNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BrokerNode(nil), r.services[service]...), nil
}

// Watch emits the node list after every change.
func (r *StaticRegistry) Watch(ctx context.Context, service string) <-chan []BrokerNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []BrokerNode, 1)
	r.watchers[service] = append(r.watchers[service], ch)

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[service] = slices.DeleteFunc(r.watchers[service], func(w chan []BrokerNode) bool { return w == ch })
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) notifyLocked(service string) {
	snapshot := append([]BrokerNode(nil), r.services[service]...)
	for _, ch := range r.watchers[service] {
		// Keep only the latest snapshot for slow watchers.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
