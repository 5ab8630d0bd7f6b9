package loadbalance

import (
	"mqauth/registry"
	"sync/atomic"
)

// RoundRobinBalancer cycles through nodes with an atomic counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(nodes []registry.BrokerNode) (*registry.BrokerNode, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	index := (b.counter.Add(1) - 1) % uint64(len(nodes))
	return &nodes[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
