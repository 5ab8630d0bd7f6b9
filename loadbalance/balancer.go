// Package loadbalance chooses which broker node a frontend connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal brokers, spread connections evenly
//   - WeightedRandom:  brokers of different capacity
//   - ConsistentHash:  pin a key (frontend id, tenant) to one broker
package loadbalance

import (
	"errors"
	"mqauth/registry"
)

// ErrNoNodes is returned when there is nothing to pick from.
var ErrNoNodes = errors.New("no broker nodes available")

// Balancer selects one broker node. Pick must be goroutine-safe.
type Balancer interface {
	Pick(nodes []registry.BrokerNode) (*registry.BrokerNode, error)
	Name() string
}

// New returns the balancer for a configured strategy name.
// Unknown names fall back to round robin.
func New(strategy string) Balancer {
	switch strategy {
	case "weighted", "weighted_random":
		return &WeightedRandomBalancer{}
	default:
		return &RoundRobinBalancer{}
	}
}
