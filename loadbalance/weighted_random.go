package loadbalance

import (
	"math/rand/v2"
	"mqauth/registry"
)

// WeightedRandomBalancer picks a node with probability proportional to its
// Weight. Nodes with a non-positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(nodes []registry.BrokerNode) (*registry.BrokerNode, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	total := 0
	for _, n := range nodes {
		total += weightOf(n)
	}

	r := rand.IntN(total)
	for i := range nodes {
		r -= weightOf(nodes[i])
		if r < 0 {
			return &nodes[i], nil
		}
	}
	return &nodes[len(nodes)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(n registry.BrokerNode) int {
	if n.Weight <= 0 {
		return 1
	}
	return n.Weight
}
