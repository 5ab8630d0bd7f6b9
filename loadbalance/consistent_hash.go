package loadbalance

import (
	"fmt"
	"hash/crc32"
	"mqauth/registry"
	"sort"
	"sync"
)

// ConsistentHashBalancer maps keys onto a ring of broker nodes. The same key
// lands on the same node until the ring changes. Each node is placed on the
// ring replicas times to even out the spread.
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32
	nodes    map[uint32]registry.BrokerNode
}

func NewConsistentHashBalancer(replicas int) *ConsistentHashBalancer {
	if replicas <= 0 {
		replicas = 100
	}
	return &ConsistentHashBalancer{
		replicas: replicas,
		nodes:    make(map[uint32]registry.BrokerNode),
	}
}

// Add places node on the ring under the hashes of "{name}#{i}".
func (b *ConsistentHashBalancer) Add(node registry.BrokerNode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", node.Name, i)))
		if _, taken := b.nodes[hash]; !taken {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = node
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Reset replaces the ring contents, typically after a registry watch event.
func (b *ConsistentHashBalancer) Reset(nodes []registry.BrokerNode) {
	b.mu.Lock()
	b.ring = nil
	b.nodes = make(map[uint32]registry.BrokerNode)
	b.mu.Unlock()
	for _, n := range nodes {
		b.Add(n)
	}
}

// PickKey returns the first node clockwise from the key's hash.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.BrokerNode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoNodes
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	node := b.nodes[b.ring[idx]]
	return &node, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// Keyed adapts the ring to the Balancer interface for a fixed key.
// The node list passed to Pick replaces the ring when it changes size.
type Keyed struct {
	Ring *ConsistentHashBalancer
	Key  string

	mu   sync.Mutex
	seen int
}

func (k *Keyed) Pick(nodes []registry.BrokerNode) (*registry.BrokerNode, error) {
	k.mu.Lock()
	if len(nodes) != k.seen {
		k.Ring.Reset(nodes)
		k.seen = len(nodes)
	}
	k.mu.Unlock()
	return k.Ring.PickKey(k.Key)
}

func (k *Keyed) Name() string {
	return "ConsistentHash(" + k.Key + ")"
}
