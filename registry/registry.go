package registry

import "context"

// BrokerNode is one broker endpoint the frontends may connect to.
type BrokerNode struct {
	Name   string `json:"name" yaml:"name"`
	URL    string `json:"url" yaml:"url"`
	Weight int    `json:"weight" yaml:"weight"` // Weight for load balancing
}

type Registry interface {
	Register(service string, node BrokerNode, ttl int64) error
	Deregister(service string, name string) error
	Discover(service string) ([]BrokerNode, error)
	// Watch emits the node list of service after every change until ctx
	// ends, then closes the channel.
	Watch(ctx context.Context, service string) <-chan []BrokerNode
}
