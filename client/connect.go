package client

import (
	"errors"
	"fmt"
	"mqauth/broker"
	"mqauth/loadbalance"
	"mqauth/registry"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Connect discovers the broker nodes of service, dials the one the balancer
// picks and falls back to the remaining nodes in list order if that fails.
func Connect(reg registry.Registry, bal loadbalance.Balancer, service string, dial broker.DialFunc, logger *zap.Logger) (broker.Connection, *registry.BrokerNode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nodes, err := reg.Discover(service)
	if err != nil {
		return nil, nil, fmt.Errorf("discover %s: %w", service, err)
	}
	first, err := bal.Pick(nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("pick broker for %s: %w", service, err)
	}

	order := []registry.BrokerNode{*first}
	for _, n := range nodes {
		if n.Name != first.Name {
			order = append(order, n)
		}
	}

	var errs error
	for i := range order {
		node := order[i]
		conn, err := dial(node.URL)
		if err == nil {
			logger.Info("connected to broker", zap.String("node", node.Name), zap.String("balancer", bal.Name()))
			return conn, &node, nil
		}
		logger.Warn("broker dial failed", zap.String("node", node.Name), zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", node.Name, err))
	}
	return nil, nil, errors.Join(ErrConnection, errs)
}
