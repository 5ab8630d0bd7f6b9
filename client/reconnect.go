package client

import (
	"context"
	"mqauth/broker"
	"mqauth/loadbalance"
	"mqauth/registry"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	minRedialDelay = 100 * time.Millisecond
	maxRedialDelay = 5 * time.Second
)

// Reconnector keeps a Pool attached to a live broker. It redials through the
// registry when the pool's connection goes away, and when the registry stops
// listing the node the pool is attached to.
type Reconnector struct {
	pool    *Pool
	reg     registry.Registry
	bal     loadbalance.Balancer
	service string
	dial    broker.DialFunc
	logger  *zap.Logger

	mu   sync.Mutex
	node string // name of the node the pool is attached to
}

func NewReconnector(pool *Pool, reg registry.Registry, bal loadbalance.Balancer, service string, dial broker.DialFunc, logger *zap.Logger) *Reconnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconnector{pool: pool, reg: reg, bal: bal, service: service, dial: dial, logger: logger}
}

// Attach records the node the pool's current connection goes to.
func (r *Reconnector) Attach(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.node = node
}

// Node returns the name of the node the pool is attached to.
func (r *Reconnector) Node() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node
}

// Run watches until ctx ends and returns ctx.Err().
func (r *Reconnector) Run(ctx context.Context) error {
	updates := r.reg.Watch(ctx, r.service)
	for {
		conn := r.pool.Conn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			r.logger.Warn("broker connection lost, redialing", zap.String("node", r.Node()))
			r.redial(ctx)
		case nodes, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if !listed(nodes, r.Node()) {
				r.logger.Info("broker node withdrawn, redialing", zap.String("node", r.Node()))
				r.redial(ctx)
			}
		}
	}
}

func listed(nodes []registry.BrokerNode, name string) bool {
	for _, n := range nodes {
		if n.Name == name {
			return true
		}
	}
	return false
}

// redial retries Connect with exponential backoff until it succeeds or ctx
// ends, then moves the pool onto the new connection.
func (r *Reconnector) redial(ctx context.Context) {
	delay := minRedialDelay
	for {
		conn, node, err := Connect(r.reg, r.bal, r.service, r.dial, r.logger)
		if err == nil {
			old := r.pool.Replace(conn)
			if err := old.Close(); err != nil {
				r.logger.Debug("close replaced connection", zap.Error(err))
			}
			r.Attach(node.Name)
			r.logger.Info("pool moved to broker", zap.String("node", node.Name))
			return
		}
		r.logger.Warn("redial failed", zap.Duration("retry_in", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRedialDelay)
	}
}
