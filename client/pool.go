package client

import (
	"context"
	"errors"
	"mqauth/broker"
	"mqauth/message"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("client pool closed")

// Pool lends Clients out exclusively, one call at a time each, over a shared
// broker connection. A single connection carries many reply queues; what
// must never be shared between concurrent calls is a reply queue.
//
// The pool is a buffered channel of idle clients. It starts empty and grows
// on demand up to max; at capacity Get blocks until a client is returned.
type Pool struct {
	mu      sync.Mutex
	idle    chan *Client
	freed   chan struct{}
	conn    broker.Connection
	intake  string
	timeout time.Duration
	max     int
	cur     int // clients created and not yet discarded
	closed  bool
	logger  *zap.Logger
}

func NewPool(conn broker.Connection, intake string, max int, logger *zap.Logger) *Pool {
	if max <= 0 {
		max = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		idle:   make(chan *Client, max),
		freed:  make(chan struct{}, max),
		conn:   conn,
		intake: intake,
		max:    max,
		logger: logger,
	}
}

// SetTimeout applies d to every client the pool creates from now on.
func (p *Pool) SetTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
}

// Get borrows a client:
//  1. take an idle one if there is one
//  2. otherwise create one if under max
//  3. otherwise wait for a Put or for ctx to end
func (p *Pool) Get(ctx context.Context) (*Client, error) {
	for {
		select {
		case c, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if p.stale(c) {
				continue
			}
			return c, nil
		default:
		}

		if c, created, err := p.tryCreate(); created || err != nil {
			return c, err
		}

		select {
		case c, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if p.stale(c) {
				continue
			}
			return c, nil
		case <-p.freed:
			// A discarded client left room to create a new one.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) tryCreate() (*Client, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPoolClosed
	}
	if p.cur >= p.max {
		return nil, false, nil
	}
	c, err := NewClient(p.conn, p.intake, p.logger)
	if err != nil {
		return nil, false, err
	}
	c.SetTimeout(p.timeout)
	p.cur++
	return c, true, nil
}

// Put returns a borrowed client. A client whose last call failed is closed
// and discarded, freeing a slot for a fresh one. A client that timed out is
// kept: its next Send declares a new reply queue.
func (p *Pool) Put(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || c.State() == StateFailed || c.conn != p.conn {
		p.discardLocked(c)
		return
	}
	p.idle <- c
}

// stale discards c if it was created on a connection the pool has since
// replaced.
func (p *Pool) stale(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.conn == p.conn {
		return false
	}
	p.discardLocked(c)
	return true
}

func (p *Pool) discardLocked(c *Client) {
	if err := c.Close(); err != nil {
		p.logger.Debug("close discarded client", zap.Error(err))
	}
	p.cur--
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Conn returns the connection new clients are created on.
func (p *Pool) Conn() broker.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Replace switches the pool to conn and returns the previous connection,
// which the caller closes. Idle clients on the old connection are closed
// now; borrowed ones are discarded when they come back.
func (p *Pool) Replace(conn broker.Connection) broker.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.conn
	p.conn = conn
	if p.closed {
		return old
	}
	for {
		select {
		case c := <-p.idle:
			p.discardLocked(c)
		default:
			return old
		}
	}
}

// Call borrows a client, performs one call and returns the client.
func (p *Pool) Call(ctx context.Context, op message.Operation, payload message.Payload) (*message.Response, error) {
	c, err := p.Get(ctx)
	if err != nil {
		kind := KindConnection
		if ctx.Err() != nil {
			kind = KindTimeout
		}
		return nil, &CallError{Kind: kind, Op: op, Err: err}
	}
	defer p.Put(c)
	return c.Call(ctx, op, payload)
}

// Close closes every idle client. Borrowed clients are closed when they are
// returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)
	var errs error
	for c := range p.idle {
		errs = multierr.Append(errs, c.Close())
		p.cur--
	}
	return errs
}
