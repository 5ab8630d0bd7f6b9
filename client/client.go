// Package client implements the caller side of the auth RPC: a blocking
// Send/Receive over an asynchronous broker.
//
// A Client is single-flight. It owns one private reply queue and has at most
// one request outstanding on it, so a reply can only ever be matched against
// the one correlation id the client is waiting for. Callers that need
// concurrency take separate clients from a Pool.
package client

import (
	"context"
	"errors"
	"fmt"
	"mqauth/broker"
	"mqauth/codec"
	"mqauth/message"
	"mqauth/transport"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds Receive when no other timeout is set.
const DefaultTimeout = 5 * time.Second

type Client struct {
	mu        sync.Mutex
	conn      broker.Connection
	intake    string
	timeout   time.Duration
	codec     codec.Codec
	transport *transport.ReplyTransport // nil until the next Send after a timeout or failure
	state     State
	closed    bool

	// current call
	op     message.Operation
	corrID string
	sentAt time.Time
	future <-chan transport.Result

	logger *zap.Logger
}

// NewClient declares the client's reply queue on conn. Requests go to the
// intake queue.
func NewClient(conn broker.Connection, intake string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		intake:  intake,
		timeout: DefaultTimeout,
		codec:   codec.GetCodec(codec.CodecTypeJSON),
		logger:  logger,
	}
	t, err := transport.NewReplyTransport(conn, logger)
	if err != nil {
		return nil, &CallError{Kind: KindConnection, Err: err}
	}
	c.transport = t
	return c, nil
}

// SetTimeout sets how long Receive waits after Send. d <= 0 restores
// DefaultTimeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		d = DefaultTimeout
	}
	c.timeout = d
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReplyQueue returns the current reply queue name, or "" if it was torn down
// and not yet recreated.
func (c *Client) ReplyQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return ""
	}
	return c.transport.Queue()
}

// Send publishes one request to the intake queue. The reply future is
// registered before publishing so a fast reply cannot be missed.
func (c *Client) Send(ctx context.Context, op message.Operation, payload message.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return &CallError{Kind: KindUsage, Op: op, Err: ErrClosed}
	case c.state.inFlight():
		return &CallError{Kind: KindUsage, Op: op, CorrelationID: c.corrID, Err: ErrCallInFlight}
	case !op.Valid():
		return &CallError{Kind: KindUsage, Op: op, Err: fmt.Errorf("unknown operation %q", op)}
	}
	if payload == nil {
		payload = message.Payload{}
	}

	body, err := c.codec.Encode(&message.Request{Operation: op, Payload: payload})
	if err != nil {
		return &CallError{Kind: KindProtocol, Op: op, Err: err}
	}

	if c.transport == nil {
		t, err := transport.NewReplyTransport(c.conn, c.logger)
		if err != nil {
			c.state = StateFailed
			return &CallError{Kind: KindConnection, Op: op, Err: err}
		}
		c.transport = t
	}

	corrID := uuid.Must(uuid.NewV4()).String()
	future := c.transport.Expect(corrID)
	env := &message.Envelope{
		CorrelationID: corrID,
		ContentType:   c.codec.ContentType(),
		Body:          body,
	}
	if err := c.transport.Publish(ctx, c.intake, env); err != nil {
		c.transport.Forget(corrID)
		c.dropTransport()
		c.state = StateFailed
		return &CallError{Kind: KindConnection, Op: op, CorrelationID: corrID, Err: err}
	}

	c.op, c.corrID, c.sentAt, c.future = op, corrID, time.Now(), future
	c.state = StateSent
	c.logger.Debug("request sent",
		zap.String("operation", string(op)),
		zap.String("correlation_id", corrID),
		zap.String("queue", c.intake))
	return nil
}

// Receive blocks until the reply to the last Send arrives, the call's
// deadline (send time plus timeout) passes, or ctx ends. On timeout the reply
// queue is deleted so a late reply has nowhere to land; the next Send
// declares a fresh one.
func (c *Client) Receive(ctx context.Context) (*message.Response, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, &CallError{Kind: KindUsage, Err: ErrClosed}
	case c.state == StateAwaiting:
		c.mu.Unlock()
		return nil, &CallError{Kind: KindUsage, Op: c.op, CorrelationID: c.corrID, Err: ErrCallInFlight}
	case c.state != StateSent:
		c.mu.Unlock()
		return nil, &CallError{Kind: KindUsage, Err: ErrNoCallInFlight}
	}
	c.state = StateAwaiting
	op, corrID, future, t := c.op, c.corrID, c.future, c.transport
	deadline := c.sentAt.Add(c.timeout)
	c.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var (
		res     transport.Result
		waitErr error
	)
	select {
	case res = <-future:
	case <-timer.C:
		waitErr = ErrTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if waitErr != nil {
		t.Forget(corrID)
		// The reply may have been routed just before Forget.
		select {
		case res = <-future:
			waitErr = nil
		default:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.future = nil
	log := c.logger.With(zap.String("operation", string(op)), zap.String("correlation_id", corrID))

	switch {
	case waitErr != nil:
		c.state = StateTimedOut
		if c.transport == t {
			c.dropTransport()
		}
		log.Warn("no reply before deadline", zap.Error(waitErr))
		return nil, &CallError{Kind: KindTimeout, Op: op, CorrelationID: corrID, Err: waitErr}
	case res.Err != nil:
		c.state = StateFailed
		if c.transport == t {
			c.dropTransport()
		}
		if c.closed {
			return nil, &CallError{Kind: KindUsage, Op: op, CorrelationID: corrID, Err: ErrClosed}
		}
		log.Error("call failed", zap.Error(res.Err))
		return nil, &CallError{Kind: KindConnection, Op: op, CorrelationID: corrID, Err: res.Err}
	}
	c.state = StateFulfilled
	log.Debug("reply received", zap.Bool("success", res.Response.Success))
	return res.Response, nil
}

// Call is Send followed by Receive.
func (c *Client) Call(ctx context.Context, op message.Operation, payload message.Payload) (*message.Response, error) {
	if err := c.Send(ctx, op, payload); err != nil {
		return nil, err
	}
	return c.Receive(ctx)
}

// Close deletes the reply queue. A Receive in progress fails with ErrClosed.
// The connection is left open; it belongs to whoever dialled it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}

// dropTransport tears down the reply queue. Called with mu held.
func (c *Client) dropTransport() {
	if err := c.transport.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
		c.logger.Warn("close reply transport", zap.Error(err))
	}
	c.transport = nil
}
