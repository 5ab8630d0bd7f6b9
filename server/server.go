// Package server implements the auth worker: it consumes requests from the
// shared intake queue, dispatches them to registered operation handlers and
// publishes each response to the request's reply_to queue.
//
// Request processing pipeline:
//
//	intake queue → Serve loop (single reader of the delivery stream)
//	  → for each delivery: go handleDelivery (parallel processing)
//	    → Codec.Decode → Middleware Chain → operation handler (reflect.Call)
//	    → Codec.Encode → publish to reply_to → Ack
//
// A request is acknowledged only after its reply has been published, so a
// worker that dies mid-request leaves it to be redelivered. Handlers must
// therefore tolerate seeing the same request twice.
package server

import (
	"context"
	"errors"
	"fmt"
	"mqauth/broker"
	"mqauth/codec"
	"mqauth/message"
	"mqauth/middleware"
	"mqauth/registry"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrStreamEnded is returned by Serve when the broker stops delivering
// without Shutdown having been called.
var ErrStreamEnded = errors.New("server: delivery stream ended")

// DefaultPrefetch bounds unacknowledged requests held by one worker.
const DefaultPrefetch = 16

type Server struct {
	conn        broker.Connection
	ch          broker.Channel
	consumer    string
	operations  map[message.Operation]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))
	prefetch    int

	mu       sync.Mutex // guards ch and consumer
	ready    chan struct{}
	wg       sync.WaitGroup // in-flight deliveries
	shutdown atomic.Bool
	stopped  chan struct{}
	serveErr error

	ctx    context.Context // cancelled if Shutdown gives up waiting
	cancel context.CancelFunc

	registry registry.Registry // nil unless Advertise was called
	service  string
	node     registry.BrokerNode

	logger *zap.Logger
}

func NewServer(conn broker.Connection, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		conn:       conn,
		operations: make(map[message.Operation]*service),
		prefetch:   DefaultPrefetch,
		ready:      make(chan struct{}),
		stopped:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

// Register exposes the operation handlers of rcvr. Two receivers may not
// serve the same operation.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	for op := range svc.method {
		if prev, dup := svr.operations[op]; dup {
			return fmt.Errorf("server: operation %s already served by %s", op, prev.name)
		}
	}
	for op := range svc.method {
		svr.operations[op] = svc
		svr.logger.Debug("operation registered", zap.String("operation", string(op)), zap.String("service", svc.name))
	}
	return nil
}

// Use registers a middleware. Middlewares run in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// SetPrefetch sets how many unacknowledged requests the broker may push to
// this worker. Call before Start.
func (svr *Server) SetPrefetch(n int) {
	if n > 0 {
		svr.prefetch = n
	}
}

// Advertise registers the broker node this worker serves through, so
// frontends can discover it. Shutdown deregisters it first.
func (svr *Server) Advertise(reg registry.Registry, service string, node registry.BrokerNode, ttl int64) error {
	if err := reg.Register(service, node, ttl); err != nil {
		return err
	}
	svr.registry, svr.service, svr.node = reg, service, node
	return nil
}

// Start declares the durable intake queue and begins consuming it in the
// background. Requests published after Start returns are never lost.
func (svr *Server) Start(queue string) error {
	// Build the chain once, not per request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	ch, err := svr.conn.Channel()
	if err != nil {
		return err
	}
	if _, err := ch.DeclareQueue(queue, broker.QueueOptions{Durable: true}); err != nil {
		return multierr.Append(err, ch.Close())
	}
	if err := ch.Qos(svr.prefetch); err != nil {
		return multierr.Append(err, ch.Close())
	}
	consumer := "worker-" + uuid.Must(uuid.NewV4()).String()
	deliveries, err := ch.Consume(queue, consumer, broker.ConsumeOptions{})
	if err != nil {
		return multierr.Append(err, ch.Close())
	}
	svr.mu.Lock()
	svr.ch, svr.consumer = ch, consumer
	svr.mu.Unlock()

	svr.logger.Info("worker consuming", zap.String("queue", queue), zap.Int("prefetch", svr.prefetch))
	go svr.loop(deliveries)
	close(svr.ready)
	return nil
}

// Ready is closed once Start has begun consuming.
func (svr *Server) Ready() <-chan struct{} {
	return svr.ready
}

// Serve is Start followed by waiting until the worker stops. It returns nil
// after Shutdown and ErrStreamEnded if the broker connection went away.
func (svr *Server) Serve(queue string) error {
	if err := svr.Start(queue); err != nil {
		return err
	}
	<-svr.stopped
	return svr.serveErr
}

func (svr *Server) loop(deliveries <-chan broker.Delivery) {
	defer close(svr.stopped)
	for d := range deliveries {
		svr.wg.Add(1)
		go svr.handleDelivery(d)
	}
	if !svr.shutdown.Load() {
		svr.logger.Error("intake delivery stream ended unexpectedly")
		svr.serveErr = ErrStreamEnded
	}
}

func (svr *Server) handleDelivery(d broker.Delivery) {
	defer svr.wg.Done()

	env := d.Envelope
	log := svr.logger.With(zap.String("correlation_id", env.CorrelationID), zap.String("reply_to", env.ReplyTo))

	c, ok := codec.ForContentType(env.ContentType)
	req := &message.Request{}
	if !ok {
		log.Warn("request with unsupported content type rejected", zap.String("content_type", env.ContentType))
		svr.settle(log, d.Nack(false))
		return
	}
	if err := c.Decode(env.Body, req); err != nil {
		log.Warn("undecodable request rejected", zap.Error(err))
		svr.settle(log, d.Nack(false))
		return
	}
	if env.ReplyTo == "" {
		// Nobody can receive an answer; doing the work would only cause side effects.
		log.Warn("request without reply_to dropped", zap.String("operation", string(req.Operation)))
		svr.settle(log, d.Ack())
		return
	}

	resp, err := svr.handler(svr.ctx, req)
	if err != nil {
		log.Error("handler failed", zap.String("operation", string(req.Operation)), zap.Error(err))
		resp = message.Failure("internal error")
	}
	if resp == nil {
		resp = message.Failure("internal error")
	}

	body, err := c.Encode(resp)
	if err != nil {
		log.Error("encode response", zap.Error(err))
		svr.settle(log, d.Nack(false))
		return
	}
	reply := &message.Envelope{
		CorrelationID: env.CorrelationID, // echoed so the client can match it
		ContentType:   c.ContentType(),
		Body:          body,
	}
	if err := svr.ch.Publish(svr.ctx, env.ReplyTo, reply); err != nil {
		log.Error("publish reply, requeueing request", zap.Error(err))
		svr.settle(log, d.Nack(true))
		return
	}
	svr.settle(log, d.Ack())
}

func (svr *Server) settle(log *zap.Logger, err error) {
	if err != nil {
		log.Warn("settle delivery", zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister the advertised node so frontends stop picking it
//  2. Stop consuming the intake queue
//  3. Wait for in-flight requests, up to timeout
//  4. Close the channel; anything still unacknowledged goes back to the queue
func (svr *Server) Shutdown(timeout time.Duration) error {
	var errs error
	if svr.registry != nil {
		errs = multierr.Append(errs, svr.registry.Deregister(svr.service, svr.node.Name))
	}

	// Set the flag before cancelling so loop sees an intentional stop.
	svr.shutdown.Store(true)
	svr.mu.Lock()
	ch, consumer := svr.ch, svr.consumer
	svr.mu.Unlock()
	if ch == nil {
		return errs
	}
	errs = multierr.Append(errs, ch.Cancel(consumer))

	// loop must be finished before Wait so no Add races with it.
	done := make(chan struct{})
	go func() {
		<-svr.stopped
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		svr.cancel()
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}
	return multierr.Append(errs, ch.Close())
}

// dispatch is the innermost handler: it routes the request to the operation
// handler registered for it.
func (svr *Server) dispatch(ctx context.Context, req *message.Request) (*message.Response, error) {
	svc, ok := svr.operations[req.Operation]
	if !ok {
		return message.Failure(fmt.Sprintf("unknown operation %q", req.Operation)), nil
	}
	return svc.call(ctx, svc.method[req.Operation], req.Payload)
}
