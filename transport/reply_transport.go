// Package transport implements the client side of request/reply over a
// message broker.
//
// A ReplyTransport owns one private reply queue: exclusive to its
// connection and deleted with it. Every request published through it carries
// a fresh correlation id and the reply queue's name; a single background
// goroutine (recvLoop) consumes the reply queue and resolves the pending
// future registered under the reply's correlation id.
//
//	Expect(corr=A) ──► pending[A] = chan
//	Publish(env{corr=A, reply_to=Q}) ──► intake queue ──► worker
//	recvLoop: ◄── reply{corr=A} on Q ──► pending[A] chan ◄── caller wakes up
//	          ◄── reply{corr=Z} on Q ──► no pending[Z]: dropped
package transport

import (
	"context"
	"errors"
	"mqauth/broker"
	"mqauth/codec"
	"mqauth/message"
	"sync"
	"sync/atomic"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrConnectionLost resolves every pending future when the reply stream ends.
var ErrConnectionLost = errors.New("transport: broker connection lost")

// Result is what a pending future resolves to.
type Result struct {
	Response *message.Response
	Err      error
}

// ReplyTransport manages one private reply queue on a broker connection.
type ReplyTransport struct {
	ch       broker.Channel
	queue    string    // broker-generated reply queue name
	consumer string    // consumer tag on the reply queue
	pending  sync.Map  // map[string]chan Result, keyed by correlation id
	done     chan struct{}
	closing  atomic.Bool

	mismatched atomic.Uint64 // replies whose correlation id nobody awaited
	malformed  atomic.Uint64 // replies whose body could not be decoded

	logger *zap.Logger
}

// NewReplyTransport opens a channel on conn, declares an exclusive,
// auto-deleting reply queue and starts the recvLoop consuming it.
func NewReplyTransport(conn broker.Connection, logger *zap.Logger) (*ReplyTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	queue, err := ch.DeclareQueue("", broker.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return nil, multierr.Append(err, ch.Close())
	}

	consumer := "reply-" + uuid.Must(uuid.NewV4()).String()
	// Auto-ack: a reply nobody awaits can only be dropped, requeueing it
	// onto a private queue would loop forever.
	deliveries, err := ch.Consume(queue, consumer, broker.ConsumeOptions{AutoAck: true, Exclusive: true})
	if err != nil {
		return nil, multierr.Append(err, ch.Close())
	}

	t := &ReplyTransport{
		ch:       ch,
		queue:    queue,
		consumer: consumer,
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("reply_queue", queue)),
	}
	go t.recvLoop(deliveries)
	return t, nil
}

// Queue returns the name of the private reply queue.
func (t *ReplyTransport) Queue() string {
	return t.queue
}

// Expect registers a future for corrID. It must be called BEFORE the request
// is published, otherwise a fast reply could arrive before anyone waits for it.
func (t *ReplyTransport) Expect(corrID string) <-chan Result {
	ch := make(chan Result, 1) // Buffered so recvLoop never blocks on a departed waiter
	t.pending.Store(corrID, ch)

	// The reply stream may already be gone; recvLoop closes done before it
	// drains pending, so either it or we resolve the entry.
	select {
	case <-t.done:
		if v, ok := t.pending.LoadAndDelete(corrID); ok {
			v.(chan Result) <- Result{Err: ErrConnectionLost}
		}
	default:
	}
	return ch
}

// Forget drops the future for corrID. A reply arriving later is counted as
// mismatched and dropped.
func (t *ReplyTransport) Forget(corrID string) {
	t.pending.Delete(corrID)
}

// Publish stamps env with the reply queue and sends it to the intake queue.
func (t *ReplyTransport) Publish(ctx context.Context, intake string, env *message.Envelope) error {
	env.ReplyTo = t.queue
	return t.ch.Publish(ctx, intake, env)
}

// Done is closed once the reply stream has ended.
func (t *ReplyTransport) Done() <-chan struct{} {
	return t.done
}

// Dropped reports how many replies were dropped for an unknown correlation id
// and how many for an undecodable body.
func (t *ReplyTransport) Dropped() (mismatched, malformed uint64) {
	return t.mismatched.Load(), t.malformed.Load()
}

// Close stops consuming, deletes the reply queue and closes the channel.
// Pending futures resolve with ErrConnectionLost.
func (t *ReplyTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case <-t.done:
		// The stream ended with the queue or the connection; only the
		// channel is left to release.
		return t.ch.Close()
	default:
	}
	return multierr.Combine(
		t.ch.Cancel(t.consumer),
		t.ch.DeleteQueue(t.queue),
		t.ch.Close(),
	)
}

// recvLoop is the only reader of the reply queue. Replies are matched strictly
// by correlation id, never by arrival order, so late or duplicate replies from
// earlier calls cannot reach the wrong waiter.
func (t *ReplyTransport) recvLoop(deliveries <-chan broker.Delivery) {
	for d := range deliveries {
		env := d.Envelope
		log := t.logger.With(zap.String("correlation_id", env.CorrelationID))

		cdc, ok := codec.ForContentType(env.ContentType)
		if !ok {
			t.malformed.Add(1)
			log.Warn("reply with unsupported content type dropped", zap.String("content_type", env.ContentType))
			continue
		}
		resp := &message.Response{}
		if err := cdc.Decode(env.Body, resp); err != nil {
			t.malformed.Add(1)
			log.Warn("undecodable reply dropped", zap.Error(err))
			continue
		}

		if channel, ok := t.pending.LoadAndDelete(env.CorrelationID); ok {
			channel.(chan Result) <- Result{Response: resp}
			continue
		}
		t.mismatched.Add(1)
		log.Debug("reply for unknown correlation id dropped")
	}

	close(t.done)
	if !t.closing.Load() {
		t.logger.Warn("reply stream ended, failing pending calls")
	}
	t.closeAllPending(ErrConnectionLost)
}

// closeAllPending resolves every outstanding future with err so no caller
// blocks forever on a dead connection.
func (t *ReplyTransport) closeAllPending(err error) {
	t.pending.Range(func(key, _ any) bool {
		if v, ok := t.pending.LoadAndDelete(key); ok {
			v.(chan Result) <- Result{Err: err}
		}
		return true
	})
}
