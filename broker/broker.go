// Package broker is the message-queue surface the RPC client and the worker
// are written against.
//
// It carries only what the protocol needs: declare a queue, publish an
// envelope to a named queue, consume a queue, acknowledge. Two implementations
// exist: AMQPConnection talks AMQP 0-9-1 to RabbitMQ, Memory is an in-process
// broker with the same queue semantics used by tests and the -dev frontend.
package broker

import (
	"context"
	"errors"
	"mqauth/message"
)

// ErrClosed is returned by operations on a closed connection or channel.
var ErrClosed = errors.New("broker: closed")

// QueueOptions mirror the AMQP queue.declare flags.
type QueueOptions struct {
	Durable    bool // survives broker restart; used for the shared intake queue
	Exclusive  bool // private to the declaring connection, deleted when it closes
	AutoDelete bool // deleted once its last consumer goes away
}

// ConsumeOptions mirror the AMQP basic.consume flags.
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
}

// Acknowledger settles one delivery.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is one consumed envelope.
type Delivery struct {
	Envelope    message.Envelope
	Redelivered bool // a previous consumer received it without acknowledging

	acker Acknowledger
}

// NewDelivery builds a delivery settled through acker. A nil acker means the
// delivery was consumed with auto-ack.
func NewDelivery(env message.Envelope, redelivered bool, acker Acknowledger) Delivery {
	return Delivery{Envelope: env, Redelivered: redelivered, acker: acker}
}

func (d Delivery) Ack() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Ack()
}

func (d Delivery) Nack(requeue bool) error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Nack(requeue)
}

// Connection is one physical broker connection. It may be shared: every user
// opens its own Channel on it.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	// Done is closed once the connection is gone, whether closed locally or
	// lost.
	Done() <-chan struct{}
}

// Channel is a lightweight session on a Connection. A Channel is used by one
// goroutine at a time, except that its delivery streams may be drained
// concurrently.
type Channel interface {
	// DeclareQueue creates the queue if needed and returns its name. An empty
	// name asks the broker to generate a unique one.
	DeclareQueue(name string, opts QueueOptions) (string, error)
	DeleteQueue(name string) error
	Qos(prefetch int) error
	// Publish sends env to the named queue through the default exchange.
	// Publishing to a queue that does not exist silently drops the envelope.
	Publish(ctx context.Context, queue string, env *message.Envelope) error
	// Consume starts delivering the queue. The returned stream is closed when
	// the consumer is cancelled or the channel or connection goes away.
	Consume(queue, consumer string, opts ConsumeOptions) (<-chan Delivery, error)
	Cancel(consumer string) error
	Close() error
}

// DialFunc opens a connection to the broker at url.
type DialFunc func(url string) (Connection, error)
