package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mqauth/codec"
	"mqauth/message"
	"mqauth/protocol"
	"sync"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
)

// Memory is an in-process broker with AMQP default-exchange semantics.
//
// Queues hold encoded protocol frames rather than Go values, so everything
// that crosses it goes through the same encode/decode path a network broker
// would force on it.
//
//	Publish ──► frameCodec.Encode(env) ──► protocol frame ──► queue.ready
//	                                                              │
//	Consume ◄── Delivery ◄── decode ◄── pump goroutine (one per consumer)
type Memory struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	frameCodec codec.Codec
	logger     *zap.Logger
}

// QueueCapacity bounds how many ready messages a single queue holds.
const QueueCapacity = 4096

var errQueueFull = errors.New("broker: queue full")

type memMessage struct {
	frame       []byte
	redelivered bool
}

type memQueue struct {
	name        string
	opts        QueueOptions
	owner       *MemoryConnection // set for exclusive queues
	ready       chan memMessage
	consumers   int
	hadConsumer bool
	deleted     chan struct{}
}

func (q *memQueue) requeue(msg memMessage) bool {
	select {
	case <-q.deleted:
		return false
	default:
	}
	msg.redelivered = true
	select {
	case q.ready <- msg:
		return true
	default:
		return false
	}
}

// NewMemory creates an empty broker whose frames carry binary-encoded envelopes.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		queues:     make(map[string]*memQueue),
		frameCodec: codec.GetCodec(codec.CodecTypeBinary),
		logger:     logger,
	}
}

// SetFrameCodec switches the codec used for envelopes published from now on.
// Frames already queued keep the codec recorded in their header.
func (m *Memory) SetFrameCodec(t codec.CodecType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameCodec = codec.GetCodec(t)
}

// Dial opens a new connection to the broker.
func (m *Memory) Dial() *MemoryConnection {
	return &MemoryConnection{
		broker:   m,
		channels: make(map[*memChannel]struct{}),
		done:     make(chan struct{}),
	}
}

// Dialer adapts Dial to a DialFunc; the url is ignored.
func (m *Memory) Dialer() DialFunc {
	return func(string) (Connection, error) {
		return m.Dial(), nil
	}
}

// QueueExists reports whether a queue with the given name is declared.
func (m *Memory) QueueExists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[name]
	return ok
}

// QueueDepth returns the number of ready (not yet delivered) messages.
func (m *Memory) QueueDepth(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return 0
	}
	return len(q.ready)
}

func (m *Memory) lookup(name string) (*memQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return q, ok
}

// deleteLocked removes q if it is still the queue registered under its name.
func (m *Memory) deleteLocked(q *memQueue) {
	if m.queues[q.name] != q {
		return
	}
	delete(m.queues, q.name)
	close(q.deleted)
}

func (m *Memory) encodeFrame(env *message.Envelope) ([]byte, error) {
	m.mu.Lock()
	cdc := m.frameCodec
	m.mu.Unlock()

	body, err := cdc.Encode(env)
	if err != nil {
		return nil, err
	}
	msgType := protocol.MsgTypeReply
	if env.ReplyTo != "" {
		msgType = protocol.MsgTypeRequest
	}
	var buf bytes.Buffer
	err = protocol.Encode(&buf, &protocol.Header{
		CodecType: byte(cdc.Type()),
		MsgType:   msgType,
		BodyLen:   uint32(len(body)),
	}, body)
	return buf.Bytes(), err
}

func decodeFrame(frame []byte) (message.Envelope, error) {
	var env message.Envelope
	header, body, err := protocol.Decode(bytes.NewReader(frame))
	if err != nil {
		return env, err
	}
	err = codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &env)
	return env, err
}

// MemoryConnection is a Connection to a Memory broker.
type MemoryConnection struct {
	broker *Memory

	mu       sync.Mutex
	closed   bool
	channels map[*memChannel]struct{}
	done     chan struct{}
}

func (c *MemoryConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := &memChannel{
		conn:      c,
		consumers: make(map[string]*memConsumer),
		unacked:   make(map[uint64]memUnacked),
		settled:   make(chan struct{}),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes every channel and deletes the exclusive queues this
// connection declared. Consumers observe the closure as the end of their
// delivery streams.
func (c *MemoryConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]*memChannel, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}

	m := c.broker
	m.mu.Lock()
	for _, q := range m.queues {
		if q.owner == c {
			m.deleteLocked(q)
		}
	}
	m.mu.Unlock()
	close(c.done)
	return nil
}

func (c *MemoryConnection) Done() <-chan struct{} {
	return c.done
}

// OpenChannels returns how many channels on the connection are not closed.
func (c *MemoryConnection) OpenChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *MemoryConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type memConsumer struct {
	tag   string
	queue *memQueue
	stop  chan struct{}
	once  sync.Once
}

func (mc *memConsumer) cancel() {
	mc.once.Do(func() { close(mc.stop) })
}

type memUnacked struct {
	queue *memQueue
	msg   memMessage
}

type memChannel struct {
	conn *MemoryConnection

	mu        sync.Mutex
	closed    bool
	consumers map[string]*memConsumer
	unacked   map[uint64]memUnacked
	nextTag   uint64
	prefetch  int
	settled   chan struct{} // closed and replaced whenever an unacked delivery goes away
}

func (ch *memChannel) DeclareQueue(name string, opts QueueOptions) (string, error) {
	if ch.isClosed() {
		return "", ErrClosed
	}
	m := ch.conn.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		name = "amq.gen-" + uuid.Must(uuid.NewV4()).String()
	}
	if q, ok := m.queues[name]; ok {
		if q.opts.Exclusive && q.owner != ch.conn {
			return "", fmt.Errorf("queue %q is locked by another connection", name)
		}
		return name, nil
	}

	q := &memQueue{
		name:    name,
		opts:    opts,
		ready:   make(chan memMessage, QueueCapacity),
		deleted: make(chan struct{}),
	}
	if opts.Exclusive {
		q.owner = ch.conn
	}
	m.queues[name] = q
	m.logger.Debug("queue declared", zap.String("queue", name), zap.Bool("exclusive", opts.Exclusive))
	return name, nil
}

func (ch *memChannel) DeleteQueue(name string) error {
	if ch.isClosed() {
		return ErrClosed
	}
	m := ch.conn.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		m.deleteLocked(q)
	}
	return nil
}

func (ch *memChannel) Qos(prefetch int) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	ch.prefetch = prefetch
	return nil
}

func (ch *memChannel) Publish(ctx context.Context, queue string, env *message.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.isClosed() {
		return ErrClosed
	}
	m := ch.conn.broker
	frame, err := m.encodeFrame(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	q, ok := m.lookup(queue)
	if !ok {
		m.logger.Debug("unroutable envelope dropped", zap.String("queue", queue), zap.String("correlation_id", env.CorrelationID))
		return nil
	}
	select {
	case q.ready <- memMessage{frame: frame}:
		return nil
	case <-q.deleted:
		return nil
	default:
		return errQueueFull
	}
}

func (ch *memChannel) Consume(queue, consumer string, opts ConsumeOptions) (<-chan Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, ErrClosed
	}
	if consumer == "" {
		consumer = "ctag-" + uuid.Must(uuid.NewV4()).String()
	}
	if _, dup := ch.consumers[consumer]; dup {
		return nil, fmt.Errorf("consumer tag %q already in use", consumer)
	}

	m := ch.conn.broker
	m.mu.Lock()
	q, ok := m.queues[queue]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no queue %q", queue)
	}
	if q.opts.Exclusive && q.owner != ch.conn {
		m.mu.Unlock()
		return nil, fmt.Errorf("queue %q is locked by another connection", queue)
	}
	q.consumers++
	q.hadConsumer = true
	m.mu.Unlock()

	mc := &memConsumer{tag: consumer, queue: q, stop: make(chan struct{})}
	ch.consumers[consumer] = mc

	out := make(chan Delivery)
	go ch.pump(mc, out, opts.AutoAck)
	return out, nil
}

// pump moves messages from the queue to one consumer's delivery stream.
// Competing consumers on the same queue each run a pump, which gives the
// round-robin dispatch AMQP has.
func (ch *memChannel) pump(mc *memConsumer, out chan<- Delivery, autoAck bool) {
	q := mc.queue
	m := ch.conn.broker
	defer close(out)
	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		q.consumers--
		if q.consumers == 0 && q.opts.AutoDelete && q.hadConsumer {
			m.deleteLocked(q)
		}
	}()

	for {
		if !autoAck && !ch.waitCredit(mc) {
			return
		}

		var msg memMessage
		select {
		case <-mc.stop:
			return
		case <-q.deleted:
			return
		case msg = <-q.ready:
		}

		env, err := decodeFrame(msg.frame)
		if err != nil {
			m.logger.Warn("undecodable frame dropped", zap.String("queue", q.name), zap.Error(err))
			continue
		}

		d := Delivery{Envelope: env, Redelivered: msg.redelivered}
		var tag uint64
		if !autoAck {
			var tracked bool
			tag, tracked = ch.track(q, msg)
			if !tracked {
				q.requeue(msg)
				return
			}
			d.acker = &memAcker{ch: ch, tag: tag}
		}

		select {
		case out <- d:
		case <-mc.stop:
			if autoAck || ch.untrack(tag) {
				q.requeue(msg)
			}
			return
		case <-q.deleted:
			return
		}
	}
}

// waitCredit blocks while the channel holds prefetch unacknowledged
// deliveries. It reports false if the consumer stopped in the meantime.
func (ch *memChannel) waitCredit(mc *memConsumer) bool {
	for {
		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			return false
		}
		if ch.prefetch <= 0 || len(ch.unacked) < ch.prefetch {
			ch.mu.Unlock()
			return true
		}
		settled := ch.settled
		ch.mu.Unlock()

		select {
		case <-settled:
		case <-mc.stop:
			return false
		case <-mc.queue.deleted:
			return false
		}
	}
}

// notifyLocked wakes pumps waiting for credit. ch.mu must be held.
func (ch *memChannel) notifyLocked() {
	close(ch.settled)
	ch.settled = make(chan struct{})
}

func (ch *memChannel) track(q *memQueue, msg memMessage) (uint64, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return 0, false
	}
	ch.nextTag++
	ch.unacked[ch.nextTag] = memUnacked{queue: q, msg: msg}
	return ch.nextTag, true
}

func (ch *memChannel) untrack(tag uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.unacked[tag]; !ok {
		return false
	}
	delete(ch.unacked, tag)
	ch.notifyLocked()
	return true
}

func (ch *memChannel) settle(tag uint64, requeue bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(ch.unacked, tag)
	ch.notifyLocked()
	if requeue && !u.queue.requeue(u.msg) {
		ch.conn.broker.logger.Warn("requeue failed, message dropped", zap.String("queue", u.queue.name))
	}
	return nil
}

func (ch *memChannel) Cancel(consumer string) error {
	ch.mu.Lock()
	mc, ok := ch.consumers[consumer]
	delete(ch.consumers, consumer)
	ch.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown consumer %q", consumer)
	}
	mc.cancel()
	return nil
}

// Close stops every consumer on the channel and requeues the deliveries it
// had not settled, flagged as redelivered.
func (ch *memChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	for _, mc := range ch.consumers {
		mc.cancel()
	}
	ch.consumers = nil
	unacked := ch.unacked
	ch.unacked = nil
	ch.notifyLocked()
	ch.mu.Unlock()

	for _, u := range unacked {
		u.queue.requeue(u.msg)
	}

	c := ch.conn
	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
	return nil
}

func (ch *memChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed || ch.conn.isClosed()
}

type memAcker struct {
	ch  *memChannel
	tag uint64
}

func (a *memAcker) Ack() error {
	return a.ch.settle(a.tag, false)
}

func (a *memAcker) Nack(requeue bool) error {
	return a.ch.settle(a.tag, requeue)
}
