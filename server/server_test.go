package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mqauth/broker"
	"mqauth/codec"
	"mqauth/message"
	"mqauth/registry"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const intake = "auth.requests"

type testOps struct {
	calls       atomic.Int32
	running     atomic.Int32
	maxParallel atomic.Int32
}

func (o *testOps) Register(ctx context.Context, p message.Payload) (*message.Response, error) {
	o.calls.Add(1)
	if p.String("email") == "boom" {
		return nil, errors.New("boom")
	}
	return message.Success(), nil
}

func (o *testOps) GetHash(ctx context.Context, p message.Payload) (*message.Response, error) {
	o.calls.Add(1)
	n := o.running.Add(1)
	defer o.running.Add(-1)
	for {
		peak := o.maxParallel.Load()
		if n <= peak || o.maxParallel.CompareAndSwap(peak, n) {
			break
		}
	}
	switch {
	case p.String("slow") != "":
		time.Sleep(150 * time.Millisecond)
	case p.String("pause") != "":
		time.Sleep(20 * time.Millisecond)
	}
	resp := message.Success()
	resp.Hash = "hash-of-" + p.String("email")
	return resp, nil
}

// Not an operation: wrong signature.
func (o *testOps) Reset() { o.calls.Store(0) }

type harness struct {
	mem     *broker.Memory
	svr     *Server
	ops     *testOps
	caller  broker.Channel
	replyQ  string
	replies <-chan broker.Delivery
}

func startWorker(t *testing.T) *harness {
	t.Helper()
	return startWorkerWith(t, broker.NewMemory(nil), &testOps{}, DefaultPrefetch)
}

func startWorkerWith(t *testing.T, mem *broker.Memory, ops any, prefetch int) *harness {
	t.Helper()
	svr := NewServer(mem.Dial(), nil)
	svr.SetPrefetch(prefetch)
	if err := svr.Register(ops); err != nil {
		t.Fatal(err)
	}
	if err := svr.Start(intake); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	caller, err := mem.Dial().Channel()
	if err != nil {
		t.Fatal(err)
	}
	replyQ, err := caller.DeclareQueue("", broker.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		t.Fatal(err)
	}
	replies, err := caller.Consume(replyQ, "", broker.ConsumeOptions{AutoAck: true})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{mem: mem, svr: svr, caller: caller, replyQ: replyQ, replies: replies}
	h.ops, _ = ops.(*testOps)
	return h
}

func (h *harness) send(t *testing.T, corrID, replyTo string, body []byte) {
	t.Helper()
	err := h.caller.Publish(context.Background(), intake, &message.Envelope{
		CorrelationID: corrID,
		ReplyTo:       replyTo,
		ContentType:   codec.ContentTypeJSON,
		Body:          body,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) request(t *testing.T, corrID string, op message.Operation, p message.Payload) {
	t.Helper()
	body, _ := json.Marshal(&message.Request{Operation: op, Payload: p})
	h.send(t, corrID, h.replyQ, body)
}

func (h *harness) reply(t *testing.T) (string, *message.Response) {
	t.Helper()
	select {
	case d := <-h.replies:
		resp := &message.Response{}
		if err := json.Unmarshal(d.Envelope.Body, resp); err != nil {
			t.Fatalf("undecodable reply: %v", err)
		}
		return d.Envelope.CorrelationID, resp
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	return "", nil
}

func (h *harness) noReply(t *testing.T) {
	t.Helper()
	select {
	case d := <-h.replies:
		t.Fatalf("unexpected reply %+v", d.Envelope)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitDrained(t *testing.T, mem *broker.Memory, queue string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for mem.QueueDepth(queue) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue %s not drained", queue)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeEchoesCorrelationID(t *testing.T) {
	h := startWorker(t)

	h.request(t, "corr-1", message.OpGetHash, message.Payload{"email": "a@b.c"})
	corrID, resp := h.reply(t)
	if corrID != "corr-1" {
		t.Fatalf("expect corr-1, got %s", corrID)
	}
	if !resp.Success || resp.Hash != "hash-of-a@b.c" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestConcurrentRequests(t *testing.T) {
	h := startWorker(t)

	// The slow one is sent first and answered last.
	h.request(t, "slow", message.OpGetHash, message.Payload{"email": "s", "slow": "y"})
	h.request(t, "fast", message.OpGetHash, message.Payload{"email": "f"})

	first, _ := h.reply(t)
	second, _ := h.reply(t)
	if first != "fast" || second != "slow" {
		t.Fatalf("expect requests handled in parallel, got %s then %s", first, second)
	}
}

func TestPrefetchBoundsParallelism(t *testing.T) {
	ops := &testOps{}
	h := startWorkerWith(t, broker.NewMemory(nil), ops, 1)

	const n = 10
	for i := 0; i < n; i++ {
		h.request(t, fmt.Sprintf("c%d", i), message.OpGetHash, message.Payload{"email": "a", "pause": "y"})
	}
	for i := 0; i < n; i++ {
		h.reply(t)
	}
	if peak := ops.maxParallel.Load(); peak != 1 {
		t.Fatalf("prefetch 1 should serialize handlers, saw %d at once", peak)
	}
}

func TestUnknownOperation(t *testing.T) {
	h := startWorker(t)

	h.send(t, "c", h.replyQ, []byte(`{"operation":"DELETE","payload":{}}`))
	_, resp := h.reply(t)
	if resp.Success || !strings.Contains(resp.Message, "unknown operation") {
		t.Fatalf("expect unknown operation failure, got %+v", resp)
	}
}

func TestHandlerErrorBecomesFailure(t *testing.T) {
	h := startWorker(t)

	h.request(t, "c", message.OpRegister, message.Payload{"email": "boom"})
	_, resp := h.reply(t)
	if resp.Success || resp.Message != "internal error" {
		t.Fatalf("expect internal error failure, got %+v", resp)
	}
}

func TestMalformedRequestDropped(t *testing.T) {
	h := startWorker(t)

	h.send(t, "bad", h.replyQ, []byte(`{"operation":`))
	h.noReply(t)
	waitDrained(t, h.mem, intake)
	if h.ops.calls.Load() != 0 {
		t.Fatal("malformed request reached a handler")
	}

	// The worker keeps going.
	h.request(t, "good", message.OpGetHash, message.Payload{"email": "a"})
	if corrID, _ := h.reply(t); corrID != "good" {
		t.Fatalf("expect reply to good, got %s", corrID)
	}
}

func TestRequestWithoutReplyToDropped(t *testing.T) {
	h := startWorker(t)

	body, _ := json.Marshal(&message.Request{Operation: message.OpRegister, Payload: message.Payload{"email": "a"}})
	h.send(t, "orphan", "", body)
	h.noReply(t)
	waitDrained(t, h.mem, intake)
	if h.ops.calls.Load() != 0 {
		t.Fatal("request without reply_to must not be executed")
	}
}

func TestRegisterRejects(t *testing.T) {
	svr := NewServer(broker.NewMemory(nil).Dial(), nil)
	if err := svr.Register(testOps{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
	if err := svr.Register(&struct{ A int }{}); err == nil {
		t.Fatal("expect error for receiver without operations")
	}
	if err := svr.Register(&testOps{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register(&testOps{}); err == nil {
		t.Fatal("expect error registering the same operations twice")
	}
	if _, ok := svr.operations["RESET"]; ok {
		t.Fatal("method with the wrong signature registered")
	}
}

func TestShutdownWaitsAndDeregisters(t *testing.T) {
	mem := broker.NewMemory(nil)
	svr := NewServer(mem.Dial(), nil)
	svr.Register(&testOps{})

	reg := registry.NewStaticRegistry("broker")
	node := registry.BrokerNode{Name: "local", URL: "memory://"}
	if err := svr.Advertise(reg, "broker", node, 10); err != nil {
		t.Fatal(err)
	}

	served := make(chan error, 1)
	go func() { served <- svr.Serve(intake) }()
	<-svr.Ready()

	caller, _ := mem.Dial().Channel()
	replyQ, _ := caller.DeclareQueue("", broker.QueueOptions{Exclusive: true, AutoDelete: true})
	replies, _ := caller.Consume(replyQ, "", broker.ConsumeOptions{AutoAck: true})
	body, _ := json.Marshal(&message.Request{Operation: message.OpGetHash, Payload: message.Payload{"email": "a", "slow": "y"}})
	caller.Publish(context.Background(), intake, &message.Envelope{CorrelationID: "inflight", ReplyTo: replyQ, Body: body})
	time.Sleep(30 * time.Millisecond)

	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-replies:
		if d.Envelope.CorrelationID != "inflight" {
			t.Fatalf("unexpected reply %s", d.Envelope.CorrelationID)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight request was not answered before shutdown returned")
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve after Shutdown: %v", err)
	}
	if nodes, _ := reg.Discover("broker"); len(nodes) != 0 {
		t.Fatalf("node still advertised: %v", nodes)
	}
}

func TestServeReportsLostConnection(t *testing.T) {
	mem := broker.NewMemory(nil)
	conn := mem.Dial()
	svr := NewServer(conn, nil)
	svr.Register(&testOps{})

	served := make(chan error, 1)
	go func() { served <- svr.Serve(intake) }()
	<-svr.Ready()
	conn.Close()

	select {
	case err := <-served:
		if !errors.Is(err, ErrStreamEnded) {
			t.Fatalf("expect ErrStreamEnded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after connection loss")
	}
}
