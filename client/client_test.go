package client

import (
	"context"
	"encoding/json"
	"errors"
	"mqauth/auth"
	"mqauth/broker"
	"mqauth/codec"
	"mqauth/credstore"
	"mqauth/message"
	"mqauth/server"
	"reflect"
	"testing"
	"time"
)

const intake = "auth.requests"

// startAuthWorker runs the real auth worker on mem with an in-memory store.
func startAuthWorker(t testing.TB, mem *broker.Memory) *server.Server {
	t.Helper()
	svr := server.NewServer(mem.Dial(), nil)
	if err := svr.Register(auth.NewService(credstore.NewMemoryStore(), nil)); err != nil {
		t.Fatal(err)
	}
	if err := svr.Start(intake); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

// fakeWorker consumes the intake queue and lets handle publish whatever
// replies it wants.
func fakeWorker(t *testing.T, mem *broker.Memory, handle func(ch broker.Channel, env message.Envelope, req *message.Request)) {
	t.Helper()
	conn := mem.Dial()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.DeclareQueue(intake, broker.QueueOptions{Durable: true}); err != nil {
		t.Fatal(err)
	}
	deliveries, err := ch.Consume(intake, "", broker.ConsumeOptions{AutoAck: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		for d := range deliveries {
			req := &message.Request{}
			if err := json.Unmarshal(d.Envelope.Body, req); err != nil {
				continue
			}
			handle(ch, d.Envelope, req)
		}
	}()
}

func reply(ch broker.Channel, replyTo, corrID string, resp *message.Response) {
	body, _ := json.Marshal(resp)
	ch.Publish(context.Background(), replyTo, &message.Envelope{
		CorrelationID: corrID,
		ContentType:   codec.ContentTypeJSON,
		Body:          body,
	})
}

func newTestClient(t *testing.T, conn broker.Connection) *Client {
	t.Helper()
	c, err := NewClient(conn, intake, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitGone(t *testing.T, mem *broker.Memory, queue string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for mem.QueueExists(queue) {
		if time.Now().After(deadline) {
			t.Fatalf("queue %s still exists", queue)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallRegisterAndGetHash(t *testing.T) {
	mem := broker.NewMemory(nil)
	startAuthWorker(t, mem)
	c := newTestClient(t, mem.Dial())
	ctx := context.Background()

	resp, err := c.Call(ctx, message.OpRegister, message.Payload{"email": "a@b.c", "hash": "pbkdf2:sha256$abc"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("expect success, got %+v", resp)
	}
	if c.State() != StateFulfilled {
		t.Fatalf("expect Fulfilled, got %s", c.State())
	}

	resp, err = c.Call(ctx, message.OpGetHash, message.Payload{"email": "a@b.c"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Hash != "pbkdf2:sha256$abc" {
		t.Fatalf("expect stored hash, got %+v", resp)
	}
}

func TestDuplicateRegisterIsDomainFailure(t *testing.T) {
	mem := broker.NewMemory(nil)
	startAuthWorker(t, mem)
	c := newTestClient(t, mem.Dial())
	ctx := context.Background()
	payload := message.Payload{"email": "dup@b.c", "hash": "h"}

	if _, err := c.Call(ctx, message.OpRegister, payload); err != nil {
		t.Fatal(err)
	}
	resp, err := c.Call(ctx, message.OpRegister, payload)
	if err != nil {
		t.Fatalf("duplicate must not be a transport error, got %v", err)
	}
	if resp.Success || resp.Message != auth.MsgUserExists {
		t.Fatalf("expect %q, got %+v", auth.MsgUserExists, resp)
	}
}

func TestGetHashUnknownEmail(t *testing.T) {
	mem := broker.NewMemory(nil)
	startAuthWorker(t, mem)
	c := newTestClient(t, mem.Dial())

	resp, err := c.Call(context.Background(), message.OpGetHash, message.Payload{"email": "nobody@b.c"})
	if err != nil {
		t.Fatalf("unknown email must not be a transport error, got %v", err)
	}
	if resp.Success {
		t.Fatalf("expect success=false, got %+v", resp)
	}
}

func TestMismatchedReplyIgnored(t *testing.T) {
	mem := broker.NewMemory(nil)
	fakeWorker(t, mem, func(ch broker.Channel, env message.Envelope, req *message.Request) {
		wrong := &message.Response{Success: true, Hash: "wrong"}
		reply(ch, env.ReplyTo, env.CorrelationID+"-other", wrong)
		reply(ch, env.ReplyTo, env.CorrelationID, &message.Response{Success: true, Hash: "right"})
	})
	c := newTestClient(t, mem.Dial())

	resp, err := c.Call(context.Background(), message.OpGetHash, message.Payload{"email": "a@b.c"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Hash != "right" {
		t.Fatalf("expect the reply with the matching correlation id, got %q", resp.Hash)
	}
}

func TestPayloadRoundTripFidelity(t *testing.T) {
	mem := broker.NewMemory(nil)
	fakeWorker(t, mem, func(ch broker.Channel, env message.Envelope, req *message.Request) {
		resp := message.Success()
		resp.Fields = map[string]any{"echo": map[string]any(req.Payload)}
		reply(ch, env.ReplyTo, env.CorrelationID, resp)
	})
	c := newTestClient(t, mem.Dial())

	payload := message.Payload{
		"email":  "a@b.c",
		"admin":  false,
		"nested": map[string]any{"flags": map[string]any{"locked": true}, "note": "x"},
	}
	resp, err := c.Call(context.Background(), message.OpRegister, payload)
	if err != nil {
		t.Fatal(err)
	}
	want := &message.Response{Success: true, Fields: map[string]any{"echo": map[string]any(payload)}}
	if !reflect.DeepEqual(resp, want) {
		t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", resp, want)
	}
}

func TestTimeoutReleasesReplyQueue(t *testing.T) {
	mem := broker.NewMemory(nil)
	conn := mem.Dial()
	// Intake exists but nobody consumes it.
	ch, _ := conn.Channel()
	ch.DeclareQueue(intake, broker.QueueOptions{Durable: true})

	c := newTestClient(t, conn)
	c.SetTimeout(50 * time.Millisecond)
	first := c.ReplyQueue()

	start := time.Now()
	_, err := c.Call(context.Background(), message.OpGetHash, message.Payload{"email": "a@b.c"})
	if !errors.Is(err, ErrTimeout) || KindOf(err) != KindTimeout {
		t.Fatalf("expect timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout took far longer than configured")
	}
	if c.State() != StateTimedOut {
		t.Fatalf("expect TimedOut, got %s", c.State())
	}
	waitGone(t, mem, first)
	if c.ReplyQueue() != "" {
		t.Fatal("reply queue kept after timeout")
	}

	// A worker arrives; it answers the stale request into the void, then ours.
	startAuthWorker(t, mem)
	resp, err := c.Call(context.Background(), message.OpGetHash, message.Payload{"email": "a@b.c"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Fatalf("expect success=false for unknown email, got %+v", resp)
	}
	if q := c.ReplyQueue(); q == "" || q == first {
		t.Fatalf("expect a fresh reply queue, got %q (old %q)", q, first)
	}
}

func TestLateReplyNeverReachesNextCall(t *testing.T) {
	mem := broker.NewMemory(nil)
	fakeWorker(t, mem, func(ch broker.Channel, env message.Envelope, req *message.Request) {
		n := req.Payload.String("n")
		if n == "1" {
			time.Sleep(150 * time.Millisecond)
		}
		reply(ch, env.ReplyTo, env.CorrelationID, &message.Response{Success: true, Hash: n})
	})
	c := newTestClient(t, mem.Dial())
	c.SetTimeout(50 * time.Millisecond)

	if _, err := c.Call(context.Background(), message.OpGetHash, message.Payload{"n": "1"}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect first call to time out, got %v", err)
	}

	c.SetTimeout(2 * time.Second)
	resp, err := c.Call(context.Background(), message.OpGetHash, message.Payload{"n": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Hash != "2" {
		t.Fatalf("second call received reply %q", resp.Hash)
	}
}

func TestSingleFlight(t *testing.T) {
	mem := broker.NewMemory(nil)
	c := newTestClient(t, mem.Dial())
	ctx := context.Background()

	if _, err := c.Receive(ctx); !errors.Is(err, ErrNoCallInFlight) {
		t.Fatalf("expect ErrNoCallInFlight, got %v", err)
	}
	if err := c.Send(ctx, "DELETE", nil); KindOf(err) != KindUsage {
		t.Fatalf("expect usage error for unknown operation, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("rejected send changed state to %s", c.State())
	}

	if err := c.Send(ctx, message.OpGetHash, message.Payload{"email": "a"}); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateSent {
		t.Fatalf("expect Sent, got %s", c.State())
	}
	err := c.Send(ctx, message.OpGetHash, message.Payload{"email": "b"})
	if !errors.Is(err, ErrCallInFlight) || KindOf(err) != KindUsage {
		t.Fatalf("expect ErrCallInFlight, got %v", err)
	}
}

func TestContextCancelIsTimeout(t *testing.T) {
	mem := broker.NewMemory(nil)
	c := newTestClient(t, mem.Dial())

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Send(ctx, message.OpGetHash, message.Payload{"email": "a"}); err != nil {
		t.Fatal(err)
	}
	queue := c.ReplyQueue()
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Receive(ctx)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expect timeout caused by cancellation, got %v", err)
	}
	waitGone(t, mem, queue)
}

func TestConnectionDropFailsCall(t *testing.T) {
	mem := broker.NewMemory(nil)
	conn := mem.Dial()
	c := newTestClient(t, conn)

	if err := c.Send(context.Background(), message.OpGetHash, message.Payload{"email": "a"}); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	_, err := c.Receive(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expect connection error, got %v", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("expect Failed, got %s", c.State())
	}

	if err := c.Send(context.Background(), message.OpGetHash, nil); !errors.Is(err, ErrConnection) {
		t.Fatalf("expect connection error sending on a dead connection, got %v", err)
	}
}

func TestCloseDuringReceive(t *testing.T) {
	mem := broker.NewMemory(nil)
	c := newTestClient(t, mem.Dial())

	if err := c.Send(context.Background(), message.OpGetHash, nil); err != nil {
		t.Fatal(err)
	}
	queue := c.ReplyQueue()
	time.AfterFunc(20*time.Millisecond, func() { c.Close() })

	if _, err := c.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
	waitGone(t, mem, queue)
	if err := c.Send(context.Background(), message.OpGetHash, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed after Close, got %v", err)
	}
}

func TestCallErrorFormat(t *testing.T) {
	err := &CallError{Kind: KindTimeout, Op: message.OpGetHash, CorrelationID: "c1", Err: ErrTimeout}
	if got, want := err.Error(), "mqauth GETHASH [c1]: timed out waiting for reply"; got != want {
		t.Fatalf("expect %q, got %q", want, got)
	}
	if errors.Is(err, ErrConnection) {
		t.Fatal("timeout must not match ErrConnection")
	}
	if KindOf(errors.New("x")) != KindUnknown {
		t.Fatal("plain error should be KindUnknown")
	}
}
