package server

import (
	"context"
	"mqauth/auth"
	"mqauth/broker"
	"mqauth/credstore"
	"mqauth/message"
	"testing"
	"time"
)

// A worker that registers the user and dies before acking leaves the request
// on the queue. The next worker sees the redelivery and must answer it as a
// duplicate without storing a second credential.
func TestRedeliveredRegisterAnswersUserExists(t *testing.T) {
	mem := broker.NewMemory(nil)
	store := credstore.NewMemoryStore()
	svc := auth.NewService(store, nil)

	crashed, err := mem.Dial().Channel()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := crashed.DeclareQueue(intake, broker.QueueOptions{Durable: true}); err != nil {
		t.Fatal(err)
	}
	if err := crashed.Qos(1); err != nil {
		t.Fatal(err)
	}
	deliveries, err := crashed.Consume(intake, "", broker.ConsumeOptions{})
	if err != nil {
		t.Fatal(err)
	}

	caller, _ := mem.Dial().Channel()
	replyQ, _ := caller.DeclareQueue("", broker.QueueOptions{Exclusive: true, AutoDelete: true})
	replies, _ := caller.Consume(replyQ, "", broker.ConsumeOptions{AutoAck: true})
	payload := message.Payload{"email": "New@Example.com", "hash": "$2a$10$abc"}
	(&harness{caller: caller, replyQ: replyQ}).request(t, "reg-1", message.OpRegister, payload)

	var first broker.Delivery
	select {
	case first = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("first worker got nothing")
	}
	if first.Redelivered {
		t.Fatal("first delivery flagged redelivered")
	}
	if resp, err := svc.Register(context.Background(), payload); err != nil || !resp.Success {
		t.Fatalf("first registration: %+v, %v", resp, err)
	}
	// Dies here: no reply, no ack.
	crashed.Close()

	h := startWorkerWith(t, mem, svc, DefaultPrefetch)
	h.replyQ, h.replies = replyQ, replies

	corrID, resp := h.reply(t)
	if corrID != "reg-1" {
		t.Fatalf("expect reply to reg-1, got %s", corrID)
	}
	if resp.Success || resp.Message != auth.MsgUserExists {
		t.Fatalf("expect %q on redelivery, got %+v", auth.MsgUserExists, resp)
	}
	if n := store.Len(); n != 1 {
		t.Fatalf("expect exactly one stored credential, got %d", n)
	}
	waitDrained(t, mem, intake)
}
