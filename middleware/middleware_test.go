package middleware

import (
	"context"
	"errors"
	"mqauth/message"
	"sync/atomic"
	"testing"
	"time"
)

var req = &message.Request{Operation: message.OpGetHash, Payload: message.Payload{"email": "a@b.c"}}

func echoHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	resp := message.Success()
	resp.Hash = req.Payload.String("email")
	return resp, nil
}

func slowHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	time.Sleep(200 * time.Millisecond)
	return message.Success(), nil
}

type tempErr struct{}

func (tempErr) Error() string   { return "store unavailable" }
func (tempErr) Temporary() bool { return true }

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(nil)(echoHandler)

	resp, err := handler(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Hash != "a@b.c" {
		t.Fatalf("expect response passed through, got %+v", resp)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	if _, err := handler(context.Background(), req); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	if _, err := handler(context.Background(), req); !errors.Is(err, ErrHandlerTimeout) {
		t.Fatalf("expect ErrHandlerTimeout, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1/s, burst=2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp, _ := handler(context.Background(), req)
		if !resp.Success {
			t.Fatalf("request %d should pass, got %+v", i, resp)
		}
	}

	resp, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("rate limiting is a domain failure, got error %v", err)
	}
	if resp.Success || resp.Message != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got %+v", resp)
	}
}

func TestRetryTemporary(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		if calls.Add(1) < 3 {
			return nil, tempErr{}
		}
		return message.Success(), nil
	}

	resp, err := RetryMiddleware(3, time.Millisecond, nil)(flaky)(context.Background(), req)
	if err != nil || !resp.Success {
		t.Fatalf("expect success after retries, got %+v, %v", resp, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 calls, got %d", calls.Load())
	}
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	broken := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		calls.Add(1)
		return nil, errors.New("permanent")
	}

	if _, err := RetryMiddleware(3, time.Millisecond, nil)(broken)(context.Background(), req); err == nil {
		t.Fatal("expect error")
	}
	if calls.Load() != 1 {
		t.Fatalf("non-temporary errors must not be retried, got %d calls", calls.Load())
	}
}

func TestRetryLeavesDomainFailures(t *testing.T) {
	var calls atomic.Int32
	dup := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		calls.Add(1)
		return message.Failure("User already exists"), nil
	}
	resp, _ := RetryMiddleware(3, time.Millisecond, nil)(dup)(context.Background(), req)
	if resp.Success || calls.Load() != 1 {
		t.Fatalf("domain failure must pass through once, got %+v after %d calls", resp, calls.Load())
	}
}

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(tempErr{}) {
		t.Fatal("tempErr should be temporary")
	}
	wrapped := errors.Join(errors.New("put"), tempErr{})
	if !IsTemporary(wrapped) {
		t.Fatal("wrapped tempErr should be temporary")
	}
	if IsTemporary(errors.New("x")) || IsTemporary(nil) {
		t.Fatal("plain errors are not temporary")
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (*message.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	handler := Chain(mark("a"), LoggingMiddleware(nil), mark("b"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)

	resp, err := handler(context.Background(), req)
	if err != nil || !resp.Success {
		t.Fatalf("expect success, got %+v, %v", resp, err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expect a before b, got %v", order)
	}
}
