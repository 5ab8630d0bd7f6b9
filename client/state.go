package client

// State is where a Client is in its current call.
//
//	Idle ──Send──► Sent ──Receive──► Awaiting ──┬─► Fulfilled
//	                 ▲                          ├─► TimedOut
//	                 └──────────Send────────────┴─► Failed
type State int

const (
	StateIdle State = iota
	StateSent
	StateAwaiting
	StateFulfilled
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSent:
		return "Sent"
	case StateAwaiting:
		return "Awaiting"
	case StateFulfilled:
		return "Fulfilled"
	case StateTimedOut:
		return "TimedOut"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// inFlight reports whether a call has been sent but not yet resolved.
func (s State) inFlight() bool {
	return s == StateSent || s == StateAwaiting
}
