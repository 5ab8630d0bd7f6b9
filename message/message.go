// Package message defines the units exchanged between the RPC client and the
// auth worker.
//
// A Request is what the caller asks for, a Response is what the worker answers,
// and an Envelope is the wire unit the broker actually carries: the serialized
// body plus the routing metadata that lets a reply find its way back.
//
//	Caller ──Request──► Client ──Envelope{corr, reply_to, body}──► intake queue ──► Worker
//	Caller ◄─Response── Client ◄─Envelope{corr, body}── reply queue ◄───────────── Worker
package message

import "strings"

// Operation names one of the closed set of worker operations.
type Operation string

const (
	OpRegister Operation = "REGISTER" // payload: email, hash
	OpGetHash  Operation = "GETHASH"  // payload: email
)

// Valid reports whether the worker understands op.
func (op Operation) Valid() bool {
	return op == OpRegister || op == OpGetHash
}

// Payload is the operation-specific argument mapping. Values are whatever
// the body codec can carry: strings, booleans, numbers and nested mappings.
type Payload map[string]any

// String returns the trimmed string stored under key, or "" when the key is
// absent or not a string.
func (p Payload) String(key string) string {
	v, ok := p[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Request is the domain request a caller sends.
type Request struct {
	Operation Operation `json:"operation"`
	Payload   Payload   `json:"payload"`
}

// Envelope is the wire unit: routing metadata wrapped around a serialized body.
//
//   - On request: CorrelationID and ReplyTo are set, Body is the serialized Request.
//   - On reply:   CorrelationID is copied from the request, Body is the serialized Response.
type Envelope struct {
	CorrelationID string
	ReplyTo       string
	ContentType   string
	Body          []byte
}
