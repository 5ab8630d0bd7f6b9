package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Response is the worker's answer. Domain failures ("user already exists")
// are ordinary responses with Success == false, never transport errors.
//
// On the wire a Response is a flat object: success, hash and message sit next
// to any operation-specific extras kept in Fields.
type Response struct {
	Success bool
	Hash    string
	Message string
	Fields  map[string]any
}

var errMissingSuccess = errors.New("response: missing boolean success field")

// Success builds a successful response.
func Success() *Response {
	return &Response{Success: true}
}

// Failure builds a domain failure carrying msg.
func Failure(msg string) *Response {
	return &Response{Success: false, Message: msg}
}

func (r Response) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["success"] = r.Success
	if r.Hash != "" {
		m["hash"] = r.Hash
	}
	if r.Message != "" {
		m["message"] = r.Message
	}
	return json.Marshal(m)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	success, ok := raw["success"].(bool)
	if !ok {
		return errMissingSuccess
	}
	*r = Response{Success: success}
	delete(raw, "success")

	for key, dst := range map[string]*string{"hash": &r.Hash, "message": &r.Message} {
		v, present := raw[key]
		if !present {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("response: field %q must be a string, got %T", key, v)
		}
		*dst = s
		delete(raw, key)
	}

	if len(raw) > 0 {
		r.Fields = raw
	}
	return nil
}
