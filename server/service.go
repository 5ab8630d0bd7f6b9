package server

import (
	"context"
	"fmt"
	"mqauth/message"
	"reflect"
	"strings"
)

type methodType struct {
	method reflect.Method
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[message.Operation]*methodType
}

var (
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	payloadType  = reflect.TypeOf(message.Payload(nil))
	responseType = reflect.TypeOf((*message.Response)(nil))
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

// newService scans rcvr for operation handlers. A handler is an exported
// method of the form
//
//	func (s *T) Name(ctx context.Context, p message.Payload) (*message.Response, error)
//
// and serves the operation strings.ToUpper(Name), so GetHash serves GETHASH.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must be a pointer to a struct, got %v", typ)
	}
	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[message.Operation]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("server: %s has no operation handlers", s.name)
	}
	return s, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != payloadType ||
			mt.Out(0) != responseType || mt.Out(1) != errorType {
			continue
		}
		s.method[message.Operation(strings.ToUpper(m.Name))] = &methodType{method: m}
	}
}

func (s *service) call(ctx context.Context, m *methodType, p message.Payload) (*message.Response, error) {
	if p == nil {
		p = message.Payload{}
	}
	results := m.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(p)})
	var err error
	if e := results[1].Interface(); e != nil {
		err = e.(error)
	}
	resp, _ := results[0].Interface().(*message.Response)
	return resp, err
}
