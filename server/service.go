package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"tiny-ipc/ipcerr"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for exported methods shaped like
//
//	func (t *T) Name(args *A, reply *R) error
//	func (t *T) Name(ctx context.Context, args *A, reply *R) error
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("server: %s has no exported methods of the form (args *A, reply *R) error", typ)
	}
	return s, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

// qualified returns the wire name of a method: "Service.Method", or just "Method" for a
// service registered without a name.
func (s *service) qualified(method string) string {
	if s.name == "" {
		return method
	}
	return s.name + "." + method
}

// call decodes params into a fresh *A, invokes the method and returns the *R it filled.
func (s *service) call(ctx context.Context, mt *methodType, params json.RawMessage) (any, error) {
	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)

	if len(params) > 0 {
		if err := json.Unmarshal(params, argv.Interface()); err != nil {
			return nil, ipcerr.WrapParams(err)
		}
	}

	args := make([]reflect.Value, 0, 4)
	args = append(args, s.rcvr)
	if mt.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)

	results := mt.method.Func.Call(args)
	if errv := results[0]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	return replyv.Interface(), nil
}
