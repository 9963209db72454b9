// Package server is the worker side: it reads requests from stdin, dispatches them to
// handlers and writes one response line per request to stdout.
//
//	stdin → LineReader → Decode → middleware chain → handler → Encode → LineWriter → stdout
//
// Requests are served one at a time, in the order they were read. A malformed line is
// skipped and a failing handler only fails its own request; the loop ends at EOF or when
// the output stream breaks.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"tiny-ipc/codec"
	"tiny-ipc/ipcerr"
	"tiny-ipc/message"
	"tiny-ipc/middleware"
)

// Handler serves method calls. Returning an *ipcerr.Error picks the wire code; any other
// error is classified by ipcerr.Classify.
type Handler interface {
	ServeIPC(ctx context.Context, method string, params json.RawMessage) (any, error)
}

type HandlerFunc = middleware.HandlerFunc

// Server dispatches to registered services and handler funcs, then to a fallback handler.
type Server struct {
	mu          sync.RWMutex
	serviceMap  map[string]*service
	handlers    map[string]HandlerFunc
	fallback    Handler
	middlewares []middleware.Middleware

	log  *zap.SugaredLogger
	exit func(code int)
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithExitFunc replaces os.Exit as the reaction to __shutdown__.
func WithExitFunc(f func(code int)) Option {
	return func(s *Server) {
		if f != nil {
			s.exit = f
		}
	}
}

// WithFallback serves methods that match no registration.
func WithFallback(h Handler) Option {
	return func(s *Server) {
		s.fallback = h
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		handlers:   make(map[string]HandlerFunc),
		log:        zap.NewNop().Sugar(),
		exit:       os.Exit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs the loop with a single handler for every method.
func Serve(h Handler, in io.Reader, out io.Writer) error {
	return NewServer(WithFallback(h)).Serve(in, out)
}

// Register exposes the methods of rcvr as "T.Method", where T is the receiver's type name.
func (s *Server) Register(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	return s.RegisterName(typ.Elem().Name(), rcvr)
}

// RegisterName is Register under an explicit service name. An empty name exposes the
// methods unqualified.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.serviceMap[name]; dup {
		return fmt.Errorf("server: service %q already registered", name)
	}
	s.serviceMap[name] = svc
	return nil
}

// Handle registers fn for one method name. It takes precedence over services.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Use appends a middleware. Middlewares run in the order they were added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Methods lists every registered method name, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.handlers {
		names = append(names, name)
	}
	for _, svc := range s.serviceMap {
		for m := range svc.method {
			names = append(names, svc.qualified(m))
		}
	}
	sort.Strings(names)
	return names
}

// Serve reads requests from in until EOF and writes responses to out. It returns nil at
// EOF and the stream error when reading or writing fails.
func (s *Server) Serve(in io.Reader, out io.Writer) error {
	s.mu.RLock()
	// Built once, not per request.
	handler := middleware.Chain(s.middlewares...)(s.dispatch)
	s.mu.RUnlock()

	reader := codec.NewLineReader(in)
	writer := codec.NewLineWriter(out)
	ctx := context.Background()

	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debugw("input closed")
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}

		req, err := codec.Decode(line)
		if err != nil {
			s.log.Debugw("skipping malformed line", "err", err)
			continue
		}
		if req.IsShutdown() {
			s.log.Debugw("shutdown requested")
			s.exit(0)
			return nil
		}

		var resp *message.Message
		if req.IsRequest() {
			resp = s.respond(ctx, handler, req)
		} else {
			s.log.Debugw("message without method", "id", req.ID)
			resp = errorResponse(req, ipcerr.UnknownMethod("(none)"))
		}
		if err := writer.WriteMessage(resp); err != nil {
			return fmt.Errorf("writing response %s: %w", req.ID, err)
		}
	}
}

// respond runs the handler and always produces a response for req.
func (s *Server) respond(ctx context.Context, handler HandlerFunc, req *message.Message) *message.Message {
	resp := message.NewResponse(req)

	result, err := invoke(ctx, handler, req)
	if err == nil {
		var data []byte
		data, err = json.Marshal(result)
		if err == nil {
			// A null result is omitted from the wire.
			if !bytes.Equal(data, nullJSON) {
				resp.Result = data
			}
			return resp
		}
		err = ipcerr.Internalf(err, "%s: encode result: %v", req.Method, err)
	}
	return errorResponse(req, err)
}

var nullJSON = []byte("null")

func errorResponse(req *message.Message, err error) *message.Message {
	resp := message.NewResponse(req)
	code, msg, data := ipcerr.Payload(err)
	resp.Error = &message.ErrorObject{Code: string(code), Message: msg, Data: data}
	return resp
}

func invoke(ctx context.Context, handler HandlerFunc, req *message.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, ipcerr.Internalf(nil, "panic in %s: %v", req.Method, r)
		}
	}()
	return handler(ctx, req.Method, req.Params)
}

// dispatch is the innermost handler: explicit handlers, then services, then the fallback.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	s.mu.RLock()
	fn, ok := s.handlers[method]
	var svc *service
	var mt *methodType
	if !ok {
		svc, mt = s.lookupLocked(method)
	}
	fallback := s.fallback
	s.mu.RUnlock()

	switch {
	case ok:
		return fn(ctx, method, params)
	case mt != nil:
		return svc.call(ctx, mt, params)
	case fallback != nil:
		return fallback.ServeIPC(ctx, method, params)
	default:
		return nil, ipcerr.UnknownMethod(method)
	}
}

func (s *Server) lookupLocked(method string) (*service, *methodType) {
	for i := len(method) - 1; i >= 0; i-- {
		if method[i] == '.' {
			if svc := s.serviceMap[method[:i]]; svc != nil {
				if mt := svc.method[method[i+1:]]; mt != nil {
					return svc, mt
				}
			}
			break
		}
	}
	if svc := s.serviceMap[""]; svc != nil {
		if mt := svc.method[method]; mt != nil {
			return svc, mt
		}
	}
	return nil, nil
}
