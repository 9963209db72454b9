package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiny-ipc/codec"
	"tiny-ipc/ipcerr"
	"tiny-ipc/message"
	"tiny-ipc/middleware"
)

type Args struct {
	A, B int
}

type Reply struct {
	Sum int `json:"sum"`
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Sum = args.A + args.B
	return nil
}

func (a *Arith) Div(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return ipcerr.InvalidParams("division by zero")
	}
	reply.Sum = args.A / args.B
	return nil
}

// helper methods with the wrong shape are not exposed
func (a *Arith) String() string { return "arith" }

func request(t *testing.T, id, method string, params any) string {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	line, err := codec.Encode(message.NewRequest(id, method, raw))
	require.NoError(t, err)
	return string(line)
}

func responses(t *testing.T, out *bytes.Buffer) []*message.Message {
	t.Helper()
	var msgs []*message.Message
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		m, err := codec.Decode(sc.Bytes())
		require.NoError(t, err, "line %q", sc.Text())
		msgs = append(msgs, m)
	}
	return msgs
}

func serve(t *testing.T, s *Server, input string) []*message.Message {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, s.Serve(strings.NewReader(input), &out))
	return responses(t, &out)
}

func TestServeAnswersInReadOrder(t *testing.T) {
	s := NewServer()
	s.Handle("ping", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "pong", nil
	})
	s.Handle("echo", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return params, nil
	})

	in := request(t, "1", "ping", nil) +
		request(t, "2", "echo", map[string]string{"x": "y"}) +
		`{"v":1,"id":"3","method":"ping"}` // no trailing newline

	got := serve(t, s, in)
	require.Len(t, got, 3)

	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, message.Version, got[0].V)
	assert.JSONEq(t, `"pong"`, string(got[0].Result))
	assert.Nil(t, got[0].Error)

	assert.Equal(t, "2", got[1].ID)
	assert.JSONEq(t, `{"x":"y"}`, string(got[1].Result))

	assert.Equal(t, "3", got[2].ID)
}

func TestServeAnswersMessageWithoutMethod(t *testing.T) {
	got := serve(t, NewServer(), `{"v":1,"id":"r","result":1}`+"\n"+`{"v":1,"id":"q"}`+"\n")
	require.Len(t, got, 2)
	for i, id := range []string{"r", "q"} {
		assert.Equal(t, id, got[i].ID)
		require.NotNil(t, got[i].Error)
		assert.Nil(t, got[i].Result)
		assert.Equal(t, string(ipcerr.NoSuchMethod), got[i].Error.Code)
	}
}

func TestServeSkipsMalformedLines(t *testing.T) {
	s := NewServer()
	s.Handle("ping", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	in := "garbage\n" +
		"\n" +
		"{}\n" +
		`{"v":1,"id":` + "\n" +
		request(t, "ok", "ping", nil)

	got := serve(t, s, in)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID)
}

type emptyErr struct{}

func (emptyErr) Error() string { return "" }

func TestServeClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    ipcerr.Code
		message string
	}{
		{"explicit code", ipcerr.New(ipcerr.NoSuchMethod, "nope", nil), ipcerr.NoSuchMethod, "nope"},
		{"param error", ipcerr.InvalidParams("a is required"), ipcerr.BadParams, "a is required"},
		{"tagged param error", ipcerr.InvalidParams("E_NO_SUCH_METHOD: frob"), ipcerr.NoSuchMethod, "E_NO_SUCH_METHOD: frob"},
		{"raw json syntax", json.Unmarshal([]byte("{"), &struct{}{}), ipcerr.Internal, ""},
		{"raw json type", json.Unmarshal([]byte(`{"n":"x"}`), &map[string]int{}), ipcerr.Internal, ""},
		{"wrapped json type", ipcerr.WrapParams(json.Unmarshal([]byte(`{"n":"x"}`), &map[string]int{})), ipcerr.BadParams, ""},
		{"plain error", errors.New("disk full"), ipcerr.Internal, "disk full"},
		{"empty message", emptyErr{}, ipcerr.Internal, "server.emptyErr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer()
			s.Handle("fail", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				return nil, tt.err
			})

			got := serve(t, s, request(t, "1", "fail", nil))
			require.Len(t, got, 1)
			require.NotNil(t, got[0].Error)
			assert.Nil(t, got[0].Result)
			assert.Equal(t, string(tt.code), got[0].Error.Code)
			assert.NotEmpty(t, got[0].Error.Message)
			if tt.message != "" {
				assert.Equal(t, tt.message, got[0].Error.Message)
			}
		})
	}
}

func TestServeRecoversPanics(t *testing.T) {
	s := NewServer()
	s.Handle("explode", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})
	s.Handle("ping", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	got := serve(t, s, request(t, "1", "explode", nil)+request(t, "2", "ping", nil))
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Error)
	assert.Equal(t, string(ipcerr.Internal), got[0].Error.Code)
	assert.Contains(t, got[0].Error.Message, "panic")
	assert.JSONEq(t, `"pong"`, string(got[1].Result))
}

func TestServeOmitsNullResult(t *testing.T) {
	s := NewServer()
	s.Handle("nothing", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return nil, nil
	})

	var out bytes.Buffer
	require.NoError(t, s.Serve(strings.NewReader(request(t, "1", "nothing", nil)), &out))
	assert.Equal(t, `{"v":1,"id":"1"}`+"\n", out.String())
}

func TestServeUnencodableResult(t *testing.T) {
	s := NewServer()
	s.Handle("chan", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return make(chan int), nil
	})

	got := serve(t, s, request(t, "1", "chan", nil))
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Error)
	assert.Equal(t, string(ipcerr.Internal), got[0].Error.Code)
}

func TestServeUnknownMethod(t *testing.T) {
	got := serve(t, NewServer(), request(t, "1", "frob", nil))
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Error)
	assert.Equal(t, string(ipcerr.NoSuchMethod), got[0].Error.Code)
	assert.Contains(t, got[0].Error.Message, "frob")
}

func TestRegisterService(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Register(&Arith{}))
	assert.Equal(t, []string{"Arith.Add", "Arith.Div"}, s.Methods())

	in := request(t, "1", "Arith.Add", Args{7, 5}) +
		request(t, "2", "Arith.Div", Args{8, 2}) +
		request(t, "3", "Arith.Div", Args{1, 0}) +
		request(t, "4", "Arith.Add", map[string]string{"A": "seven"}) +
		request(t, "5", "Arith.Mul", Args{1, 1}) +
		request(t, "6", "Arith.String", nil)

	got := serve(t, s, in)
	require.Len(t, got, 6)

	assert.JSONEq(t, `{"sum":12}`, string(got[0].Result))
	assert.JSONEq(t, `{"sum":4}`, string(got[1].Result))
	assert.Equal(t, string(ipcerr.BadParams), got[2].Error.Code)
	assert.Equal(t, string(ipcerr.BadParams), got[3].Error.Code)
	assert.Equal(t, string(ipcerr.NoSuchMethod), got[4].Error.Code)
	assert.Equal(t, string(ipcerr.NoSuchMethod), got[5].Error.Code)
}

func TestRegisterNameFlat(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.RegisterName("", &Arith{}))
	assert.Equal(t, []string{"Add", "Div"}, s.Methods())

	got := serve(t, s, request(t, "1", "Add", Args{1, 2}))
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"sum":3}`, string(got[0].Result))
}

type noMethods struct{}

func TestRegisterRejectsBadReceivers(t *testing.T) {
	s := NewServer()
	assert.Error(t, s.Register(Arith{}))
	assert.Error(t, s.Register(&noMethods{}))
	assert.Error(t, s.Register(nil))

	require.NoError(t, s.Register(&Arith{}))
	assert.Error(t, s.Register(&Arith{}), "duplicate service")
}

func TestHandleTakesPrecedenceOverServices(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Register(&Arith{}))
	s.Handle("Arith.Add", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "overridden", nil
	})

	got := serve(t, s, request(t, "1", "Arith.Add", Args{1, 2}))
	assert.JSONEq(t, `"overridden"`, string(got[0].Result))
}

func TestServeWithFallbackHandler(t *testing.T) {
	h := middleware.HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return method, nil
	})

	var out bytes.Buffer
	require.NoError(t, Serve(h, strings.NewReader(request(t, "1", "anything", nil)), &out))
	got := responses(t, &out)
	require.Len(t, got, 1)
	assert.JSONEq(t, `"anything"`, string(got[0].Result))
}

func TestShutdownCallsExitWithoutResponse(t *testing.T) {
	exited := -1
	s := NewServer(WithExitFunc(func(code int) { exited = code }))
	s.Handle("ping", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	in := request(t, "1", "ping", nil) +
		request(t, "2", message.ShutdownMethod, nil) +
		request(t, "3", "ping", nil)

	got := serve(t, s, in)
	assert.Equal(t, 0, exited)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	mark := func(name string) middleware.Middleware {
		return func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				order = append(order, name)
				return next(ctx, method, params)
			}
		}
	}

	s := NewServer()
	s.Use(mark("first"))
	s.Use(mark("second"))
	s.Handle("ping", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		order = append(order, "handler")
		return "pong", nil
	})

	serve(t, s, request(t, "1", "ping", nil))
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestServeReturnsWriteError(t *testing.T) {
	s := NewServer()
	s.Handle("ping", func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	err := s.Serve(strings.NewReader(request(t, "1", "ping", nil)), failingWriter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("bad descriptor") }

func TestServeReturnsReadError(t *testing.T) {
	err := NewServer().Serve(failingReader{}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad descriptor")
}
