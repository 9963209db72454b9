// Package transport implements the client side of the pipe protocol: the worker process
// handle, the admission gate, and the correlation core that multiplexes calls over the
// worker's stdin and stdout.
//
// ClientTransport lets many goroutines share one pair of pipes. Each request gets a fresh
// correlation id; a single writer goroutine puts request lines on stdin one at a time, and
// a single reader goroutine reads response lines from stdout and routes each one to the
// caller waiting on that id.
//
//	goroutine-1 ──Send(id=a)──┐                 ┌── writeLoop ──→ worker stdin
//	goroutine-2 ──Send(id=b)──┼──→ write queue ─┘
//	goroutine-3 ──Send(id=c)──┘
//
//	readLoop: ←── worker stdout {"id":"b",...} → pending[b] → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tiny-ipc/codec"
	"tiny-ipc/ipcerr"
	"tiny-ipc/message"
)

// Response is the resolution of one call: a decoded response message, or the error that
// ended the call first.
type Response struct {
	Msg *message.Message
	Err error
}

// pendingCall is a single-resolution slot. Whichever path resolves it first wins;
// any later resolution is dropped.
type pendingCall struct {
	ch       chan *Response // buffered so a resolver never blocks
	resolved atomic.Bool
}

func newPendingCall() *pendingCall {
	return &pendingCall{ch: make(chan *Response, 1)}
}

func (c *pendingCall) resolve(r *Response) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		return false
	}
	c.ch <- r
	return true
}

// pendingTable maps correlation ids to outstanding calls. Once failed, it refuses new
// registrations so nothing can wait on a stream that is already gone.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
	err   error
}

func (p *pendingTable) add(id string) (*pendingCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	c := newPendingCall()
	p.calls[id] = c
	return c, nil
}

// take removes and returns the call registered under id, or nil.
func (p *pendingTable) take(id string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	return c
}

func (p *pendingTable) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calls[id]
	return ok
}

// failAll resolves every outstanding call with err and makes err terminal.
// The first terminal error is kept.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	calls := p.calls
	p.calls = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, c := range calls {
		c.resolve(&Response{Err: err})
	}
	return len(calls)
}

func (p *pendingTable) terminal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type writeRequest struct {
	id   string
	line []byte
}

// Options configures a ClientTransport.
type Options struct {
	// QueueSize bounds the write queue. The admission gate keeps producers below it.
	QueueSize int
	// Lenient skips stdout lines that do not decode as messages instead of failing
	// every outstanding call. Skipped lines are passed to Sink.
	Lenient bool
	Sink    func(string)
	Log     *zap.SugaredLogger
}

// Stats is a point-in-time view of the transport.
type Stats struct {
	Outstanding int // registered calls not yet resolved
	Queued      int // request lines waiting for the writer
}

// ClientTransport manages one worker's stdin/stdout pair.
type ClientTransport struct {
	log     *zap.SugaredLogger
	codec   codec.Codec
	writer  *codec.LineWriter
	reader  *codec.LineReader
	pending *pendingTable
	writeq  chan *writeRequest
	lenient bool
	sink    func(string)

	quit      chan struct{}
	quitOnce  sync.Once
	readDone  chan struct{}
	writeDone chan struct{}
}

// NewClientTransport wraps the given streams and starts two background goroutines:
//   - readLoop: reads response lines and resolves the matching pending calls
//   - writeLoop: drains the write queue, one whole line at a time
func NewClientTransport(w io.Writer, r io.Reader, opts Options) *ClientTransport {
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultMaxConcurrent
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Sink == nil {
		log := opts.Log
		opts.Sink = func(line string) { log.Debugw("skipped stdout line", "line", line) }
	}
	t := &ClientTransport{
		log:       opts.Log,
		codec:     codec.GetCodec(codec.CodecTypeJSON),
		writer:    codec.NewLineWriter(w),
		reader:    codec.NewLineReader(r),
		pending:   &pendingTable{calls: make(map[string]*pendingCall)},
		writeq:    make(chan *writeRequest, opts.QueueSize),
		lenient:   opts.Lenient,
		sink:      opts.Sink,
		quit:      make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

// Send serializes a request, registers it and queues it for the writer.
// It returns the correlation id and a channel that receives exactly one Response.
//
// The call is registered BEFORE it is queued, so a fast response can never arrive for an
// id the read loop does not know yet.
func (t *ClientTransport) Send(ctx context.Context, method string, params any) (string, <-chan *Response, error) {
	payload, err := t.codec.Encode(params)
	if err != nil {
		return "", nil, ipcerr.Protocolf(err, "%s: encode params", method)
	}

	id := uuid.NewString()
	line, err := codec.Encode(message.NewRequest(id, method, payload))
	if err != nil {
		return "", nil, err
	}

	call, err := t.pending.add(id)
	if err != nil {
		return "", nil, err
	}

	select {
	case t.writeq <- &writeRequest{id: id, line: line}:
		return id, call.ch, nil
	case <-ctx.Done():
		t.pending.take(id)
		return "", nil, ctx.Err()
	case <-t.quit:
		t.pending.take(id)
		return "", nil, ipcerr.New(ipcerr.ProcessDied, "client is closed", ipcerr.ErrClosed)
	}
}

// Forget drops the registration for id. A response that arrives later is discarded.
func (t *ClientTransport) Forget(id string) {
	t.pending.take(id)
}

// Fail resolves every outstanding call with err and refuses new ones.
func (t *ClientTransport) Fail(err error) {
	if n := t.pending.failAll(err); n > 0 {
		t.log.Debugw("failed outstanding calls", "count", n, "err", err)
	}
}

// WriteRaw writes a line outside the write queue. Used for the fire-and-forget
// shutdown signal once the writer has been stopped.
func (t *ClientTransport) WriteRaw(m *message.Message) error {
	return t.writer.WriteMessage(m)
}

// StopWriter makes the write loop exit after the line it is writing, if any.
func (t *ClientTransport) StopWriter() {
	t.quitOnce.Do(func() { close(t.quit) })
}

// ReadDone is closed when the read loop has stopped.
func (t *ClientTransport) ReadDone() <-chan struct{} {
	return t.readDone
}

// WriteDone is closed when the write loop has stopped.
func (t *ClientTransport) WriteDone() <-chan struct{} {
	return t.writeDone
}

// Err returns the error that ended the transport, or nil while it is healthy.
func (t *ClientTransport) Err() error {
	return t.pending.terminal()
}

func (t *ClientTransport) Stats() Stats {
	return Stats{Outstanding: t.pending.len(), Queued: len(t.writeq)}
}

// readLoop is the only reader of the worker's stdout. Lines must be consumed in order to
// keep line boundaries intact, so there is exactly one.
func (t *ClientTransport) readLoop() {
	defer close(t.readDone)
	for {
		line, err := t.reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.Fail(ipcerr.ProcessDiedf(nil, "worker stream closed"))
			} else {
				t.Fail(ipcerr.ProcessDiedf(err, "worker stream read failed: %v", err))
			}
			return
		}

		msg, err := codec.Decode(line)
		if err != nil {
			if t.lenient {
				t.sink(string(line))
				continue
			}
			// Framing can no longer be trusted; nothing after this line can be correlated.
			t.Fail(ipcerr.Protocolf(err, "read loop: undecodable line: %s", decodeDetail(err)))
			return
		}

		// Route the response to its caller. An unknown id is a late answer to a call that
		// already timed out.
		if call := t.pending.take(msg.ID); call != nil {
			call.resolve(&Response{Msg: msg})
		} else {
			t.log.Debugw("discarded response for unknown id", "id", msg.ID)
		}
	}
}

// writeLoop is the only writer of the worker's stdin, so lines never interleave.
// A failed write ends only the call whose line it was.
func (t *ClientTransport) writeLoop() {
	defer close(t.writeDone)
	for {
		select {
		case w := <-t.writeq:
			if !t.pending.has(w.id) {
				continue // abandoned before it was sent
			}
			if err := t.writer.WriteLine(w.line); err != nil {
				if call := t.pending.take(w.id); call != nil {
					call.resolve(&Response{Err: ipcerr.WriteFailedErr(err)})
				}
			}
		case <-t.quit:
			return
		}
	}
}

// decodeDetail returns the message of a decode error without its code prefix.
func decodeDetail(err error) string {
	var e *ipcerr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ipcerr.SafeMessage(err)
}
