// Package client runs a worker process and calls methods on it.
//
//	eng, err := client.Start(transport.SpawnSpec{Path: "./worker"}, client.WithMaxConcurrent(8))
//	defer eng.Close()
//
//	var sum struct{ Sum int }
//	err = eng.CallTimeout("add", map[string]int{"a": 7, "b": 5}, &sum, time.Second)
//
// Many goroutines may call concurrently. Each call is bounded by its context deadline,
// which covers both the wait for an admission permit and the wait for the response.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tiny-ipc/ipcerr"
	"tiny-ipc/message"
	"tiny-ipc/registry"
	"tiny-ipc/transport"
)

// shutdownWriteTimeout bounds the best-effort shutdown signal on Close.
const shutdownWriteTimeout = 100 * time.Millisecond

// Engine owns one worker process and multiplexes calls over its pipes.
type Engine struct {
	opts      *options
	log       *zap.SugaredLogger
	proc      *transport.Process
	transport *transport.ClientTransport
	gate      *transport.Gate
	instance  registry.WorkerInstance

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Start launches the worker and returns an engine ready for calls.
// It fails with a ProcessStart error if the worker cannot be spawned.
func Start(spec transport.SpawnSpec, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	log := o.log.Named("engine")
	sink := o.sink
	if sink == nil {
		sink = func(line string) { log.Debugw("worker output", "line", line) }
	}

	proc, err := transport.StartProcess(spec, sink, log.Named("process"))
	if err != nil {
		return nil, ipcerr.ProcessStartErr(err)
	}

	gate := transport.NewGate(o.maxConcurrent)
	e := &Engine{
		opts: o,
		log:  log.With("pid", proc.PID()),
		proc: proc,
		gate: gate,
		transport: transport.NewClientTransport(proc.Stdin, proc.Stdout, transport.Options{
			QueueSize: gate.Size(),
			Lenient:   o.lenient,
			Sink:      sink,
			Log:       log.Named("transport"),
		}),
		instance: registry.WorkerInstance{
			ID:        uuid.NewString(),
			Name:      o.registryName,
			PID:       proc.PID(),
			Command:   spec.Command(),
			Weight:    o.weight,
			StartedAt: time.Now(),
		},
	}

	if o.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := o.registry.Register(ctx, e.instance, o.registryTTL)
		cancel()
		if err != nil {
			// The registry is advisory; the worker is usable without it.
			e.log.Warnw("registering worker", "name", o.registryName, "err", err)
		}
	}

	e.log.Debugw("engine started", "max_concurrent", gate.Size(), "lenient", o.lenient)
	return e, nil
}

// Call invokes method with params and decodes the result into reply.
//
// reply may be nil when the result is not needed. The error, if any, is an *ipcerr.Error:
// DeadlineExceeded when ctx expires first, ProcessDied or WriteFailed when the worker is
// gone, Protocol when the stream or the result is malformed, or whatever code the worker
// answered with.
func (e *Engine) Call(ctx context.Context, method string, params any, reply any) error {
	if e.closed.Load() {
		return ipcerr.New(ipcerr.ProcessDied, "client is closed", ipcerr.ErrClosed)
	}

	if err := e.gate.Acquire(ctx); err != nil {
		return contextError(method, err)
	}
	defer e.gate.Release()

	id, ch, err := e.transport.Send(ctx, method, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return contextError(method, err)
		}
		return err
	}

	var resp *transport.Response
	select {
	case resp = <-ch:
	case <-ctx.Done():
		// The worker may still answer; the read loop will find no one waiting.
		e.transport.Forget(id)
		return contextError(method, ctx.Err())
	}

	if resp.Err != nil {
		return resp.Err
	}
	if obj := resp.Msg.Error; obj != nil {
		return ipcerr.FromPayload(obj.Code, obj.Message, obj.Data)
	}
	if reply == nil || resp.Msg.Result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Msg.Result, reply); err != nil {
		return ipcerr.Protocolf(err, "%s: decode result into %T: %v", method, reply, err)
	}
	return nil
}

// CallTimeout is Call with a fresh deadline of d.
func (e *Engine) CallTimeout(method string, params any, reply any, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return e.Call(ctx, method, params, reply)
}

// Invoke calls method and returns the result decoded as T.
func Invoke[T any](ctx context.Context, e *Engine, method string, params any) (T, error) {
	var out T
	err := e.Call(ctx, method, params, &out)
	return out, err
}

func contextError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ipcerr.DeadlineExceededf(err, "%s: call timed out", method)
	}
	return ipcerr.Internalf(err, "%s: call canceled", method)
}

// Close shuts the worker down. It is idempotent and always reclaims the engine's
// goroutines, even when the worker misbehaves:
//  1. mark closed and fail outstanding calls
//  2. send __shutdown__ without waiting for an answer
//  3. close the worker's stdin, then our end of its stdout
//  4. give the worker a grace period to exit, then kill it
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.transport.StopWriter()
		e.transport.Fail(ipcerr.New(ipcerr.ProcessDied, "client is closed", ipcerr.ErrClosed))

		sent := make(chan error, 1)
		go func() {
			sent <- e.transport.WriteRaw(message.NewRequest(uuid.NewString(), message.ShutdownMethod, nil))
		}()
		select {
		case err := <-sent:
			if err != nil {
				e.log.Debugw("shutdown signal not delivered", "err", err)
			}
		case <-time.After(shutdownWriteTimeout):
			e.log.Debugw("shutdown signal write timed out")
		}

		// Closing the pipes unblocks a writer or reader stuck on them.
		e.proc.CloseStdin()
		e.proc.CloseStdout()
		e.closeErr = e.proc.Terminate(e.opts.shutdownGrace)

		<-sent
		<-e.transport.WriteDone()
		<-e.transport.ReadDone()

		if e.opts.registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.opts.registry.Deregister(ctx, e.instance); err != nil {
				e.log.Warnw("deregistering worker", "name", e.opts.registryName, "err", err)
			}
			cancel()
		}
		e.log.Debugw("engine closed")
	})
	return e.closeErr
}

// Done is closed once the engine can no longer read responses: the worker exited, wrote
// something undecodable, or the engine was closed.
func (e *Engine) Done() <-chan struct{} {
	return e.transport.ReadDone()
}

// Err reports why the engine stopped, or nil while it is healthy.
func (e *Engine) Err() error {
	return e.transport.Err()
}

// Instance describes the worker as announced to the registry.
func (e *Engine) Instance() registry.WorkerInstance {
	return e.instance
}

// Stats is a point-in-time view of the engine's load.
type Stats struct {
	transport.Stats
	InFlight      int // calls holding an admission permit
	MaxConcurrent int
}

func (e *Engine) Stats() Stats {
	return Stats{
		Stats:         e.transport.Stats(),
		InFlight:      e.gate.InUse(),
		MaxConcurrent: e.gate.Size(),
	}
}
