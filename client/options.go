package client

import (
	"time"

	"go.uber.org/zap"

	"tiny-ipc/registry"
	"tiny-ipc/transport"
)

// DefaultShutdownGrace is how long Close waits for a worker to exit on its own.
const DefaultShutdownGrace = 500 * time.Millisecond

type options struct {
	maxConcurrent int
	log           *zap.SugaredLogger
	sink          func(string)
	lenient       bool
	shutdownGrace time.Duration

	registry     registry.Registry
	registryName string
	registryTTL  int64
	weight       int
}

func defaultOptions() *options {
	return &options{
		maxConcurrent: transport.DefaultMaxConcurrent,
		log:           zap.NewNop().Sugar(),
		shutdownGrace: DefaultShutdownGrace,
		registryTTL:   10,
		weight:        1,
	}
}

type Option func(o *options)

// WithMaxConcurrent sets the admission limit. Values below 1 are treated as 1.
func WithMaxConcurrent(n int) Option {
	return func(o *options) {
		o.maxConcurrent = n
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithLogSink receives every line the worker writes to stderr, and in lenient mode every
// stdout line that is not a message.
func WithLogSink(f func(string)) Option {
	return func(o *options) {
		o.sink = f
	}
}

// WithLenientStdout skips stdout lines that do not decode as messages. By default such a
// line is fatal: every outstanding call fails with Protocol and the engine stops reading.
func WithLenientStdout() Option {
	return func(o *options) {
		o.lenient = true
	}
}

func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownGrace = d
		}
	}
}

// WithRegistry announces the worker under name while the engine is open.
func WithRegistry(reg registry.Registry, name string) Option {
	return func(o *options) {
		o.registry = reg
		o.registryName = name
	}
}

// WithRegistryTTL sets the lease TTL in seconds used with WithRegistry.
func WithRegistryTTL(ttl int64) Option {
	return func(o *options) {
		if ttl > 0 {
			o.registryTTL = ttl
		}
	}
}

// WithWeight sets the instance weight seen by weighted balancers.
func WithWeight(w int) Option {
	return func(o *options) {
		if w > 0 {
			o.weight = w
		}
	}
}
