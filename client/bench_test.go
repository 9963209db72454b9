package client

import (
	"testing"
	"time"
)

func startBenchEngine(b *testing.B, opts ...Option) *Engine {
	b.Helper()
	e, err := Start(workerSpec(nil), opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { e.Close() })
	return e
}

// One caller: every call pays a full round trip through the worker.
func BenchmarkSerialCall(b *testing.B) {
	e := startBenchEngine(b)
	args := map[string]int{"a": 1, "b": 2}
	var reply addReply

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := e.CallTimeout("Add", args, &reply, 5*time.Second); err != nil {
			b.Fatal(err)
		}
	}
}

// Many callers share the pipes; writes are pipelined while the worker is busy.
func BenchmarkConcurrentCall(b *testing.B) {
	e := startBenchEngine(b, WithMaxConcurrent(64))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := map[string]int{"a": 1, "b": 2}
		var reply addReply
		for pb.Next() {
			if err := e.CallTimeout("Add", args, &reply, 5*time.Second); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
