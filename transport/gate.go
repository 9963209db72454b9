package transport

import "context"

// DefaultMaxConcurrent is the admission limit used when none is configured.
const DefaultMaxConcurrent = 16

// Gate bounds the number of calls in flight on one worker.
//
// Like a pool of tokens: a buffered channel whose length is the number of permits
// handed out. Sending blocks once the channel is full, which is exactly the wait a
// caller should see when the worker is saturated.
type Gate struct {
	slots chan struct{}
}

// NewGate creates a gate with n permits. n < 1 is treated as 1.
func NewGate(n int) *Gate {
	if n < 1 {
		n = 1
	}
	return &Gate{slots: make(chan struct{}, n)}
}

// Acquire takes a permit, blocking until one is free or ctx is done.
// A context that is already done never acquires.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit taken by Acquire.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
		panic("transport: Gate.Release without Acquire")
	}
}

// InUse returns the number of permits currently held.
func (g *Gate) InUse() int {
	return len(g.slots)
}

// Size returns the number of permits.
func (g *Gate) Size() int {
	return cap(g.slots)
}
