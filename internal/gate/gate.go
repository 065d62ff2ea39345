// Package gate bounds how many host processes run at once.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the number of concurrent host processes.
const DefaultCapacity = 3

// ErrResourceExhausted means no slot became free within the wait ceiling.
var ErrResourceExhausted = errors.New("no execution slot available")

// Gate is a counting gate over execution slots. The zero value is not
// usable; create one with New.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	ceiling  time.Duration
	inUse    atomic.Int64
	observe  func(inUse int)
}

// New creates a Gate with capacity slots. A positive waitCeiling bounds how
// long Acquire queues; zero queues until the context ends.
func New(capacity int, waitCeiling time.Duration) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if waitCeiling < 0 {
		waitCeiling = 0
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		ceiling:  waitCeiling,
	}
}

// Observe registers fn to receive the in-use count after every acquire and
// release. It must be called before the gate is shared.
func (g *Gate) Observe(fn func(inUse int)) {
	g.observe = fn
}

// Acquire blocks until a slot is free. The returned release func frees the
// slot; calling it more than once has no further effect.
//
// Acquire returns ErrResourceExhausted when the wait ceiling elapses, and
// the context's error (wrapped) when ctx ends first.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if ctx.Err() == nil {
		if release, ok := g.TryAcquire(); ok {
			return release, nil
		}
	}

	waitCtx := ctx
	if g.ceiling > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.ceiling)
		defer cancel()
	}

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for execution slot: %w", ctx.Err())
		}
		return nil, ErrResourceExhausted
	}
	return g.hold(), nil
}

// TryAcquire takes a slot only if one is free right now.
func (g *Gate) TryAcquire() (func(), bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return g.hold(), true
}

// hold records a taken slot and returns its release func.
func (g *Gate) hold() func() {
	g.changed(g.inUse.Add(1))

	var once sync.Once
	return func() {
		once.Do(func() {
			g.changed(g.inUse.Add(-1))
			g.sem.Release(1)
		})
	}
}

// InUse returns the number of held slots.
func (g *Gate) InUse() int { return int(g.inUse.Load()) }

// Capacity returns the total number of slots.
func (g *Gate) Capacity() int { return g.capacity }

// WaitCeiling returns the configured queueing bound.
func (g *Gate) WaitCeiling() time.Duration { return g.ceiling }

func (g *Gate) changed(n int64) {
	if g.observe != nil {
		g.observe(int(n))
	}
}
