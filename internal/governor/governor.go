// Package governor bounds the number of tasks executing at once.
//
// The governor is a fixed pool of permits backed by a buffered channel. A
// dispatch holds exactly one permit for the full duration of its execution,
// including timeout handling, and releases it exactly once.
package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOverloaded is returned when no permit became available within the
// acquire timeout. Callers should surface this as backpressure, not retry
// in a tight loop.
var ErrOverloaded = errors.New("concurrency limit reached")

// Governor is a fixed-size permit pool.
type Governor struct {
	permits  chan struct{}
	acquire  time.Duration
	inFlight atomic.Int64
}

// New creates a governor with max permits. Acquire waits at most acquireTimeout
// before failing with ErrOverloaded.
func New(max int, acquireTimeout time.Duration) *Governor {
	if max <= 0 {
		max = 1
	}
	return &Governor{
		permits: make(chan struct{}, max),
		acquire: acquireTimeout,
	}
}

// Permit is a held execution slot. Release returns it to the pool and is safe
// to call more than once; only the first call has an effect.
type Permit struct {
	g    *Governor
	once sync.Once
}

// Release returns the permit to the pool.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.inFlight.Add(-1)
		<-p.g.permits
	})
}

// Acquire obtains a permit, waiting up to the acquire timeout. It returns
// early if ctx is cancelled first.
func (g *Governor) Acquire(ctx context.Context) (*Permit, error) {
	// Fast path: a free permit means no timer allocation.
	select {
	case g.permits <- struct{}{}:
		g.inFlight.Add(1)
		return &Permit{g: g}, nil
	default:
	}

	timer := time.NewTimer(g.acquire)
	defer timer.Stop()

	select {
	case g.permits <- struct{}{}:
		g.inFlight.Add(1)
		return &Permit{g: g}, nil
	case <-timer.C:
		return nil, ErrOverloaded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire obtains a permit without waiting.
func (g *Governor) TryAcquire() (*Permit, bool) {
	select {
	case g.permits <- struct{}{}:
		g.inFlight.Add(1)
		return &Permit{g: g}, true
	default:
		return nil, false
	}
}

// InFlight reports the number of currently held permits.
func (g *Governor) InFlight() int {
	return int(g.inFlight.Load())
}

// Capacity reports the permit pool size.
func (g *Governor) Capacity() int {
	return cap(g.permits)
}
