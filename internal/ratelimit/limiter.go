// Package ratelimit implements C2: a bound on concurrent in-flight RPC
// calls (a semaphore) plus a bound on calls per second (a leaky bucket
// fed by a ticker). No third-party rate-limiting library appears anywhere
// in the retrieved pack (teacher or siblings) for this narrow a concern —
// every example either has no explicit limiter or hand-rolls one inline —
// so this is built on stdlib sync/time, the same way the teacher hand-
// rolls its own semaphores and tickers elsewhere (e.g. work/worker.go's
// channel-based event loop).
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// Limiter bounds concurrency and throughput for outbound RPC calls (spec
// §4.2 / §2 C2).
type Limiter struct {
	sem    chan struct{}
	tokens chan struct{}
	stop   chan struct{}

	inFlight int64
	total    int64
}

// New constructs a Limiter with the given concurrency and per-second rate
// caps. A zero value for either disables that bound.
func New(maxConcurrent, maxRPS int) *Limiter {
	l := &Limiter{stop: make(chan struct{})}
	if maxConcurrent > 0 {
		l.sem = make(chan struct{}, maxConcurrent)
	}
	if maxRPS > 0 {
		l.tokens = make(chan struct{}, maxRPS)
		for i := 0; i < maxRPS; i++ {
			l.tokens <- struct{}{}
		}
		go l.refill(maxRPS)
	}
	return l
}

func (l *Limiter) refill(maxRPS int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			for i := 0; i < maxRPS; i++ {
				select {
				case l.tokens <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Close stops the internal refill goroutine.
func (l *Limiter) Close() {
	close(l.stop)
}

// Acquire suspends until a concurrency slot and a rate token are both
// available, or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l.tokens != nil {
		select {
		case <-l.tokens:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			if l.tokens != nil {
				l.tokens <- struct{}{}
			}
			return nil, ctx.Err()
		}
	}
	atomic.AddInt64(&l.inFlight, 1)
	atomic.AddInt64(&l.total, 1)
	return func() {
		atomic.AddInt64(&l.inFlight, -1)
		if l.sem != nil {
			<-l.sem
		}
	}, nil
}

// Stats is the observability surface spec §4.2 calls out ("exposes stats()
// for observability").
type Stats struct {
	InFlight int64
	Total    int64
}

func (l *Limiter) Stats() Stats {
	return Stats{
		InFlight: atomic.LoadInt64(&l.inFlight),
		Total:    atomic.LoadInt64(&l.total),
	}
}
