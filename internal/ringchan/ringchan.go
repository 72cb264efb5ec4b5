// Package ringchan provides a bounded channel that drops its oldest element
// instead of blocking the producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest
// semantics. Producers never block; consumers read C() like any channel.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
type RingChannel[T any] struct {
	mu     sync.Mutex // serializes producers and Close
	ch     chan T
	closed bool

	written     atomic.Int64
	overwritten atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element when full. It reports
// whether an element was dropped. Sending on a closed RingChannel is a no-op.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}
		// consumer may drain concurrently, so only drop if still full
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// Close closes the receive side once; buffered elements stay readable.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Metrics counts accepted and overwritten elements.
type Metrics struct {
	Written     int64
	Overwritten int64
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     rc.written.Load(),
		Overwritten: rc.overwritten.Load(),
	}
}
