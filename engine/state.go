//go:build linux

package engine

import (
	"sync/atomic"

	"github.com/vibelife/pgqueue/query"
)

// state is the shared bus between producers, the pool's I/O goroutine and the
// dispatcher: two bounded queues, the run flag, and the quit channel that
// releases producers blocked on a full request queue at shutdown.
type state struct {
	requests  chan query.Request
	responses chan query.Response
	running   atomic.Bool
	quit      chan struct{}
}

func newState(capacity int) *state {
	s := &state{
		requests:  make(chan query.Request, capacity),
		responses: make(chan query.Response, capacity),
		quit:      make(chan struct{}),
	}
	s.running.Store(true)
	return s
}

// pushRequest enqueues a request, blocking while the queue is full. It
// reports false once shutdown has begun; the request is then dropped without
// its callback ever being invoked.
func (s *state) pushRequest(req query.Request) bool {
	if !s.running.Load() {
		return false
	}
	select {
	case s.requests <- req:
		return true
	case <-s.quit:
		return false
	}
}

// shutdown clears the run flag, releases blocked producers and discards every
// request still queued. Returns the number of requests dropped here; a few
// more may race in and are discarded by the I/O goroutine on exit.
func (s *state) shutdown() int {
	if !s.running.CompareAndSwap(true, false) {
		return 0
	}
	close(s.quit)
	dropped := 0
	for {
		select {
		case <-s.requests:
			dropped++
		default:
			return dropped
		}
	}
}
