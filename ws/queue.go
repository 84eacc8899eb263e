package ws

import (
	"sync"

	"github.com/tcriess/lightspeed-rooms/types"
)

// queue is a bounded outbound frame queue. A full queue drops its oldest frame to make room, so
// pushing never blocks.
type queue struct {
	ch      chan types.Frame
	size    int
	closed  bool
	dropped uint64
	sync.Mutex
}

func newQueue(size int) *queue {
	if size < 1 {
		size = 1
	}
	return &queue{ch: make(chan types.Frame, size), size: size}
}

// push enqueues frame. It returns false if the queue is closed.
func (q *queue) push(frame types.Frame) bool {
	q.Lock()
	defer q.Unlock()
	if q.closed {
		return false
	}
	for {
		select {
		case q.ch <- frame:
			return true
		default:
		}
		select {
		case <-q.ch:
			q.dropped++
		default:
		}
	}
}

// reserve grows the queue so that n more frames fit without dropping, on top of the configured
// size for live traffic. Frames already queued are kept in order. It must be called before
// anybody reads from C.
func (q *queue) reserve(n int) {
	q.Lock()
	defer q.Unlock()
	want := len(q.ch) + n + q.size
	if q.closed || want <= cap(q.ch) {
		return
	}
	ch := make(chan types.Frame, want)
	for {
		select {
		case f := <-q.ch:
			ch <- f
			continue
		default:
		}
		break
	}
	q.ch = ch
}

// close closes the queue. Frames still queued can be drained from C.
func (q *queue) close() {
	q.Lock()
	defer q.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *queue) C() <-chan types.Frame {
	q.Lock()
	defer q.Unlock()
	return q.ch
}

func (q *queue) Dropped() uint64 {
	q.Lock()
	defer q.Unlock()
	return q.dropped
}
