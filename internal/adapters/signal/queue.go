package signal

import (
	"errors"
	"sync"

	"github.com/ilyakh/castroom/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrQueueClosed  = errors.New("send queue closed")
)

// sendQueue is the bounded outbound buffer behind one client
// connection. On overflow the oldest non-critical frame is evicted;
// critical frames (leave, teardown) are always admitted so a
// backlogged reader still learns about departures.
type sendQueue struct {
	mu     sync.Mutex
	frames []core.Frame
	max    int
	closed bool
	ready  chan struct{}
}

func newSendQueue(max int) *sendQueue {
	return &sendQueue{max: max, ready: make(chan struct{}, 1)}
}

func (q *sendQueue) push(f core.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.frames) >= q.max {
		if i := q.oldestEvictableLocked(); i >= 0 {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
		} else if !f.Critical {
			return ErrBackpressure
		}
	}
	q.frames = append(q.frames, f)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *sendQueue) oldestEvictableLocked() int {
	for i, f := range q.frames {
		if !f.Critical {
			return i
		}
	}
	return -1
}

func (q *sendQueue) pop() (core.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return core.Frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *sendQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
