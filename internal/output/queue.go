package output

import (
	"sync"
	"sync/atomic"
	"time"
)

// frameQueue is a fixed-capacity FIFO of pending frames for one client.
// Enqueue never blocks: when the queue is full the oldest frame is evicted
// to make room for the newest one.
type frameQueue struct {
	// mu serializes producers so evict-and-retry is one step; the consumer
	// side only ever receives from frames and needs no lock.
	mu      sync.Mutex
	frames  chan *Frame
	dropped atomic.Uint64
}

func newFrameQueue(capacity int) *frameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &frameQueue{
		frames: make(chan *Frame, capacity),
	}
}

// TryEnqueue inserts f without blocking. On a full queue it evicts exactly
// one oldest frame and retries once; false means the retry also failed and
// the owning session should be treated as unhealthy.
func (q *frameQueue) TryEnqueue(f *Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.frames <- f:
		return true
	default:
	}

	select {
	case <-q.frames:
		q.dropped.Add(1)
	default:
		// consumer drained it between the two steps
	}

	select {
	case q.frames <- f:
		return true
	default:
		return false
	}
}

// Dequeue waits up to timeout for the next frame. It returns false on
// timeout or when done is closed.
func (q *frameQueue) Dequeue(done <-chan struct{}, timeout time.Duration) (*Frame, bool) {
	// Fast path avoids allocating a timer while frames are flowing
	select {
	case f := <-q.frames:
		return f, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-q.frames:
		return f, true
	case <-done:
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

// Len returns the number of queued frames
func (q *frameQueue) Len() int {
	return len(q.frames)
}

// Cap returns the queue capacity
func (q *frameQueue) Cap() int {
	return cap(q.frames)
}

// Dropped returns how many frames were evicted to make room
func (q *frameQueue) Dropped() uint64 {
	return q.dropped.Load()
}
