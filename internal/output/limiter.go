package output

import "sync/atomic"

// connectionLimiter caps concurrent clients of one stream server.
// A max of 0 admits everyone but still counts.
type connectionLimiter struct {
	current atomic.Int64
	max     int64
}

func newConnectionLimiter(max int) *connectionLimiter {
	return &connectionLimiter{max: int64(max)}
}

// Acquire attempts to take a client slot.
func (l *connectionLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if l.max > 0 && current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns a client slot.
func (l *connectionLimiter) Release() {
	l.current.Add(-1)
}

// Current returns the number of held slots.
func (l *connectionLimiter) Current() int64 {
	return l.current.Load()
}
