package output

import "time"

// Frame is one complete JPEG image as broadcast to clients.
// Data is shared read-only between every client queue and must not be
// modified after Broadcast.
type Frame struct {
	Data      []byte
	Seq       uint64
	Timestamp time.Time
}

// Len returns the payload length in bytes
func (f *Frame) Len() int {
	return len(f.Data)
}
