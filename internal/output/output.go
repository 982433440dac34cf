package output

import (
	"errors"
	"fmt"
	"time"
)

// Output defines the interface the stream manager drives for one logical
// stream. Frame producers only ever call Broadcast.
type Output interface {
	// Start binds the output and begins accepting clients
	Start() error

	// Stop cleanly shuts down the output and disconnects every client.
	// Calling it on a stopped output is a no-op.
	Stop() error

	// Broadcast hands one encoded JPEG to every connected client.
	// It never blocks on client IO.
	Broadcast(frame []byte)

	// Name returns a human-readable name for this output
	Name() string

	// IsRunning returns true if the output is currently accepting clients
	IsRunning() bool

	// Stats returns a snapshot of the output's counters
	Stats() Stats
}

// Reference policy values.
const (
	DefaultQueueCapacity      = 5
	DefaultPollTimeout        = 2 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultAcceptJoinTimeout  = 500 * time.Millisecond
	DefaultSessionJoinTimeout = 200 * time.Millisecond
)

// Config holds the settings of one MJPEG stream server
type Config struct {
	StreamID string
	Host     string
	Port     int

	QueueCapacity      int
	PollTimeout        time.Duration
	WriteTimeout       time.Duration // 0 disables per-write deadlines
	AcceptJoinTimeout  time.Duration
	SessionJoinTimeout time.Duration
	MaxClients         int // 0 means unlimited
}

// withDefaults fills zero values with the reference policy.
func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	if c.AcceptJoinTimeout <= 0 {
		c.AcceptJoinTimeout = DefaultAcceptJoinTimeout
	}
	if c.SessionJoinTimeout <= 0 {
		c.SessionJoinTimeout = DefaultSessionJoinTimeout
	}
	if c.MaxClients < 0 {
		c.MaxClients = 0
	}
	if c.StreamID == "" {
		c.StreamID = fmt.Sprintf("port-%d", c.Port)
	}
	return c
}

// ErrNotRunning is returned by operations that need a started server.
var ErrNotRunning = errors.New("mjpeg server not running")

// BindError reports that a stream server could not bind its listening port.
// The server stays stopped.
type BindError struct {
	StreamID string
	Addr     string
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("stream %q: failed to bind %s: %v", e.StreamID, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Stats is a point-in-time snapshot of a stream server
type Stats struct {
	StreamID        string         `json:"stream_id"`
	Port            int            `json:"port"`
	Addr            string         `json:"addr,omitempty"`
	Running         bool           `json:"running"`
	Clients         int            `json:"clients"`
	TotalClients    uint64         `json:"total_clients"`
	FramesBroadcast uint64         `json:"frames_broadcast"`
	FramesDropped   uint64         `json:"frames_dropped"`
	BytesSent       uint64         `json:"bytes_sent"`
	LastFrameAt     time.Time      `json:"last_frame_at,omitempty"`
	StartedAt       time.Time      `json:"started_at,omitempty"`
	Sessions        []SessionStats `json:"sessions"`
}

// SessionStats describes one connected client
type SessionStats struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
	BytesSent     uint64    `json:"bytes_sent"`
	Queued        int       `json:"queued"`
}
