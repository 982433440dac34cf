package output

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reasons a session ends, used as a metrics label
const (
	closeReasonWriteError = "write_error"
	closeReasonQueueFull  = "queue_full"
	closeReasonStopped    = "stopped"
	closeReasonClientGone = "client_gone"
)

// session owns one accepted client connection. A single writer goroutine
// sends the handshake and then drains the session's queue onto the socket
// until a write fails or the session is closed.
type session struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	connectedAt time.Time
	queue       *frameQueue

	pollTimeout  time.Duration
	writeTimeout time.Duration
	joinTimeout  time.Duration

	active    atomic.Bool
	done      chan struct{} // closed by close()
	finished  chan struct{} // closed when the writer exits
	closeOnce sync.Once

	framesSent atomic.Uint64
	bytesSent  atomic.Uint64

	metrics *streamMetrics
	onClose func(s *session, reason string)
	log     zerolog.Logger
}

func newSession(conn net.Conn, cfg Config, m *streamMetrics, log *zerolog.Logger) *session {
	s := &session{
		id:           uuid.NewString(),
		conn:         conn,
		remoteAddr:   conn.RemoteAddr().String(),
		connectedAt:  time.Now(),
		queue:        newFrameQueue(cfg.QueueCapacity),
		pollTimeout:  cfg.PollTimeout,
		writeTimeout: cfg.WriteTimeout,
		joinTimeout:  cfg.SessionJoinTimeout,
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
		metrics:      m,
	}
	s.log = log.With().
		Str("session", s.id).
		Str("remote", s.remoteAddr).
		Logger()
	s.active.Store(true)
	return s
}

// start spawns the writer goroutine. It must be called exactly once.
func (s *session) start() {
	go s.drainRequest()
	go s.writeLoop()
}

// offer queues a frame for this client. It returns false when the session is
// closed or the queue refused the frame even after evicting the oldest one;
// the caller should then drop the session.
func (s *session) offer(f *Frame) bool {
	if !s.active.Load() {
		return false
	}
	before := s.queue.Dropped()
	if !s.queue.TryEnqueue(f) {
		return false
	}
	if dropped := s.queue.Dropped() - before; dropped > 0 && s.metrics != nil {
		s.metrics.framesDropped.Add(float64(dropped))
	}
	return true
}

// close marks the session closed and releases the connection. It does not
// wait for the writer and is safe to call any number of times.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		close(s.done)
		_ = s.conn.Close()

		s.log.Debug().Str("reason", reason).Msg("Client session closed")
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

// stop closes the session and waits a bounded time for the writer to exit.
func (s *session) stop() {
	s.close(closeReasonStopped)

	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()

	select {
	case <-s.finished:
	case <-timer.C:
		s.log.Warn().
			Dur("timeout", s.joinTimeout).
			Msg("Client writer did not exit within join timeout")
	}
}

func (s *session) isActive() bool {
	return s.active.Load()
}

func (s *session) writeLoop() {
	defer close(s.finished)

	reason := closeReasonStopped
	defer func() { s.close(reason) }()

	s.armDeadline()
	if err := writeHandshake(s.conn); err != nil {
		if s.active.Load() {
			reason = closeReasonWriteError
			s.log.Debug().Err(err).Msg("Failed to write stream header")
		}
		return
	}

	for s.active.Load() {
		frame, ok := s.queue.Dequeue(s.done, s.pollTimeout)
		if !ok {
			// idle timeout or stop; the loop condition decides
			continue
		}

		s.armDeadline()
		if err := writePart(s.conn, frame.Data); err != nil {
			if s.active.Load() {
				reason = closeReasonWriteError
				s.log.Debug().Err(err).Uint64("seq", frame.Seq).Msg("Client write failed")
			}
			return
		}

		s.framesSent.Add(1)
		s.bytesSent.Add(uint64(len(frame.Data)))
		if s.metrics != nil {
			s.metrics.framesSent.Inc()
			s.metrics.bytesSent.Add(float64(len(frame.Data)))
		}
	}
}

func (s *session) armDeadline() {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
}

// drainRequest reads and discards whatever the client sends (its HTTP request
// line and headers). Unread input would make close send a reset instead of a
// clean FIN. EOF or a read error means the client went away, so the session
// ends without waiting for the next write to fail.
func (s *session) drainRequest() {
	_, err := io.Copy(io.Discard, s.conn)
	if !s.active.Load() {
		return
	}
	s.log.Debug().AnErr("read_err", err).Msg("Client closed its side of the connection")
	s.close(closeReasonClientGone)
}

func (s *session) stats() SessionStats {
	return SessionStats{
		ID:            s.id,
		RemoteAddr:    s.remoteAddr,
		ConnectedAt:   s.connectedAt,
		FramesSent:    s.framesSent.Load(),
		FramesDropped: s.queue.Dropped(),
		BytesSent:     s.bytesSent.Load(),
		Queued:        s.queue.Len(),
	}
}
