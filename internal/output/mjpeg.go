package output

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/bryanchriswhite/lenscast/internal/logger"
	"github.com/bryanchriswhite/lenscast/internal/metrics"
)

// MJPEGServer streams one logical video source as Motion JPEG to every
// client connected to its TCP port. Each client gets its own bounded
// drop-oldest queue, so a stalled viewer never slows the producer or the
// other viewers.
type MJPEGServer struct {
	config  Config
	log     *zerolog.Logger
	metrics *streamMetrics
	limiter *connectionLimiter

	// lifecycleMu serializes Start and Stop
	lifecycleMu sync.Mutex
	run         atomic.Pointer[listenerRun]

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}

	seq          atomic.Uint64
	totalClients atomic.Uint64
	lastFrame    atomic.Int64

	// counters folded in from sessions that already left
	closedDropped atomic.Uint64
	closedBytes   atomic.Uint64

	acceptErrLog rate.Sometimes
}

// listenerRun is the state of one Start..Stop cycle.
type listenerRun struct {
	ln        net.Listener
	startedAt time.Time
	done      chan struct{} // closed when the accept loop exits
	closing   atomic.Bool   // set under sessionsMu by Stop
}

// NewMJPEGServer creates a stopped stream server
func NewMJPEGServer(config Config) *MJPEGServer {
	config = config.withDefaults()
	return &MJPEGServer{
		config:       config,
		log:          logger.WithStream("mjpeg", config.StreamID),
		metrics:      newStreamMetrics(config.StreamID),
		limiter:      newConnectionLimiter(config.MaxClients),
		sessions:     make(map[*session]struct{}),
		acceptErrLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Start binds the stream port and begins accepting clients.
// Starting a running server is a no-op.
func (m *MJPEGServer) Start() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.run.Load() != nil {
		return nil
	}

	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{StreamID: m.config.StreamID, Addr: addr, Err: err}
	}

	r := &listenerRun{
		ln:        ln,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.run.Store(r)
	go m.acceptLoop(r)

	m.log.Info().
		Str("addr", ln.Addr().String()).
		Int("queue_capacity", m.config.QueueCapacity).
		Int("max_clients", m.config.MaxClients).
		Msg("MJPEG stream server started")
	return nil
}

// Stop closes the listener, waits a bounded time for the accept loop, then
// disconnects every client. Stopping a stopped server is a no-op.
func (m *MJPEGServer) Stop() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	r := m.run.Load()
	if r == nil {
		return nil
	}
	m.run.Store(nil)

	m.sessionsMu.Lock()
	r.closing.Store(true)
	m.sessionsMu.Unlock()

	if err := r.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		m.log.Debug().Err(err).Msg("Error closing listener")
	}

	timer := time.NewTimer(m.config.AcceptJoinTimeout)
	select {
	case <-r.done:
	case <-timer.C:
		m.log.Warn().
			Dur("timeout", m.config.AcceptJoinTimeout).
			Msg("Accept loop did not exit within join timeout")
	}
	timer.Stop()

	live := m.snapshot()
	var wg conc.WaitGroup
	for _, s := range live {
		wg.Go(s.stop)
	}
	wg.Wait()

	m.sessionsMu.Lock()
	m.sessions = make(map[*session]struct{})
	m.sessionsMu.Unlock()

	m.log.Info().
		Int("clients_disconnected", len(live)).
		Uint64("frames_broadcast", m.seq.Load()).
		Msg("MJPEG stream server stopped")
	return nil
}

// Broadcast offers a frame to every connected client. Clients whose queue
// refuses the frame are closed and removed. It never waits on client IO and
// is a no-op while the server is stopped.
func (m *MJPEGServer) Broadcast(data []byte) {
	if m.run.Load() == nil {
		return
	}

	now := time.Now()
	frame := &Frame{
		Data:      data,
		Seq:       m.seq.Add(1),
		Timestamp: now,
	}
	m.lastFrame.Store(now.UnixNano())
	m.metrics.framesBroadcast.Inc()

	for _, s := range m.snapshot() {
		if !s.offer(frame) {
			s.close(closeReasonQueueFull)
		}
	}

	m.metrics.broadcastDuration.Observe(time.Since(now).Seconds())
}

// Name returns the output type name
func (m *MJPEGServer) Name() string {
	return fmt.Sprintf("MJPEG stream %q", m.config.StreamID)
}

// StreamID returns the logical stream this server serves
func (m *MJPEGServer) StreamID() string {
	return m.config.StreamID
}

// IsRunning returns true if the server is accepting clients
func (m *MJPEGServer) IsRunning() bool {
	return m.run.Load() != nil
}

// Addr returns the bound listener address, or nil when stopped
func (m *MJPEGServer) Addr() net.Addr {
	r := m.run.Load()
	if r == nil {
		return nil
	}
	return r.ln.Addr()
}

// ClientCount returns the number of live client sessions
func (m *MJPEGServer) ClientCount() int {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	return len(m.sessions)
}

// Stats returns a snapshot of the server's counters
func (m *MJPEGServer) Stats() Stats {
	st := Stats{
		StreamID:        m.config.StreamID,
		Port:            m.config.Port,
		TotalClients:    m.totalClients.Load(),
		FramesBroadcast: m.seq.Load(),
		Sessions:        []SessionStats{},
	}
	if r := m.run.Load(); r != nil {
		st.Running = true
		st.Addr = r.ln.Addr().String()
		st.StartedAt = r.startedAt
	}
	if ts := m.lastFrame.Load(); ts != 0 {
		st.LastFrameAt = time.Unix(0, ts)
	}

	// closed totals and live sessions are read under one lock, so a session
	// leaving the live set is counted exactly once
	m.sessionsMu.RLock()
	st.FramesDropped = m.closedDropped.Load()
	st.BytesSent = m.closedBytes.Load()
	for s := range m.sessions {
		ss := s.stats()
		st.Sessions = append(st.Sessions, ss)
		st.FramesDropped += ss.FramesDropped
		st.BytesSent += ss.BytesSent
	}
	m.sessionsMu.RUnlock()

	sort.Slice(st.Sessions, func(i, j int) bool {
		return st.Sessions[i].ConnectedAt.Before(st.Sessions[j].ConnectedAt)
	})
	st.Clients = len(st.Sessions)
	return st
}

func (m *MJPEGServer) acceptLoop(r *listenerRun) {
	defer close(r.done)

	var backoff time.Duration
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if r.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			m.metrics.acceptErrors.Inc()
			m.acceptErrLog.Do(func() {
				m.log.Error().Err(err).Msg("Accept error")
			})

			// Same backoff shape as net/http for temporary accept failures
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		m.handleConn(r, conn)
	}
}

func (m *MJPEGServer) handleConn(r *listenerRun, conn net.Conn) {
	if !m.limiter.Acquire() {
		m.metrics.clientsRejected.Inc()
		m.log.Warn().
			Str("remote", conn.RemoteAddr().String()).
			Int("max_clients", m.config.MaxClients).
			Msg("Client limit reached, rejecting connection")
		_ = conn.Close()
		return
	}

	s := newSession(conn, m.config, m.metrics, m.log)
	s.onClose = m.removeSession

	m.sessionsMu.Lock()
	if r.closing.Load() {
		m.sessionsMu.Unlock()
		m.limiter.Release()
		_ = conn.Close()
		return
	}
	m.sessions[s] = struct{}{}
	count := len(m.sessions)
	m.sessionsMu.Unlock()

	m.totalClients.Add(1)
	m.metrics.clientsTotal.Inc()
	m.metrics.clientsCurrent.Inc()

	m.log.Info().
		Str("remote", s.remoteAddr).
		Str("session", s.id).
		Int("clients", count).
		Msg("Client connected")

	s.start()
}

// removeSession drops s from the live set. It runs once per session, from
// session.close.
func (m *MJPEGServer) removeSession(s *session, reason string) {
	m.sessionsMu.Lock()
	_, ok := m.sessions[s]
	if ok {
		delete(m.sessions, s)
		// totals move under the same lock Stats reads them with
		m.closedDropped.Add(s.queue.Dropped())
		m.closedBytes.Add(s.bytesSent.Load())
	}
	remaining := len(m.sessions)
	m.sessionsMu.Unlock()

	if !ok {
		return
	}

	m.limiter.Release()
	m.metrics.clientsCurrent.Dec()
	m.metrics.sessionClosed(reason)

	m.log.Info().
		Str("remote", s.remoteAddr).
		Str("session", s.id).
		Str("reason", reason).
		Uint64("frames_sent", s.framesSent.Load()).
		Int("clients", remaining).
		Msg("Client disconnected")
}

// snapshot copies the live set so callers can iterate without the lock.
func (m *MJPEGServer) snapshot() []*session {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()

	out := make([]*session, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// streamMetrics holds collectors pre-bound to one stream label.
type streamMetrics struct {
	streamID          string
	clientsCurrent    prometheus.Gauge
	clientsTotal      prometheus.Counter
	clientsRejected   prometheus.Counter
	acceptErrors      prometheus.Counter
	framesBroadcast   prometheus.Counter
	framesSent        prometheus.Counter
	framesDropped     prometheus.Counter
	bytesSent         prometheus.Counter
	broadcastDuration prometheus.Observer
}

func newStreamMetrics(streamID string) *streamMetrics {
	return &streamMetrics{
		streamID:          streamID,
		clientsCurrent:    metrics.ClientsCurrent.WithLabelValues(streamID),
		clientsTotal:      metrics.ClientsTotal.WithLabelValues(streamID),
		clientsRejected:   metrics.ClientsRejected.WithLabelValues(streamID),
		acceptErrors:      metrics.AcceptErrors.WithLabelValues(streamID),
		framesBroadcast:   metrics.FramesBroadcast.WithLabelValues(streamID),
		framesSent:        metrics.FramesSent.WithLabelValues(streamID),
		framesDropped:     metrics.FramesDropped.WithLabelValues(streamID),
		bytesSent:         metrics.BytesSent.WithLabelValues(streamID),
		broadcastDuration: metrics.BroadcastDuration.WithLabelValues(streamID),
	}
}

func (sm *streamMetrics) sessionClosed(reason string) {
	metrics.SessionsClosed.WithLabelValues(sm.streamID, reason).Inc()
}

var _ Output = (*MJPEGServer)(nil)
