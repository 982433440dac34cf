// Package stream wires configured streams to their MJPEG servers and frame
// sources.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/bryanchriswhite/lenscast/internal/config"
	"github.com/bryanchriswhite/lenscast/internal/logger"
	"github.com/bryanchriswhite/lenscast/internal/metrics"
	"github.com/bryanchriswhite/lenscast/internal/output"
	"github.com/bryanchriswhite/lenscast/internal/source"
)

// ErrUnknownStream is returned for stream IDs missing from the configuration
var ErrUnknownStream = errors.New("unknown stream")

// Status describes one configured stream
type Status struct {
	ID      string       `json:"id"`
	Port    int          `json:"port"`
	Enabled bool         `json:"enabled"`
	Source  string       `json:"source"`
	Stats   output.Stats `json:"stats"`
}

// Manager owns one MJPEG server, and optionally one source, per stream
type Manager struct {
	mu      sync.Mutex
	streams []*stream
	byID    map[string]*stream
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	log     *zerolog.Logger
}

type stream struct {
	cfg    config.StreamConfig
	server *output.MJPEGServer
	src    source.Source
	frames prometheus.Counter
	log    *zerolog.Logger

	srcMu     sync.Mutex
	srcCancel context.CancelFunc
	srcDone   chan struct{}
}

// NewManager builds the servers and sources for every configured stream.
// Nothing is bound until Start.
func NewManager(cfg *config.Config) (*Manager, error) {
	return newManager(cfg, clockwork.NewRealClock())
}

func newManager(cfg *config.Config, clock clockwork.Clock) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Manager{
		byID: make(map[string]*stream, len(cfg.Streams)),
		log:  logger.WithComponent("stream"),
	}

	for _, sc := range cfg.Streams {
		policy := sc.Resolve(cfg.Defaults)

		src, err := source.New(sc.Source, sc.ID, clock)
		if err != nil {
			return nil, fmt.Errorf("stream %q: %w", sc.ID, err)
		}

		st := &stream{
			cfg: sc,
			server: output.NewMJPEGServer(output.Config{
				StreamID:           sc.ID,
				Host:               sc.Host,
				Port:               sc.Port,
				QueueCapacity:      policy.QueueCapacity,
				PollTimeout:        policy.PollTimeout,
				WriteTimeout:       policy.WriteTimeout,
				AcceptJoinTimeout:  policy.AcceptJoinTimeout,
				SessionJoinTimeout: policy.SessionJoinTimeout,
				MaxClients:         policy.MaxClients,
			}),
			src: src,
			log: logger.WithStream("stream", sc.ID),
		}
		if src != nil {
			st.frames = metrics.SourceFrames.WithLabelValues(sc.ID, src.Name())
		}

		m.streams = append(m.streams, st)
		m.byID[sc.ID] = st
	}

	return m, nil
}

// Start binds every enabled stream, then starts their sources. If any port
// cannot be bound the streams already started are stopped again and the
// bind error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	var running []*stream
	for _, st := range m.streams {
		if !st.cfg.IsEnabled() {
			st.log.Info().Msg("Stream disabled, not starting")
			continue
		}
		if err := st.server.Start(); err != nil {
			for _, r := range running {
				_ = r.server.Stop()
			}
			return err
		}
		running = append(running, st)
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, st := range running {
		st.startSource(m.ctx)
	}
	m.started = true

	m.log.Info().
		Int("streams", len(running)).
		Int("configured", len(m.streams)).
		Msg("Stream manager started")
	return nil
}

// Stop stops every source and server, including streams started on their
// own through StartStream. Servers stop concurrently so that one slow stream
// does not hold the others. Stopping twice is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	var wg conc.WaitGroup
	for _, st := range m.streams {
		wg.Go(func() {
			st.stopSource()
			if err := st.server.Stop(); err != nil {
				st.log.Error().Err(err).Msg("Failed to stop stream server")
			}
		})
	}
	wg.Wait()

	if m.started {
		m.log.Info().Msg("Stream manager stopped")
	}
	m.started = false
}

// SubmitFrame broadcasts an encoded frame on stream id
func (m *Manager) SubmitFrame(id string, jpeg []byte) error {
	st, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !st.server.IsRunning() {
		return fmt.Errorf("stream %q: %w", id, output.ErrNotRunning)
	}
	st.server.Broadcast(jpeg)
	return nil
}

// StartStream starts a single stream and its source
func (m *Manager) StartStream(id string) error {
	st, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := st.server.Start(); err != nil {
		return err
	}

	ctx := m.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	st.startSource(ctx)
	return nil
}

// StopStream stops a single stream and its source
func (m *Manager) StopStream(id string) error {
	st, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st.stopSource()
	return st.server.Stop()
}

// Statuses returns the status of every configured stream in config order
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.streams))
	for _, st := range m.streams {
		out = append(out, st.status())
	}
	return out
}

// Status returns the status of stream id
func (m *Manager) Status(id string) (Status, error) {
	st, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return st.status(), nil
}

// Server returns the MJPEG server of stream id
func (m *Manager) Server(id string) (*output.MJPEGServer, error) {
	st, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return st.server, nil
}

func (m *Manager) lookup(id string) (*stream, error) {
	st, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	return st, nil
}

func (st *stream) status() Status {
	name := config.SourceNone
	if st.src != nil {
		name = st.src.Name()
	}
	return Status{
		ID:      st.cfg.ID,
		Port:    st.cfg.Port,
		Enabled: st.cfg.IsEnabled(),
		Source:  name,
		Stats:   st.server.Stats(),
	}
}

// startSource runs the stream's source in its own goroutine unless one is
// already running.
func (st *stream) startSource(ctx context.Context) {
	if st.src == nil {
		return
	}

	st.srcMu.Lock()
	defer st.srcMu.Unlock()
	if st.srcCancel != nil {
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	st.srcCancel, st.srcDone = cancel, done

	go func() {
		defer close(done)
		err := st.src.Run(sctx, func(jpeg []byte) {
			st.frames.Inc()
			st.server.Broadcast(jpeg)
		})
		if err != nil {
			st.log.Error().Err(err).Str("source", st.src.Name()).Msg("Frame source stopped")
		}
	}()

	st.log.Debug().Str("source", st.src.Name()).Msg("Frame source started")
}

func (st *stream) stopSource() {
	st.srcMu.Lock()
	cancel, done := st.srcCancel, st.srcDone
	st.srcCancel, st.srcDone = nil, nil
	st.srcMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
