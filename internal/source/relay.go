package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bryanchriswhite/lenscast/internal/logger"
	"github.com/bryanchriswhite/lenscast/internal/metrics"
	"github.com/bryanchriswhite/lenscast/internal/output"
)

// DefaultReconnectDelay is the wait between relay connection attempts
const DefaultReconnectDelay = 2 * time.Second

// Relay pulls an upstream MJPEG stream and re-emits every part. It
// reconnects after a fixed delay whenever the upstream fails or ends.
type Relay struct {
	url            string
	reconnectDelay time.Duration
	streamID       string
	clock          clockwork.Clock
	client         *http.Client
	log            *zerolog.Logger
	errLog         rate.Sometimes
}

// NewRelay creates a relay source for url
func NewRelay(url string, reconnectDelay time.Duration, streamID string, clock clockwork.Clock) *Relay {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Relay{
		url:            url,
		reconnectDelay: reconnectDelay,
		streamID:       streamID,
		clock:          clock,
		// No overall timeout: the response body is an endless stream
		client: &http.Client{},
		log:    logger.WithStream("source", streamID),
		errLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Name returns the source type name
func (r *Relay) Name() string {
	return "relay"
}

// Run relays frames until ctx is cancelled
func (r *Relay) Run(ctx context.Context, emit EmitFunc) error {
	errCount := metrics.SourceErrors.WithLabelValues(r.streamID, r.Name())

	for {
		err := r.relayOnce(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}

		errCount.Inc()
		r.errLog.Do(func() {
			r.log.Warn().
				Err(err).
				Str("url", r.url).
				Dur("retry_in", r.reconnectDelay).
				Msg("Upstream stream unavailable, reconnecting")
		})

		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(r.reconnectDelay):
		}
	}
}

// relayOnce holds one upstream connection until it fails
func (r *Relay) relayOnce(ctx context.Context, emit EmitFunc) error {
	fr, err := output.OpenStream(ctx, r.client, r.url)
	if err != nil {
		return err
	}
	defer fr.Close()

	r.log.Info().Str("url", r.url).Msg("Connected to upstream stream")

	for {
		data, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("upstream closed the stream")
			}
			return err
		}
		emit(data)
	}
}
