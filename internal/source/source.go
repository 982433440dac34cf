// Package source produces the JPEG frames fed into a stream. Frame
// acquisition proper (cameras, capture cards) lives outside this module; the
// sources here synthesize, replay or relay already-encoded frames.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bryanchriswhite/lenscast/internal/config"
)

// EmitFunc receives each encoded frame. It must not retain the slice past
// the next call unless the source documents otherwise.
type EmitFunc func(jpeg []byte)

// Source defines the interface for frame producers
type Source interface {
	// Name returns a short type name used in logs and metric labels
	Name() string

	// Run produces frames until ctx is cancelled. It returns nil on
	// cancellation and an error only when the source cannot continue.
	Run(ctx context.Context, emit EmitFunc) error
}

// New builds the source described by cfg. It returns a nil Source for the
// "none" type: the stream is then fed only through the API.
func New(cfg config.SourceConfig, streamID string, clock clockwork.Clock) (Source, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	switch cfg.Type {
	case config.SourceNone, "":
		return nil, nil
	case config.SourcePattern:
		return NewPattern(PatternConfig{
			StreamID: streamID,
			Width:    cfg.Width,
			Height:   cfg.Height,
			FPS:      cfg.FPS,
			Quality:  cfg.Quality,
		}, clock), nil
	case config.SourceDirectory:
		d, err := NewDirectory(cfg.Dir, cfg.FPS, streamID, clock)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.SourceRelay:
		return NewRelay(cfg.URL, cfg.ReconnectDelay, streamID, clock), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 15
	}
	return time.Second / time.Duration(fps)
}
