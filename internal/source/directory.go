package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/lenscast/internal/logger"
)

// ErrNoFrames is returned when a directory holds no usable JPEG files
var ErrNoFrames = errors.New("no JPEG frames found")

var jpegSOI = []byte{0xFF, 0xD8}

// Directory replays the JPEG files of a directory in name order, looping
// forever at a fixed rate.
type Directory struct {
	dir      string
	fps      int
	streamID string
	clock    clockwork.Clock
	log      *zerolog.Logger
	frames   [][]byte
	names    []string
}

// NewDirectory loads every *.jpg and *.jpeg file in dir. Files that do not
// start with a JPEG start-of-image marker are skipped.
func NewDirectory(dir string, fps int, streamID string, clock clockwork.Clock) (*Directory, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	d := &Directory{
		dir:      dir,
		fps:      fps,
		streamID: streamID,
		clock:    clock,
		log:      logger.WithStream("source", streamID),
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) load() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("failed to read frame directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(d.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			d.log.Warn().Err(err).Str("file", path).Msg("Skipping unreadable frame")
			continue
		}
		if !bytes.HasPrefix(data, jpegSOI) {
			d.log.Warn().Str("file", path).Msg("Skipping file without JPEG SOI marker")
			continue
		}
		d.frames = append(d.frames, data)
		d.names = append(d.names, name)
	}

	if len(d.frames) == 0 {
		return fmt.Errorf("%s: %w", d.dir, ErrNoFrames)
	}

	d.log.Info().
		Str("dir", d.dir).
		Int("frames", len(d.frames)).
		Msg("Loaded frame directory")
	return nil
}

// Name returns the source type name
func (d *Directory) Name() string {
	return "directory"
}

// Frames returns the file names in playback order
func (d *Directory) Frames() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Run emits the loaded frames in order, one per tick
func (d *Directory) Run(ctx context.Context, emit EmitFunc) error {
	ticker := d.clock.NewTicker(frameInterval(d.fps))
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			emit(d.frames[i%len(d.frames)])
		}
	}
}
