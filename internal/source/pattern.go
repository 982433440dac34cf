package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/bryanchriswhite/lenscast/internal/logger"
	"github.com/bryanchriswhite/lenscast/internal/metrics"
)

// PatternConfig configures a synthetic test card
type PatternConfig struct {
	StreamID string
	Width    int
	Height   int
	FPS      int
	Quality  int
}

var bars = []color.RGBA{
	{192, 192, 192, 255}, // grey
	{192, 192, 0, 255},   // yellow
	{0, 192, 192, 255},   // cyan
	{0, 192, 0, 255},     // green
	{192, 0, 192, 255},   // magenta
	{192, 0, 0, 255},     // red
	{0, 0, 192, 255},     // blue
	{16, 16, 16, 255},    // black
}

// Pattern renders scrolling colour bars with a text stamp carrying the
// stream ID, frame number and clock time.
type Pattern struct {
	cfg   PatternConfig
	clock clockwork.Clock
	log   *zerolog.Logger

	fg      *image.Uniform
	bg      *image.Uniform
	padding int
}

// NewPattern creates a pattern source
func NewPattern(cfg PatternConfig, clock clockwork.Clock) *Pattern {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Pattern{
		cfg:     cfg,
		clock:   clock,
		log:     logger.WithStream("source", cfg.StreamID),
		fg:      image.NewUniform(color.RGBA{255, 255, 255, 255}),
		bg:      image.NewUniform(color.RGBA{0, 0, 0, 200}),
		padding: 5,
	}
}

// Name returns the source type name
func (p *Pattern) Name() string {
	return "pattern"
}

// Run emits one frame per tick until ctx is cancelled
func (p *Pattern) Run(ctx context.Context, emit EmitFunc) error {
	interval := frameInterval(p.cfg.FPS)
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info().
		Int("width", p.cfg.Width).
		Int("height", p.cfg.Height).
		Int("fps", p.cfg.FPS).
		Dur("interval", interval).
		Msg("Pattern source started")

	errCount := metrics.SourceErrors.WithLabelValues(p.cfg.StreamID, p.Name())

	var n uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			n++
			data, err := p.Render(n)
			if err != nil {
				errCount.Inc()
				p.log.Error().Err(err).Uint64("frame", n).Msg("Failed to render pattern frame")
				continue
			}
			emit(data)
		}
	}
}

// Render draws and encodes frame n
func (p *Pattern) Render(n uint64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.cfg.Width, p.cfg.Height))

	// Bars scroll left four pixels per frame
	barWidth := p.cfg.Width / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	shift := int(n*4) % p.cfg.Width
	for x := 0; x < p.cfg.Width; x++ {
		c := bars[((x+shift)/barWidth)%len(bars)]
		for y := 0; y < p.cfg.Height; y++ {
			img.SetRGBA(x, y, c)
		}
	}

	stamp := fmt.Sprintf("%s #%d %s", p.cfg.StreamID, n, p.clock.Now().Format("15:04:05.000"))
	p.drawText(img, stamp)

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// drawText writes s in the bottom-left corner over a translucent box
func (p *Pattern) drawText(img *image.RGBA, s string) {
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()

	d := &font.Drawer{
		Dst:  img,
		Src:  p.fg,
		Face: face,
	}
	textWidthPx := d.MeasureString(s).Ceil()

	box := image.Rect(0, p.cfg.Height-lineHeight-p.padding*2, textWidthPx+p.padding*2, p.cfg.Height)
	draw.Draw(img, box, p.bg, image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{
		X: fixed.I(p.padding),
		Y: fixed.I(p.cfg.Height - p.padding - face.Descent),
	}
	d.DrawString(s)
}
