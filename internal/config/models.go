package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source types understood by the frame source factory
const (
	SourcePattern   = "pattern"
	SourceDirectory = "directory"
	SourceRelay     = "relay"
	SourceNone      = "none"
)

// Config represents the application configuration
type Config struct {
	LogLevel  string         `json:"log_level" yaml:"log_level"`
	LogPretty bool           `json:"log_pretty" yaml:"log_pretty"`
	API       APIConfig      `json:"api" yaml:"api"`
	Defaults  StreamDefaults `json:"defaults" yaml:"defaults"`
	Streams   []StreamConfig `json:"streams" yaml:"streams"`
}

// APIConfig configures the HTTP control API
type APIConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Host           string        `json:"host" yaml:"host"`
	Port           int           `json:"port" yaml:"port"`
	EventsInterval time.Duration `json:"events_interval" yaml:"events_interval"`
}

// StreamDefaults holds the delivery policy shared by every stream
type StreamDefaults struct {
	QueueCapacity      int           `json:"queue_capacity" yaml:"queue_capacity"`
	PollTimeout        time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout" yaml:"write_timeout"`
	AcceptJoinTimeout  time.Duration `json:"accept_join_timeout" yaml:"accept_join_timeout"`
	SessionJoinTimeout time.Duration `json:"session_join_timeout" yaml:"session_join_timeout"`
	MaxClients         int           `json:"max_clients" yaml:"max_clients"`
}

// StreamConfig describes one logical stream and the port it is served on.
// Zero-valued overrides inherit from Defaults.
type StreamConfig struct {
	ID      string       `json:"id" yaml:"id"`
	Host    string       `json:"host,omitempty" yaml:"host,omitempty"`
	Port    int          `json:"port" yaml:"port"`
	Enabled *bool        `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Source  SourceConfig `json:"source" yaml:"source"`

	QueueCapacity int           `json:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty"`
	WriteTimeout  time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	MaxClients    int           `json:"max_clients,omitempty" yaml:"max_clients,omitempty"`
}

// SourceConfig selects and parameterizes the frame source feeding a stream
type SourceConfig struct {
	Type    string `json:"type" yaml:"type"`
	Width   int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height  int    `json:"height,omitempty" yaml:"height,omitempty"`
	FPS     int    `json:"fps,omitempty" yaml:"fps,omitempty"`
	Quality int    `json:"quality,omitempty" yaml:"quality,omitempty"`

	// directory
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// relay
	URL            string        `json:"url,omitempty" yaml:"url,omitempty"`
	ReconnectDelay time.Duration `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty"`
}

// IsEnabled reports whether the stream should be served. Streams are
// enabled unless explicitly switched off.
func (s StreamConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Resolve returns the effective delivery policy for the stream
func (s StreamConfig) Resolve(d StreamDefaults) StreamDefaults {
	if s.QueueCapacity > 0 {
		d.QueueCapacity = s.QueueCapacity
	}
	if s.WriteTimeout > 0 {
		d.WriteTimeout = s.WriteTimeout
	}
	if s.MaxClients > 0 {
		d.MaxClients = s.MaxClients
	}
	return d
}

// Defaults returns the default configuration: two pattern streams on
// ports 8000 and 8001 and the API on 8080.
func Defaults() *Config {
	pattern := SourceConfig{
		Type:    SourcePattern,
		Width:   640,
		Height:  480,
		FPS:     15,
		Quality: 85,
	}

	return &Config{
		LogLevel:  "info",
		LogPretty: true,
		API: APIConfig{
			Enabled:        true,
			Port:           8080,
			EventsInterval: time.Second,
		},
		Defaults: StreamDefaults{
			QueueCapacity:      5,
			PollTimeout:        2 * time.Second,
			WriteTimeout:       10 * time.Second,
			AcceptJoinTimeout:  500 * time.Millisecond,
			SessionJoinTimeout: 200 * time.Millisecond,
		},
		Streams: []StreamConfig{
			{ID: "wide", Port: 8000, Source: pattern},
			{ID: "ultra", Port: 8001, Source: pattern},
		},
	}
}

// applyDefaults fills zero values left by a partial config file
func (c *Config) applyDefaults() {
	d := Defaults()

	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.API.Port == 0 {
		c.API.Port = d.API.Port
	}
	if c.API.EventsInterval <= 0 {
		c.API.EventsInterval = d.API.EventsInterval
	}
	if c.Defaults.QueueCapacity == 0 {
		c.Defaults.QueueCapacity = d.Defaults.QueueCapacity
	}
	if c.Defaults.PollTimeout == 0 {
		c.Defaults.PollTimeout = d.Defaults.PollTimeout
	}
	if c.Defaults.AcceptJoinTimeout == 0 {
		c.Defaults.AcceptJoinTimeout = d.Defaults.AcceptJoinTimeout
	}
	if c.Defaults.SessionJoinTimeout == 0 {
		c.Defaults.SessionJoinTimeout = d.Defaults.SessionJoinTimeout
	}
	if c.Streams == nil {
		c.Streams = []StreamConfig{}
	}
	for i := range c.Streams {
		src := &c.Streams[i].Source
		if src.Type == "" {
			src.Type = SourceNone
		}
		if src.Type == SourceRelay && src.ReconnectDelay == 0 {
			src.ReconnectDelay = 2 * time.Second
		}
		if src.Type == SourcePattern || src.Type == SourceDirectory {
			if src.FPS == 0 {
				src.FPS = 15
			}
		}
		if src.Type == SourcePattern {
			if src.Width == 0 {
				src.Width = 640
			}
			if src.Height == 0 {
				src.Height = 480
			}
			if src.Quality == 0 {
				src.Quality = 85
			}
		}
	}
}

// Validate checks the configuration for values no stream could run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "disabled", "off":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q (use: debug, info, warn, error)", c.LogLevel))
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid api.port %d", c.API.Port))
	}

	d := c.Defaults
	if d.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("defaults.queue_capacity must be at least 1, got %d", d.QueueCapacity))
	}
	if d.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("defaults.poll_timeout must be positive, got %s", d.PollTimeout))
	}
	if d.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("defaults.write_timeout must not be negative, got %s", d.WriteTimeout))
	}
	if d.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("defaults.max_clients must not be negative, got %d", d.MaxClients))
	}

	ids := make(map[string]bool, len(c.Streams))
	ports := make(map[int]string, len(c.Streams))
	for i, s := range c.Streams {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("streams[%d]: id is required", i))
		} else if ids[s.ID] {
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate id %q", i, s.ID))
		}
		ids[s.ID] = true

		if s.Port < 0 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("stream %q: invalid port %d", s.ID, s.Port))
		} else if s.Port != 0 {
			if other, ok := ports[s.Port]; ok {
				errs = append(errs, fmt.Errorf("stream %q: port %d already used by stream %q", s.ID, s.Port, other))
			}
			ports[s.Port] = s.ID
		}
		if s.collidesWithAPI(c.API) {
			errs = append(errs, fmt.Errorf("stream %q: port %d collides with the API port", s.ID, s.Port))
		}

		if err := s.Source.validate(); err != nil {
			errs = append(errs, fmt.Errorf("stream %q: %w", s.ID, err))
		}
	}

	return errors.Join(errs...)
}

func (s StreamConfig) collidesWithAPI(api APIConfig) bool {
	return api.Enabled && s.Port != 0 && s.Port == api.Port
}

func (s SourceConfig) validate() error {
	switch s.Type {
	case SourceNone:
		return nil
	case SourcePattern:
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("pattern source needs positive width and height, got %dx%d", s.Width, s.Height)
		}
		if s.FPS <= 0 {
			return fmt.Errorf("pattern source needs positive fps, got %d", s.FPS)
		}
		if s.Quality < 1 || s.Quality > 100 {
			return fmt.Errorf("pattern source quality must be within 1-100, got %d", s.Quality)
		}
	case SourceDirectory:
		if s.Dir == "" {
			return errors.New("directory source needs dir")
		}
		if s.FPS <= 0 {
			return fmt.Errorf("directory source needs positive fps, got %d", s.FPS)
		}
	case SourceRelay:
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return fmt.Errorf("relay source needs an http(s) url, got %q", s.URL)
		}
	default:
		return fmt.Errorf("unknown source type %q", s.Type)
	}
	return nil
}
