package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/lenscast/internal/logger"
)

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/lenscast/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "lenscast", "config.yaml"), nil
}

// NewManager loads the configuration at configFile, or at the default path
// when configFile is empty. A missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Int("streams", len(m.config.Streams)).
		Msg("Config loaded")

	return m, nil
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Parse decodes and validates a YAML configuration document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	return m.config.clone()
}

// Stream returns the configuration of the stream with the given id
func (m *Manager) Stream(id string) (StreamConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return StreamConfig{}, false
	}
	for _, s := range m.config.Streams {
		if s.ID == id {
			return s, true
		}
	}
	return StreamConfig{}, false
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	log := logger.WithComponent("config")
	log.Debug().
		Str("path", m.configPath).
		Int("streams", len(cfg.Streams)).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return fmt.Errorf("failed to write config: %w", err)
	}

	log.Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and replaces the entire configuration, then saves it
func (m *Manager) Update(cfg *Config) error {
	next := cfg.clone()
	next.applyDefaults()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	m.config = next
	m.mu.Unlock()
	return m.Save()
}

// SetAPIPort sets the control API port
func (m *Manager) SetAPIPort(port int) error {
	cfg := m.Get()
	cfg.API.Port = port
	return m.Update(cfg)
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	cfg := m.Get()
	cfg.LogLevel = level
	return m.Update(cfg)
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetViper returns a viper instance holding the current configuration,
// addressable by dotted keys such as "api.port".
func (m *Manager) GetViper() (*viper.Viper, error) {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to load config into viper: %w", err)
	}
	return v, nil
}

// Set assigns value to the dotted key and saves the result. The value is
// interpreted as a YAML scalar, so "9090" is a number, "true" a boolean and
// "2s" a duration where the field is one.
func (m *Manager) Set(key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))

	v, err := m.GetViper()
	if err != nil {
		return err
	}
	if !v.IsSet(key) && !knownKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
		parsed = value
	}
	v.Set(key, parsed)

	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return m.Update(&cfg)
}

// knownKey reports whether key names a scalar field of Config that may be
// absent from the file because it holds its zero value.
func knownKey(key string) bool {
	switch key {
	case "log_level", "log_pretty",
		"api.enabled", "api.host", "api.port", "api.events_interval",
		"defaults.queue_capacity", "defaults.poll_timeout", "defaults.write_timeout",
		"defaults.accept_join_timeout", "defaults.session_join_timeout", "defaults.max_clients":
		return true
	}
	return false
}

func (c *Config) clone() *Config {
	out := *c
	out.Streams = make([]StreamConfig, len(c.Streams))
	copy(out.Streams, c.Streams)
	for i := range out.Streams {
		if e := out.Streams[i].Enabled; e != nil {
			v := *e
			out.Streams[i].Enabled = &v
		}
	}
	return &out
}
