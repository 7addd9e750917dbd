// Package config loads YAML configuration of courier engine.
package config

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/courier"
)

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatYAML    = "yaml"
)

// Default values applied to omitted fields.
const (
	DefaultMaxMessageSize       = 1024 * 1024
	DefaultSendWindow           = 64
	DefaultBacklogThreshold     = 1024
	DefaultExceptionDestination = "exceptions"
	DefaultStorePath            = "courier.db"
)

var (
	defaultReconnectDelay       = time.Second
	defaultHousekeepingInterval = time.Second
	defaultRequestGrace         = 5 * time.Second
	defaultUnreachableTimeout   = 30 * time.Second
)

// Config is the content of configuration file.
type Config struct {
	Engine               EngineConfig        `yaml:"engine"`
	Listen               string              `yaml:"listen,omitempty"`
	Peers                []string            `yaml:"peers,omitempty"`
	MaxMessageSize       uint64              `yaml:"maxMessageSize,omitempty"`
	ReconnectDelay       Duration            `yaml:"reconnectDelay,omitempty"`
	HousekeepingInterval Duration            `yaml:"housekeepingInterval,omitempty"`
	UnreachableTimeout   Duration            `yaml:"unreachableTimeout,omitempty"`
	Store                StoreConfig         `yaml:"store"`
	Streams              StreamsConfig       `yaml:"streams"`
	Anycast              AnycastConfig       `yaml:"anycast"`
	Destinations         map[string][]string `yaml:"destinations,omitempty"`
	ExceptionDestination string              `yaml:"exceptionDestination,omitempty"`
	Metrics              MetricsConfig       `yaml:"metrics"`
	Log                  LogConfig           `yaml:"log"`
}

// EngineConfig identifies the engine.
type EngineConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	Bus  string `yaml:"bus,omitempty"`
}

// StoreConfig configures message store.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// StreamsConfig configures guaranteed delivery streams.
type StreamsConfig struct {
	SendWindow       uint64 `yaml:"sendWindow,omitempty"`
	BacklogThreshold uint64 `yaml:"backlogThreshold,omitempty"`
}

// AnycastConfig configures remote get.
type AnycastConfig struct {
	Grace           Duration `yaml:"grace,omitempty"`
	MaxRedeliveries uint32   `yaml:"maxRedeliveries,omitempty"`
}

// MetricsConfig configures metrics endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// LogConfig configures logger.
type LogConfig struct {
	Format string `yaml:"format,omitempty"`
}

// Duration wraps time.Duration for YAML strings like "10s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// ApplyDefaults sets default values of omitted fields.
func (c *Config) ApplyDefaults() {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ReconnectDelay.Duration == 0 {
		c.ReconnectDelay.Duration = defaultReconnectDelay
	}
	if c.HousekeepingInterval.Duration == 0 {
		c.HousekeepingInterval.Duration = defaultHousekeepingInterval
	}
	if c.UnreachableTimeout.Duration == 0 {
		c.UnreachableTimeout.Duration = defaultUnreachableTimeout
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Streams.SendWindow == 0 {
		c.Streams.SendWindow = DefaultSendWindow
	}
	if c.Streams.BacklogThreshold == 0 {
		c.Streams.BacklogThreshold = DefaultBacklogThreshold
	}
	if c.Anycast.Grace.Duration == 0 {
		c.Anycast.Grace.Duration = defaultRequestGrace
	}
	if c.ExceptionDestination == "" {
		c.ExceptionDestination = DefaultExceptionDestination
	}
	if c.Log.Format == "" {
		c.Log.Format = FormatConsole
	}
	if c.Engine.Name == "" {
		c.Engine.Name = c.Engine.ID
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if _, err := uuid.Parse(c.Engine.ID); err != nil {
		return errors.Wrapf(err, "invalid engine id %q", c.Engine.ID)
	}
	switch c.Log.Format {
	case FormatConsole, FormatJSON, FormatYAML:
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Streams.SendWindow > c.Streams.BacklogThreshold {
		return errors.Errorf("send window %d exceeds backlog threshold %d", c.Streams.SendWindow,
			c.Streams.BacklogThreshold)
	}
	if _, exists := c.Destinations[c.ExceptionDestination]; exists {
		return errors.Errorf("exception destination %q must be local", c.ExceptionDestination)
	}
	for dest, hosts := range c.Destinations {
		if len(hosts) == 0 {
			return errors.Errorf("destination %q has no hosts", dest)
		}
		for _, h := range hosts {
			if _, err := uuid.Parse(h); err != nil {
				return errors.Wrapf(err, "invalid host %q of destination %q", h, dest)
			}
		}
	}
	return nil
}

// EngineConfig maps the config to the config of messaging engine.
func (c *Config) EngineConfig() (courier.Config, error) {
	engineID, err := uuid.Parse(c.Engine.ID)
	if err != nil {
		return courier.Config{}, errors.Wrapf(err, "invalid engine id %q", c.Engine.ID)
	}

	localizations := make(map[string][]uuid.UUID, len(c.Destinations))
	for dest, hosts := range c.Destinations {
		ids := make([]uuid.UUID, 0, len(hosts))
		for _, h := range hosts {
			id, err := uuid.Parse(h)
			if err != nil {
				return courier.Config{}, errors.Wrapf(err, "invalid host %q of destination %q", h, dest)
			}
			ids = append(ids, id)
		}
		localizations[dest] = ids
	}

	return courier.Config{
		EngineID:             engineID,
		Name:                 c.Engine.Name,
		Bus:                  c.Engine.Bus,
		Peers:                c.Peers,
		MaxMessageSize:       c.MaxMessageSize,
		ReconnectDelay:       c.ReconnectDelay.Duration,
		SendWindow:           c.Streams.SendWindow,
		BacklogThreshold:     c.Streams.BacklogThreshold,
		RequestGrace:         c.Anycast.Grace.Duration,
		MaxRedeliveries:      c.Anycast.MaxRedeliveries,
		HousekeepingInterval: c.HousekeepingInterval.Duration,
		UnreachableTimeout:   c.UnreachableTimeout.Duration,
		Localizations:        localizations,
		MetricsAddress:       c.Metrics.Listen,
	}, nil
}
