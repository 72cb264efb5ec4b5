package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/transport/helper"
	"github.com/srg/dfuq/internal/transport/sim"
)

// TransportKind selects the DFU transport implementation.
type TransportKind string

const (
	TransportSim    TransportKind = "sim"
	TransportHelper TransportKind = "helper"
)

// TransportConfig selects and configures the DFU transport
type TransportConfig struct {
	Kind   TransportKind `yaml:"kind" default:"sim"`
	Helper helper.Config `yaml:"helper"`
	Sim    sim.Config    `yaml:"sim"`
}

// Config holds application configuration
type Config struct {
	LogLevel     logrus.Level    `yaml:"log_level"`
	Transport    TransportConfig `yaml:"transport"`
	DFU          dfu.Options     `yaml:"dfu"`
	UpdateBuffer int             `yaml:"update_buffer" default:"256"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: logrus.PanicLevel,
	}
	// Slow enough for a dry run to be watchable
	cfg.Transport.Sim.StepDelay = 50 * time.Millisecond
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r on top of the defaults. Unknown keys are errors.
func Decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and resolves the helper platform.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportSim:
	case TransportHelper:
		if c.Transport.Helper.Command == "" {
			return errors.New("transport.helper.command is required for the helper transport")
		}
	default:
		return fmt.Errorf("invalid transport kind: %q (must be sim or helper)", c.Transport.Kind)
	}

	p, err := dfu.ParsePlatform(string(c.Transport.Helper.Platform))
	if err != nil {
		return fmt.Errorf("transport.helper.platform: %w", err)
	}
	c.Transport.Helper.Platform = p

	if c.UpdateBuffer <= 0 {
		return fmt.Errorf("update_buffer must be positive, got %d", c.UpdateBuffer)
	}
	if c.DFU.Retries < 0 {
		return fmt.Errorf("dfu.retries must not be negative, got %d", c.DFU.Retries)
	}
	if len(c.DFU.AlternativeAdvertisingName) > 20 {
		return fmt.Errorf("dfu.alternative_advertising_name is longer than 20 bytes")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// NewTransport builds the configured DFU transport.
func (c *Config) NewTransport(logger *logrus.Logger) (dfu.Transport, error) {
	switch c.Transport.Kind {
	case TransportHelper:
		t, err := helper.New(c.Transport.Helper, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create helper transport: %w", err)
		}
		return t, nil
	case TransportSim:
		return sim.New(c.Transport.Sim, logger), nil
	default:
		return nil, fmt.Errorf("invalid transport kind: %q", c.Transport.Kind)
	}
}
