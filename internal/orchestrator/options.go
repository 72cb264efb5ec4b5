package orchestrator

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/dfuq/internal/dfu"
)

// DefaultUpdateBuffer is the per-subscriber capacity when none is given.
const DefaultUpdateBuffer = 256

type config struct {
	logger       *logrus.Logger
	options      dfu.Options
	updateBuffer int
}

// Option configures an Orchestrator.
type Option func(*config)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOptions sets the transport options every session is started with.
func WithOptions(opts dfu.Options) Option {
	return func(c *config) {
		c.options = opts
	}
}

// WithUpdateBuffer sets the default subscriber capacity.
func WithUpdateBuffer(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.updateBuffer = n
		}
	}
}

func newConfig(opts ...Option) config {
	c := config{
		logger:       logrus.New(),
		options:      dfu.DefaultOptions(),
		updateBuffer: DefaultUpdateBuffer,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
