package agent

import "github.com/effective-security/x/values"

// DefaultMaxIterations bounds the reason-act loop
const DefaultMaxIterations = 10

// Config of the agent
type Config struct {
	// MaxIterations is the maximum number of backend steps per cycle
	MaxIterations int
	// MaxParallelCalls limits concurrent tool calls of one step, 0 is unlimited
	MaxParallelCalls int
	// MaxToolRetries is the number of times a call is retried when the server was unreachable
	MaxToolRetries int
	// Callback receives agent events
	Callback Callback
}

// Option configures the agent
type Option func(*Config)

// NewConfig returns a config with defaults and options applied
func NewConfig(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.MaxIterations = values.NumbersCoalesce(cfg.MaxIterations, DefaultMaxIterations)
	if cfg.Callback == nil {
		cfg.Callback = NoopCallback{}
	}
	return cfg
}

// WithMaxIterations sets the maximum number of backend steps per cycle
func WithMaxIterations(n int) Option {
	return func(c *Config) {
		c.MaxIterations = n
	}
}

// WithMaxParallelCalls limits concurrent tool calls of one step
func WithMaxParallelCalls(n int) Option {
	return func(c *Config) {
		c.MaxParallelCalls = n
	}
}

// WithMaxToolRetries sets the number of retries of calls to unreachable servers
func WithMaxToolRetries(n int) Option {
	return func(c *Config) {
		c.MaxToolRetries = n
	}
}

// WithCallback sets the callback
func WithCallback(cb Callback) Option {
	return func(c *Config) {
		c.Callback = cb
	}
}
