package dispatch

import (
	"fmt"
	"time"
)

// Config controls retries and per-call limits.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	QueueTimeout time.Duration `yaml:"queue_timeout" json:"queue_timeout"`
	Backoff      time.Duration `yaml:"backoff" json:"backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Jitter       float64       `yaml:"jitter" json:"jitter"`
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		Timeout:      30 * time.Second,
		QueueTimeout: 5 * time.Second,
		Backoff:      100 * time.Millisecond,
		MaxBackoff:   2 * time.Second,
		Jitter:       0.2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if c.Timeout < 0 || c.QueueTimeout < 0 || c.Backoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got %v", c.Jitter)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}
