package scheduler

import (
	"fmt"
	"time"
)

// Config defines the scheduler configuration.
type Config struct {
	// GraceWindow is the liveness threshold.
	GraceWindow time.Duration `yaml:"grace_window"`
	// Interval is how often every owner is evaluated by the loop.
	Interval time.Duration `yaml:"interval"`
	// Concurrency limits how many owners EvaluateAll processes at once.
	Concurrency int `yaml:"concurrency"`
}

// Validate checks that the configuration is usable. The grace window has
// no default.
func (c *Config) Validate() error {
	if c.GraceWindow <= 0 {
		return fmt.Errorf("grace window must be positive")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("evaluate interval must be positive")
	}
	return nil
}

// concurrency returns the owner fan-out limit, at least 1.
func (c *Config) concurrency() int {
	if c.Concurrency < 1 {
		return 1
	}
	return c.Concurrency
}
