// Package retry re-runs store operations that failed with a transient error.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy controls exponential backoff between attempts.
type Policy struct {
	Attempts   int           // total tries, including the first
	Initial    time.Duration // wait before the second try
	MaxBackoff time.Duration // cap on a single wait
}

// DefaultPolicy is used for store I/O inside the scheduler and pipeline.
var DefaultPolicy = Policy{
	Attempts:   4,
	Initial:    50 * time.Millisecond,
	MaxBackoff: 2 * time.Second,
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts
// run out, or ctx is done. Waits double after each failure up to
// MaxBackoff. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	backoff := p.Initial

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= p.Attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
