// Package retry provides configurable retry logic with backoff for transient provider failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	Delays      []time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig is used for fields ParseConfig cannot read from its input.
var DefaultConfig = Config{
	MaxAttempts: 2,
	Delays:      []time.Duration{100 * time.Millisecond, time.Second},
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. WithRetry returns it unwrapped
// straight away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithRetry executes fn up to MaxAttempts times, sleeping Delays[i] before
// attempt i+2. The last delay is reused once Delays runs out, and no delays
// means retrying straight away.
func WithRetry(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	var (
		lastErr  error
		failures int
	)
	err := jujuretry.Call(jujuretry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			var perm *permanentError
			return errors.As(err, &perm)
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			failures++
		},
		// The schedule follows the failure count rather than the previous
		// delay, so Delay only has to be a valid starting value.
		BackoffFunc: func(time.Duration, int) time.Duration {
			return cfg.delayAfter(failures)
		},
		Attempts: cfg.MaxAttempts,
		Delay:    cfg.delayAfter(1),
		Clock:    cfg.Clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}

	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return perm.err
	case jujuretry.IsAttemptsExceeded(err):
		return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
	case ctx.Err() != nil:
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	}
	return err
}

// delayAfter returns the pause following the n-th failed attempt.
func (c Config) delayAfter(n int) time.Duration {
	if len(c.Delays) == 0 {
		return time.Nanosecond
	}
	if n > len(c.Delays) {
		n = len(c.Delays)
	}
	if n < 1 {
		n = 1
	}
	return c.Delays[n-1]
}

// ParseConfig reads an attempt count and a comma separated list of backoff
// delays in milliseconds, as found in *_RETRY_ATTEMPTS and
// *_RETRY_BACKOFF_MS variables. Unparseable values fall back to def.
func ParseConfig(attemptsStr, backoffStr string, def Config) Config {
	cfg := Config{
		MaxAttempts: def.MaxAttempts,
		Delays:      append([]time.Duration(nil), def.Delays...),
		Clock:       def.Clock,
	}

	if attemptsStr != "" {
		if attempts, err := strconv.Atoi(strings.TrimSpace(attemptsStr)); err == nil && attempts > 0 {
			cfg.MaxAttempts = attempts
		}
	}

	if backoffStr != "" {
		var parsed []time.Duration
		for _, delayStr := range strings.Split(backoffStr, ",") {
			if ms, err := strconv.Atoi(strings.TrimSpace(delayStr)); err == nil && ms > 0 {
				parsed = append(parsed, time.Duration(ms)*time.Millisecond)
			}
		}
		if len(parsed) > 0 {
			cfg.Delays = parsed
		}
	}

	return cfg
}
