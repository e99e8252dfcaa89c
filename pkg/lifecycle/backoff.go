package lifecycle

import (
	"fmt"
	"time"

	"github.com/jsndz/ackbus/pkg/config"
)

// Backoff returns the delay before the next reminder, given how many
// reminders have been sent so far.
type Backoff interface {
	Next(sent int) time.Duration
}

type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Next(int) time.Duration { return b.Interval }

// ExponentialBackoff doubles the interval after every reminder, up to Max.
type ExponentialBackoff struct {
	Interval time.Duration
	Max      time.Duration
}

func (b ExponentialBackoff) Next(sent int) time.Duration {
	if sent < 1 {
		sent = 1
	}
	d := b.Interval
	for i := 1; i < sent; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

func NewBackoff(cfg config.BackoffConfig) (Backoff, error) {
	switch cfg.Policy {
	case "", "fixed":
		return FixedBackoff{Interval: cfg.Interval}, nil
	case "exponential":
		return ExponentialBackoff{Interval: cfg.Interval, Max: cfg.MaxInterval}, nil
	default:
		return nil, fmt.Errorf("unsupported backoff policy: %s", cfg.Policy)
	}
}
