// Package backoff implements the retry delay policies shared by saga step
// retries, the command bus retry middleware and projection event retries.
package backoff

import (
	"fmt"
	"time"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Policy describes a bounded retry schedule. The zero value is not valid;
// use New or one of the constructors.
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

const (
	defaultDelay    = 100 * time.Millisecond
	defaultMaxDelay = 30 * time.Second
)

func New(strategy Strategy, maxAttempts int, delay time.Duration) Policy {
	p := Policy{
		Strategy:    strategy,
		MaxAttempts: maxAttempts,
		Delay:       delay,
		MaxDelay:    defaultMaxDelay,
	}
	if p.Delay <= 0 {
		p.Delay = defaultDelay
	}
	return p
}

func Fixed(maxAttempts int, delay time.Duration) Policy {
	return New(StrategyFixed, maxAttempts, delay)
}

func Linear(maxAttempts int, delay time.Duration) Policy {
	return New(StrategyLinear, maxAttempts, delay)
}

func Exponential(maxAttempts int, delay time.Duration) Policy {
	return New(StrategyExponential, maxAttempts, delay)
}

// WithMaxDelay returns a copy of the policy with the delay cap replaced.
func (p Policy) WithMaxDelay(maxDelay time.Duration) Policy {
	p.MaxDelay = maxDelay
	return p
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	switch p.Strategy {
	case StrategyFixed, StrategyLinear, StrategyExponential:
		return nil
	}
	return fmt.Errorf("unknown backoff strategy: %q", p.Strategy)
}

// DelayFor returns the delay before the given retry attempt. Attempts are
// 1-based: attempt 1 is the first retry after the initial failure.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.Delay
	if base <= 0 {
		base = defaultDelay
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = base * time.Duration(attempt)
	case StrategyExponential:
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	default:
		d = base
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
