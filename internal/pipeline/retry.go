package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrMaxRetriesExceeded is returned once a RetryPolicy runs out of attempts.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryPolicy retries a call MaxRetries times after the first attempt. The
// pause starts at Interval and grows by Step after every failed attempt.
type RetryPolicy struct {
	MaxRetries int
	Interval   time.Duration
	Step       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 10,
		Interval:   30 * time.Second,
		Step:       10 * time.Second,
	}
}

func (p RetryPolicy) validate() error {
	if p.MaxRetries < 0 || p.Interval < 0 || p.Step < 0 {
		return fmt.Errorf("retry policy values must be >= 0, got %+v", p)
	}
	return nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do gives up without sleeping.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, the budget is spent, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, logger logrus.FieldLogger, name string, fn func(attempt int) error) error {
	if err := p.validate(); err != nil {
		return err
	}
	pause := p.Interval
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == p.MaxRetries {
			break
		}

		if logger != nil {
			logger.Warnf("<Retry> [%d/%d]: %s failed, sleep %s for next try: %v", attempt+1, p.MaxRetries, name, pause, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
		pause += p.Step
	}
	return fmt.Errorf("%w (%d): %w", ErrMaxRetriesExceeded, p.MaxRetries, lastErr)
}
