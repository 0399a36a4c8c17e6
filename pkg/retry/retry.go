package retry

import (
	"context"
	"time"

	"github.com/exploopio/intelpipe/pkg/errors"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 2

// Policy bounds the retries of one call.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retrying.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	Backoff Backoff `yaml:"backoff" json:"backoff"`

	// Retryable decides whether an error is worth another attempt.
	// Defaults to errors.IsRetryable.
	Retryable func(error) bool `yaml:"-" json:"-"`

	// OnRetry, when set, is called before each wait.
	OnRetry func(retry int, wait time.Duration, err error) `yaml:"-" json:"-"`
}

// DefaultPolicy returns two retries with the default backoff.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff()}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retries are spent. Waiting stops when ctx is done, returning the last
// error from fn.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !retryable(err) {
			return err
		}

		wait := p.Backoff.Delay(attempt + 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
