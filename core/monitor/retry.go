package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrRetryExhausted = errors.New("retry budget exhausted")

// Retry calls a function again after a fixed delay, at most Budget extra
// times. Each call of Do starts from a zero retry count.
type Retry struct {
	Budget int
	Delay  time.Duration
	// Report, if non-nil, observes every failed attempt before the next retry.
	Report func(retry int, err error)
}

// Do returns nil on the first successful try, or ErrRetryExhausted wrapping
// the last error once Budget retries have failed.
func (r Retry) Do(ctx context.Context, try func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	retries := 0
	for {
		err := try(ctx)
		if err == nil {
			return nil
		}
		if retries >= r.Budget {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, retries+1, err)
		}
		retries++
		if r.Report != nil {
			r.Report(retries, err)
		}

		t := time.NewTimer(r.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
