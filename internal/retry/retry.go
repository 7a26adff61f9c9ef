// Package retry provides a bounded exponential-backoff executor for single
// request operations.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lumetrade/streamcore/errs"
	"github.com/lumetrade/streamcore/internal/observability"
)

const (
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 3
)

// Config bounds one logical retryable operation.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c Config) normalize() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// RetryIf reports whether the error is worth another attempt.
type RetryIf func(err error) bool

// Executor runs operations with bounded exponential backoff. Each call site
// owns its own Executor; retry state is never shared across unrelated
// operations, so one operation's failures cannot throttle another's first attempt.
type Executor struct {
	op    string
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an executor for the named operation.
func New(op string, cfg Config) *Executor {
	return &Executor{
		op:    op,
		cfg:   cfg.normalize(),
		sleep: sleepCtx,
	}
}

// Execute runs the operation, retrying every failure within the attempt budget.
func (e *Executor) Execute(ctx context.Context, fn Operation) error {
	return e.ExecuteRetryIf(ctx, fn, nil)
}

// ExecuteRetryIf runs the operation; on failure, if shouldRetry accepts the
// error and attempts remain, it waits baseDelay·2^attempt (capped at MaxDelay)
// and retries. The attempt counter is local to this call: any successful
// completion leaves the next Execute starting fresh from attempt 0.
func (e *Executor) ExecuteRetryIf(ctx context.Context, fn Operation, shouldRetry RetryIf) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = e.cfg.MaxDelay

	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			observability.Telemetry().IncCounter("retry_successes_total", 1, map[string]string{"op": e.op})
			return nil
		}
		attempt++

		if shouldRetry != nil && !shouldRetry(err) {
			return fmt.Errorf("%s: %w", e.op, err)
		}
		if attempt >= e.cfg.MaxAttempts {
			observability.Telemetry().IncCounter("retry_exhausted_total", 1, map[string]string{"op": e.op})
			return errs.New(e.op, errs.CodeRequest,
				errs.WithMessage(fmt.Sprintf("gave up after %d attempts", attempt)),
				errs.WithCause(err))
		}

		delay := bo.NextBackOff()
		observability.Telemetry().IncCounter("retry_attempts_total", 1, map[string]string{"op": e.op})
		observability.Log().Warn("retrying operation",
			observability.Field{Key: "op", Value: e.op},
			observability.Field{Key: "attempt", Value: attempt},
			observability.Field{Key: "delay", Value: delay.String()},
			observability.Field{Key: "error", Value: err.Error()},
		)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%s: %w", e.op, sleepErr)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	}
}
