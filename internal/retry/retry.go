// Package retry runs flaky network calls a bounded number of times with a fixed
// pause between failures.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
)

// Policy bounds a retried operation.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
	// Name labels log lines.
	Name string
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Name == "" {
		p.Name = "operation"
	}
	return p
}

// Do runs op until it succeeds or p.Attempts executions have failed, sleeping
// p.Delay between failures. It returns the last error. Cancelling ctx stops the
// wait and returns the context error joined with the last failure.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		p.Logger.Warn("retry attempt failed", "op", p.Name, "attempt", attempt, "max_attempts", p.Attempts, "err", err)
		if attempt == p.Attempts {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return zero, errors.Join(err, lastErr)
		}
	}
	p.Logger.Error("retry attempts exhausted", "op", p.Name, "max_attempts", p.Attempts, "err", lastErr)
	return zero, lastErr
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Go runs op with Run on its own goroutine, detached from ctx cancellation.
// The final error is only logged. The returned channel closes when it is done.
func Go(ctx context.Context, p Policy, op func(ctx context.Context) error) <-chan struct{} {
	p = p.normalized()
	done := make(chan struct{})
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		_ = Run(ctx, p, op)
	}()
	return done
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
