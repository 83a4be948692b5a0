package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// AllOf reports a target reachable only when every check passes. The result
// joins every failure.
func AllOf(checks ...Probe) Probe {
	return func(ctx context.Context) error {
		var errs []error
		for _, check := range checks {
			if err := check(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// WithSetup runs setup after check first passes and again after each later
// passing check until setup succeeds. A failed setup is logged and does not
// mark the target unreachable.
func WithSetup(check Probe, setup func(ctx context.Context) error, logger *slog.Logger) Probe {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		mu   sync.Mutex
		done bool
	)
	return func(ctx context.Context) error {
		if err := check(ctx); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if done {
			return nil
		}
		if err := setup(ctx); err != nil {
			logger.WarnContext(ctx, "target reachable but setup failed", "error", err)
			return nil
		}
		done = true
		return nil
	}
}
