package apply

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/alluvium-io/alluvium/provider"
)

// callWithRetry runs one provider call under the per-call timeout, retrying
// transient failures with exponential backoff. A call that overruns its
// timeout counts as transient; a permanent provider error or parent
// cancellation stops the retry loop immediately.
func (e *Executor) callWithRetry(ctx context.Context, id, op string, call func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.InitialBackoff
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.opts.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()

		err := call(callCtx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.logger.Warn("provider call timed out", "node", id, "op", op, "attempt", attempt)
			return err
		}
		if provider.IsTransient(err) {
			e.logger.Warn("transient provider error", "node", id, "op", op, "attempt", attempt, "error", err)
			return err
		}

		return backoff.Permanent(err)
	}, policy)
}
