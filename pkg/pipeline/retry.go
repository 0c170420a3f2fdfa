package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/binary-install/binsync/pkg/release"
	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

// retry runs op until it succeeds, fails permanently, or the policy's
// attempts run out. Rate limit hints from the server replace the
// exponential delay.
func (r *run) retry(ctx context.Context, op func() error) error {
	policy := r.p.opts.Retry
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		last = err
		if err == nil {
			return struct{}{}, nil
		}
		return struct{}{}, r.classifyRetry(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.WithError(last).Warnf("%s failed, retrying in %s", r.res.Stage, d.Round(time.Millisecond))
		}),
	)
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil && (last == nil || release.IsRetryable(last) || errors.Is(last, cerr)) {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return errors.Wrapf(cerr, "%s timed out", r.res.Stage)
		}
		return cerr
	}
	if last != nil {
		return last
	}
	return err
}

// classifyRetry maps an operation error to what backoff should do with it.
func (r *run) classifyRetry(err error) error {
	if !release.IsRetryable(err) {
		return backoff.Permanent(err)
	}
	var rl *release.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		if rl.RetryAfter > r.p.opts.Retry.MaxRetryAfter {
			return backoff.Permanent(err)
		}
		return backoff.RetryAfter(int(math.Ceil(rl.RetryAfter.Seconds())))
	}
	return err
}
