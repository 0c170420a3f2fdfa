package release

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v72/github"
	"github.com/pkg/errors"
)

// NotFoundError means the repository, release or asset does not exist.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return e.What + " not found"
}

// RateLimitedError means GitHub refused the request because of rate
// limiting. RetryAfter is zero when no hint was given.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter <= 0 {
		return "rate limited by GitHub"
	}
	return fmt.Sprintf("rate limited by GitHub, retry after %s", e.RetryAfter.Round(time.Second))
}

// NetworkError is a transport failure or a server side error worth
// retrying.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is an unexpected HTTP status.
type StatusError struct {
	What       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.What, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable reports whether err is transient: a rate limit or a
// network failure.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var ne *NetworkError
	return errors.As(err, &rl) || errors.As(err, &ne)
}

func classify(ctx context.Context, err error, resp *github.Response, what string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return &RateLimitedError{RetryAfter: positive(time.Until(rle.Rate.Reset.Time))}
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return &RateLimitedError{RetryAfter: abuse.GetRetryAfter()}
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return statusError(er.Response, what)
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= 400 {
		return statusError(resp.Response, what)
	}
	return &NetworkError{Op: "fetch " + what, Err: err}
}

// statusError maps a non-success HTTP response to the error taxonomy.
func statusError(resp *http.Response, what string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{What: what}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode == http.StatusForbidden && (resp.Header.Get("Retry-After") != "" || resp.Header.Get("X-RateLimit-Remaining") == "0"):
		return &RateLimitedError{RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode >= 500:
		return &NetworkError{Op: "fetch " + what, Err: &StatusError{What: what, StatusCode: resp.StatusCode}}
	default:
		return &StatusError{What: what, StatusCode: resp.StatusCode}
	}
}

// retryAfter reads the server's wait hint from Retry-After (seconds or an
// HTTP date) or from X-RateLimit-Reset (unix seconds).
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return positive(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return positive(time.Until(t))
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return positive(time.Until(time.Unix(secs, 0)))
		}
	}
	return 0
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
