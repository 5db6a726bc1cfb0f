package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Transient error kinds recognized by the classifier. Providers that can
// name the failure mode set Kind on a [TransientError]; otherwise the
// classifier falls back to substring matching against the error text.
const (
	KindRateLimit          = "ratelimit"
	KindTimeout            = "timeout"
	KindServiceUnavailable = "serviceunavailable"
	KindBadGateway         = "badgateway"
	KindGatewayTimeout     = "gatewaytimeout"
	KindConnectionError    = "connectionerror"
	KindAPITimeout         = "apitimeout"
)

var transientKinds = []string{
	KindRateLimit,
	KindTimeout,
	KindServiceUnavailable,
	KindBadGateway,
	KindGatewayTimeout,
	KindConnectionError,
	KindAPITimeout,
}

// retryableStatus is the set of HTTP status codes treated as transient.
var retryableStatus = map[int]bool{
	408: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// TransientError marks a failure as retryable. Providers wrap transport and
// HTTP errors in it so the classifier does not have to parse provider
// internals.
type TransientError struct {
	// Kind is one of the Kind* constants, when known.
	Kind string

	// StatusCode is the HTTP status, when the failure came from a response.
	StatusCode int

	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration

	// Err is the underlying cause.
	Err error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient http %d", e.StatusCode)
	}
	return "transient error: " + e.Kind
}

func (e *TransientError) Unwrap() error { return e.Err }

// Retryable reports whether err should be retried and the server-requested
// delay if one was communicated. Cancellation is never retryable.
func Retryable(err error) (ok bool, retryAfter time.Duration) {
	if err == nil {
		return false, 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}

	var te *TransientError
	if errors.As(err, &te) {
		if te.StatusCode != 0 {
			return retryableStatus[te.StatusCode], te.RetryAfter
		}
		for _, k := range transientKinds {
			if te.Kind == k {
				return true, te.RetryAfter
			}
		}
		return false, 0
	}

	// Unclassified errors: match the known transient failure names in the
	// error text (lowercased, spaces ignored).
	msg := strings.ReplaceAll(strings.ToLower(err.Error()), " ", "")
	for _, k := range transientKinds {
		if strings.Contains(msg, k) {
			return true, 0
		}
	}
	return false, 0
}

// Policy describes the retry schedule for transient failures.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration

	// Factor multiplies the delay after each failed attempt.
	Factor float64

	// MaxDelay caps the computed (pre-jitter) delay.
	MaxDelay time.Duration

	// Jitter is the width of the uniform random addition.
	Jitter time.Duration

	// randFloat overrides the jitter source in tests.
	randFloat func() float64
}

// DefaultPolicy returns the production retry schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2.0,
		MaxDelay:    8 * time.Second,
		Jitter:      200 * time.Millisecond,
	}
}

// Delay computes the sleep before retry number attempt (1-based: attempt 1
// is the delay after the first failure). A server-requested retryAfter
// overrides the exponential schedule but still gets jitter.
func (p Policy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	if retryAfter > 0 {
		d = retryAfter
	} else {
		exp := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
		d = time.Duration(exp)
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	if p.Jitter > 0 {
		rf := p.randFloat
		if rf == nil {
			rf = rand.Float64
		}
		d += time.Duration(rf() * float64(p.Jitter))
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping the classified delay between
// attempts. Non-retryable errors and context cancellation return
// immediately. The last error is returned when all attempts fail.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		retryable, retryAfter := Retryable(err)
		if !retryable || attempt == p.MaxAttempts {
			return err
		}

		delay := p.Delay(attempt, retryAfter)
		slog.Warn("transient failure, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"retry_after", retryAfter,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
