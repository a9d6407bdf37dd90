// Package retry implements spec §4.1's Retry Executor: bounded
// exponential backoff over a conflict-classified operation.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Classifier reports whether err belongs to the retryable conflict
// class. The default classifier recognizes Mongo duplicate-key (11000)
// and optimistic write-conflict (112 / codeName "WriteConflict") errors,
// matching spec §4.1 verbatim.
type Classifier func(err error) bool

// Options configures an Executor. Zero values fall back to the spec's
// defaults.
type Options struct {
	MaxRetries int           // default 3
	BaseDelay  time.Duration // default 100ms
	MaxDelay   time.Duration // default 5000ms
	Classify   Classifier    // default DefaultClassifier

	// Limiter, if set, is waited on before every attempt past the
	// first. It bounds the aggregate retry rate across every goroutine
	// sharing the Executor so a conflict storm on one hot document
	// cannot starve retries belonging to other job names. Unset means
	// unlimited.
	Limiter *rate.Limiter
}

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 5000 * time.Millisecond
)

// Executor wraps an operation that may fail with conflict-class errors,
// retrying with jittered exponential backoff.
type Executor struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	classify   Classifier
	limiter    *rate.Limiter

	// sleep is overridable in tests so backoff assertions don't take
	// wall-clock seconds.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an Executor, filling unset Options fields with spec
// defaults.
func New(opts Options) *Executor {
	e := &Executor{
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		classify:   opts.Classify,
		limiter:    opts.Limiter,
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaultMaxRetries
	}
	if e.baseDelay <= 0 {
		e.baseDelay = defaultBaseDelay
	}
	if e.maxDelay <= 0 {
		e.maxDelay = defaultMaxDelay
	}
	if e.classify == nil {
		e.classify = DefaultClassifier
	}
	e.sleep = defaultSleep
	return e
}

// Do invokes op, retrying on retryable errors per the spec §4.1
// algorithm: for attempt k in [0, maxRetries], invoke op; on a
// non-retryable error or the final attempt, propagate; on a retryable
// error, sleep min(baseDelay*2^k + jitter, maxDelay) before the next
// attempt. Jitter is uniform in [0, baseDelay).
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 && e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == e.maxRetries || !e.classify(err) {
			return err
		}

		delay := backoffDelay(e.baseDelay, e.maxDelay, attempt)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

// backoffDelay computes min(baseDelay*2^attempt + rand(0,baseDelay), maxDelay).
func backoffDelay(baseDelay, maxDelay time.Duration, attempt int) time.Duration {
	backoff := baseDelay * (1 << uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(baseDelay)))
	delay := backoff + jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// conflictError is the minimal shape of a Mongo driver write error this
// package inspects: a numeric code and/or a codeName string.
type conflictError interface {
	error
	HasErrorCode(code int) bool
}

// DuplicateKeyCode and WriteConflictCode are the Mongo error codes the
// default classifier treats as retryable (spec §4.1).
const (
	DuplicateKeyCode  = 11000
	WriteConflictCode = 112
)

// DefaultClassifier recognizes the conflict class described in spec
// §4.1: duplicate-key on upsert (code 11000), optimistic write conflict
// (code 112 or codeName "WriteConflict"), or an error message containing
// "WriteConflict" / "duplicate key". All other errors are non-retryable.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}

	var ce conflictError
	if errors.As(err, &ce) {
		if ce.HasErrorCode(DuplicateKeyCode) || ce.HasErrorCode(WriteConflictCode) {
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "WriteConflict") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "E11000")
}
