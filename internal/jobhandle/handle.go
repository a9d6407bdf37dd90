// Package jobhandle implements spec §4.5's External Job Handle: the
// opaque object the Processor holds for every claimed job, carrying
// identity, a one-shot run() future, and a cancellation channel the
// liveness watchdog uses to wind the handler down.
//
// Grounded on bobmcallan-vire/internal/services/jobmanager/manager.go's
// safeGo (panic-recovering goroutine launch) and processLoop's
// heavy-job semaphore acquire/release pattern, adapted into a
// per-job cancellation-aware runner instead of a shared worker pool.
package jobhandle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/jobcore/internal/definitions"
	"github.com/bobmcallan/jobcore/internal/model"
)

// Handle wraps a claimed model.Job with the run-once execution future
// and cancellation plumbing spec §4.5 requires.
type Handle struct {
	job  *model.Job
	def  definitions.Definition
	now  func() time.Time
	logger loggerFunc

	mu        sync.Mutex
	started   bool
	done      chan struct{}
	err       error
	cancelErr error
	cancelCtx context.Context
	cancelFn  context.CancelCauseFunc

	// GotTimerToExecute is the Processor-owned scratch flag from spec
	// §4.5, ensuring at most one deferred dispatch timer is armed for
	// this handle.
	GotTimerToExecute bool
}

// loggerFunc lets callers plug in structured logging without this
// package depending on internal/common directly (the Processor already
// holds a *common.Logger and can close over it).
type loggerFunc func(jobID, jobName string, r any, stack string)

// New constructs a Handle for job using def's handler. nowFn defaults to
// time.Now; onPanic, if non-nil, is invoked (in the manner of the
// teacher's safeGo) when the handler itself panics.
func New(job *model.Job, def definitions.Definition, nowFn func() time.Time, onPanic loggerFunc) *Handle {
	if nowFn == nil {
		nowFn = time.Now
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Handle{
		job:       job,
		def:       def,
		now:       nowFn,
		logger:    onPanic,
		done:      make(chan struct{}),
		cancelCtx: ctx,
		cancelFn:  cancel,
	}
}

// ID, Name, NextRunAt, Priority, LockedAt are the read-only attrs
// access spec §4.5 requires.
func (h *Handle) ID() string             { return h.job.ID }
func (h *Handle) Name() string           { return h.job.Name }
func (h *Handle) NextRunAt() *time.Time  { return h.job.NextRunAt }
func (h *Handle) Priority() int          { return h.job.Priority }
func (h *Handle) LockedAt() *time.Time   { return h.job.LockedAt }
func (h *Handle) Job() *model.Job        { return h.job }

// Run launches the handler exactly once in its own goroutine and
// returns a channel that closes when the handler settles (success or
// error, including cancellation). Calling Run more than once panics —
// the Processor's runOrRetry is the single caller per handle per spec
// §4.4 step 3.
func (h *Handle) Run() <-chan struct{} {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		panic("jobhandle: Run called more than once")
	}
	h.started = true
	h.mu.Unlock()

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				if h.logger != nil {
					h.logger(h.job.ID, h.job.Name, r, string(debug.Stack()))
				}
				h.mu.Lock()
				if h.err == nil {
					h.err = fmt.Errorf("jobhandle: handler panicked: %v", r)
				}
				h.mu.Unlock()
			}
		}()

		err := h.def.Handler(h.cancelCtx, h.job.Data)

		h.mu.Lock()
		if err != nil && h.err == nil {
			h.err = err
		}
		h.mu.Unlock()
	}()

	return h.done
}

// Done reports whether the handler has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the handler's terminal error, if any, once Done() has
// closed. A recorded cancellation reason takes precedence over the
// handler's own error.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelErr != nil {
		return h.cancelErr
	}
	return h.err
}

// IsExpired implements spec §4.5 isExpired: true when lockedAt is
// absent or older than lockLifetime relative to now.
func (h *Handle) IsExpired(lockLifetime time.Duration) bool {
	return h.job.IsLockExpired(h.now(), lockLifetime)
}

// Cancel signals the handler's context with cause and remembers the
// reason so Err() reports it. Safe to call multiple times and
// concurrently with Run(); only the first call's cause is kept.
func (h *Handle) Cancel(cause error) {
	h.mu.Lock()
	if h.cancelErr == nil {
		h.cancelErr = cause
	}
	h.mu.Unlock()
	h.cancelFn(cause)
}
