package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/jobcore/internal/definitions"
	"github.com/bobmcallan/jobcore/internal/jobhandle"
	"github.com/bobmcallan/jobcore/internal/model"
)

// maxTimerDelay clamps a scheduled wakeup to stay inside a 32-bit-safe
// millisecond range (spec §4.4 step 8 / §5 Timer clamp).
const maxTimerDelay = time.Duration(1<<31-1) * time.Millisecond

// dispatch implements spec §4.4's dispatch pass: pick the next
// runnable job from the Ready Queue, decide whether to run it now, park
// it behind a timer, or release it, then cooperatively yield to let
// another dispatch pass consider the remaining queue.
func (p *Processor) dispatch(ctx context.Context, handled []string) {
	if p.queue.Len() == 0 {
		return
	}

	excluded := make(map[string]bool, len(handled))
	for _, id := range handled {
		excluded[id] = true
	}

	p.mu.Lock()
	byName := p.byNameQueueStatusLocked()
	p.mu.Unlock()

	job := p.queue.PickNextRunnable(byName, excluded)
	if job == nil {
		return
	}
	if !p.queue.Remove(job) {
		// A concurrent dispatch pass already took this job.
		return
	}

	p.mu.Lock()
	handle, ok := p.handles[job.ID]
	p.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("processor: invariant violation: no handle for claimed job %s", job.ID))
	}

	def, _ := p.registry.Get(job.Name)
	lockLifetime := p.lockLifetimeFor(def)
	now := p.now()

	switch {
	case handle.IsExpired(lockLifetime):
		// Another worker likely stole this claim already; drop it
		// rather than running a job we no longer hold.
		p.dropLocked(job)

	case job.NextRunAt != nil && !job.NextRunAt.After(now):
		p.runOrRetry(ctx, job, handle, def, lockLifetime)

	case job.NextRunAt != nil && job.NextRunAt.Sub(now) > p.processEvery:
		// Drifted too far into the future (e.g. rescheduled while
		// queued) — release rather than hold a stale claim.
		_ = p.repo.Release(ctx, job)
		p.dropLocked(job)

	default:
		// Arm the timer before the job becomes visible again in the
		// queue, so a concurrent dispatch pass can never race ahead of
		// the GotTimerToExecute guard and arm a second timer.
		p.armTimer(ctx, job, handle)
		p.queue.Insert(job)
	}

	handled = append(handled, job.ID)

	p.mu.Lock()
	localQueueProcessing := len(p.running)
	p.mu.Unlock()

	if p.maxConcurrency == 0 || localQueueProcessing < p.maxConcurrency {
		go p.dispatch(ctx, handled)
	}
}

// dropLocked removes job from the locked bookkeeping without running
// it (released-without-running path of spec §3's Lifecycle).
func (p *Processor) dropLocked(job *model.Job) {
	p.mu.Lock()
	delete(p.locked, job.ID)
	delete(p.handles, job.ID)
	p.nameCountersLocked(job.Name).locked--
	p.mu.Unlock()
}

// armTimer schedules a one-shot wakeup at job.NextRunAt that re-enters
// dispatch, guarded by the handle's GotTimerToExecute scratch flag so a
// job can never have two timers armed at once (spec §4.5).
func (p *Processor) armTimer(ctx context.Context, job *model.Job, handle *jobhandle.Handle) {
	if handle.GotTimerToExecute {
		return
	}
	handle.GotTimerToExecute = true

	delay := job.NextRunAt.Sub(p.now())
	if delay > maxTimerDelay {
		delay = maxTimerDelay
	}
	if delay < 0 {
		delay = 0
	}

	p.safeGo("dispatch-timer", func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			p.dispatch(ctx, nil)
		}
	})
}

// runOrRetry is spec §4.4's execution core: re-check concurrency,
// launch the handler, race it against a liveness watchdog, and
// reconcile state on completion.
func (p *Processor) runOrRetry(ctx context.Context, job *model.Job, handle *jobhandle.Handle, def definitions.Definition, lockLifetime time.Duration) {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	counters := p.nameCountersLocked(job.Name)
	totalRunning := len(p.running)
	if (def.Concurrency != 0 && counters.running >= def.Concurrency) ||
		(p.maxConcurrency != 0 && totalRunning >= p.maxConcurrency) {
		p.mu.Unlock()
		// Ceiling reached; re-insert for a later dispatch pass.
		p.queue.Insert(job)
		return
	}
	p.running[job.ID] = handle
	counters.running++
	p.mu.Unlock()

	startedAt := p.now()
	p.mu.Lock()
	job.LastRunAt = &startedAt
	p.mu.Unlock()

	done := handle.Run()
	p.runWatchdog(ctx, job, handle, lockLifetime, done)

	err := handle.Err()
	finishedAt := p.now()

	p.mu.Lock()
	if err != nil {
		job.FailCount++
		job.FailReason = err.Error()
		job.FailedAt = &finishedAt
		job.LockedAt = nil
	} else {
		job.LastFinishedAt = &finishedAt
		// spec §3 Lifecycle: "if recurring, lockedAt cleared and
		// nextRunAt advanced". Interval parsing lives outside the
		// CORE (spec §1); RepeatIntervalFunc is the bridge. Without
		// one registered, a recurring job is treated as one-shot so a
		// past-due NextRunAt isn't reclaimed and rerun forever.
		if job.RepeatInterval != "" && def.RepeatIntervalFunc != nil {
			job.NextRunAt = def.RepeatIntervalFunc(job, finishedAt)
		} else {
			job.NextRunAt = nil
		}
		job.LockedAt = nil
	}
	p.mu.Unlock()

	if err != nil {
		p.emitError(err)
	}

	if saveErr := p.repo.SaveState(ctx, job); saveErr != nil {
		p.emitError(saveErr)
	}

	if p.hub != nil {
		p.hub.Emit(model.Event{Type: model.EventProcessJob, Timestamp: finishedAt, Job: job})
	}

	p.mu.Lock()
	if _, wasRunning := p.running[job.ID]; !wasRunning {
		p.mu.Unlock()
		panic(fmt.Sprintf("processor: invariant violation: job %s completed but was not in running set", job.ID))
	}
	delete(p.running, job.ID)
	counters.running--
	delete(p.locked, job.ID)
	delete(p.handles, job.ID)
	counters.locked--
	p.mu.Unlock()

	go p.dispatch(ctx, nil)
}

// runWatchdog blocks until either the handler settles or the liveness
// watchdog cancels it, whichever comes first (spec §4.4 step 4-5). The
// watchdog interval is max(processEvery/2, lockLifetime/2) per spec §5;
// each tick cancels the handler with a descriptive reason if the job's
// lockedAt has passed lockLifetime or has been cleared. The watchdog
// does not refresh lockedAt itself, and it keeps running after Stop.
// Tuning concern: when lockLifetime is much shorter than processEvery
// the interval exceeds lockLifetime, so an expiry is only noticed at
// the next tick.
func (p *Processor) runWatchdog(ctx context.Context, job *model.Job, handle *jobhandle.Handle, lockLifetime time.Duration, done <-chan struct{}) {
	interval := p.processEvery / 2
	if half := lockLifetime / 2; half > interval {
		interval = half
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			if handle.IsExpired(lockLifetime) {
				handle.Cancel(fmt.Errorf("job %s exceeded lockLifetime without touch()", job.ID))
				<-done
				return
			}

			p.mu.Lock()
			lockedAt := job.LockedAt
			p.mu.Unlock()
			if lockedAt == nil {
				handle.Cancel(fmt.Errorf("job %s lock missing", job.ID))
				<-done
				return
			}
		}
	}
}
