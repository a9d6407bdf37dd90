// Package processor implements spec §4.4's Job Processor: the
// orchestrator that periodically discovers ready-to-run jobs, enforces
// concurrency ceilings, dispatches claimed jobs to handlers under
// liveness supervision, and reconciles completion state back to the
// Repository.
//
// Grounded on bobmcallan-vire/internal/services/jobmanager/manager.go
// (Start/Stop/safeGo/processLoop) and watcher.go (watchLoop's ticker +
// startup idiom, reused for the periodic discovery tick). Unlike the
// teacher's worker-pool-of-goroutines-pulling-from-one-queue shape, the
// CORE's dispatch pass is itself the cooperative scheduler described in
// spec §5 — handlers still run concurrently as goroutines (storage I/O
// and handler execution are the concurrent part), but the bookkeeping
// mutations are funneled through a single mutex standing in for the
// "single logical task" spec §5 describes, since Go's runtime does not
// give us a literal single-threaded event loop for free.
package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/jobcore/internal/common"
	"github.com/bobmcallan/jobcore/internal/definitions"
	"github.com/bobmcallan/jobcore/internal/events"
	"github.com/bobmcallan/jobcore/internal/jobhandle"
	"github.com/bobmcallan/jobcore/internal/model"
	"github.com/bobmcallan/jobcore/internal/queue"
	"github.com/bobmcallan/jobcore/internal/repository"
)

// unlimited stands in for "no ceiling configured" in slot arithmetic.
const unlimited = 1<<31 - 1

// defaultLockLifetime is used when a definition does not specify one.
const defaultLockLifetime = 10 * time.Minute

// defaultBatchSize matches spec §4.4's configuredBatchSize default.
const defaultBatchSize = 5

// nameCounters is the per-name bookkeeping spec §3's "In-Memory
// Bookkeeping" section describes.
type nameCounters struct {
	locked           int
	running          int
	lockLimitReached bool
}

// Options configures a Processor. QueueName is cosmetic, surfaced only
// in status snapshots.
type Options struct {
	Repository     repository.Repository
	Registry       definitions.Registry
	Hub            *events.Hub
	Logger         *common.Logger
	Now            func() time.Time
	QueueName      string
	MaxConcurrency int
	TotalLockLimit int
	ProcessEvery   time.Duration
	BatchSize      int
	EnableBatching bool
	QueueCapacity  int
}

// Processor is spec §4.4's orchestrator.
type Processor struct {
	repo     repository.Repository
	registry definitions.Registry
	hub      *events.Hub
	logger   *common.Logger
	now      func() time.Time

	queueName      string
	maxConcurrency int
	totalLockLimit int
	processEvery   time.Duration
	batchSize      int
	enableBatching bool

	queue *queue.ReadyQueue

	mu                sync.Mutex
	isRunning         bool
	locked            map[string]*model.Job
	handles           map[string]*jobhandle.Handle
	running           map[string]*jobhandle.Handle
	jobsToClaim       []*model.Job
	nameCounters      map[string]*nameCounters
	nextScanAt        time.Time
	isLockingOnTheFly bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Processor from opts, filling in spec-mandated
// defaults for unset fields.
func New(opts Options) *Processor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = common.NewSilentLogger()
	}

	return &Processor{
		repo:           opts.Repository,
		registry:       opts.Registry,
		hub:            opts.Hub,
		logger:         logger,
		now:            now,
		queueName:      opts.QueueName,
		maxConcurrency: opts.MaxConcurrency,
		totalLockLimit: opts.TotalLockLimit,
		processEvery:   opts.ProcessEvery,
		batchSize:      batchSize,
		enableBatching: opts.EnableBatching,
		queue:          queue.New(opts.QueueCapacity),
		locked:         make(map[string]*model.Job),
		handles:        make(map[string]*jobhandle.Handle),
		running:        make(map[string]*jobhandle.Handle),
		nameCounters:   make(map[string]*nameCounters),
	}
}

// safeGo launches fn in its own goroutine with panic recovery, in the
// manner of the teacher's JobManager.safeGo.
func (p *Processor) safeGo(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("processor: recovered from panic")
			}
		}()
		fn()
	}()
}

// Start launches the periodic discovery/dispatch tick. Resets any
// locked documents left over from a prior crash before the first tick,
// the same recovery step as the teacher's JobManager.Start.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	if names := p.registry.Names(); len(names) > 0 {
		if n, err := p.repo.ResetRunningJobs(context.Background(), names); err != nil {
			p.logger.Warn().Err(err).Msg("processor: failed to reset orphaned running jobs")
		} else if n > 0 {
			p.logger.Info().Int("count", n).Msg("processor: reset orphaned running jobs")
		}
	}

	p.safeGo("discovery-tick", func() { p.tickLoop(ctx) })
	if p.hub != nil {
		p.hub.Emit(model.Event{Type: model.EventReady, Timestamp: p.now()})
	}
}

// tickLoop drives the periodic discovery cadence, grounded on
// bobmcallan-vire/internal/services/jobmanager/watcher.go's watchLoop
// ticker idiom.
func (p *Processor) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(p.processEvery)
	defer ticker.Stop()

	p.Process(ctx, nil)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Process(ctx, nil)
		}
	}
}

// Stop halts the periodic tick and returns the currently-claimed set
// so the caller can release residual claims (spec §4.4/§5). In-flight
// handlers are not forcibly aborted.
func (p *Processor) Stop() []*model.Job {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = false
	cancel := p.cancel
	p.cancel = nil

	claimed := make([]*model.Job, 0, len(p.locked))
	for _, j := range p.locked {
		claimed = append(claimed, j)
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return claimed
}

// Process is the Processor's public entry point (spec §4.4). With
// extraJob absent it runs a full discovery pass across every
// registered name followed by a dispatch pass. With extraJob present,
// and its NextRunAt earlier than the next scheduled scan, it takes the
// "lock on the fly" fast path instead of waiting for the next tick.
func (p *Processor) Process(ctx context.Context, extraJob *model.Job) {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	nextScanAt := p.nextScanAt
	p.mu.Unlock()

	if extraJob != nil {
		if extraJob.NextRunAt != nil && extraJob.NextRunAt.Before(nextScanAt) {
			p.mu.Lock()
			p.jobsToClaim = append(p.jobsToClaim, extraJob)
			p.mu.Unlock()
			p.lockOnTheFly(ctx)
		}
		return
	}

	for _, name := range p.registry.Names() {
		p.fillQueueForName(ctx, name)
	}
	p.dispatch(ctx, nil)
}

// ShouldLock reports spec §4.4's shouldLock(name): true iff neither
// the per-name nor the total lock ceiling has been reached. 0 means
// unlimited in either field.
func (p *Processor) ShouldLock(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldLockLocked(name)
}

func (p *Processor) shouldLockLocked(name string) bool {
	def, _ := p.registry.Get(name)
	c := p.nameCountersLocked(name)
	if def.LockLimit != 0 && c.locked >= def.LockLimit {
		return false
	}
	if p.totalLockLimit != 0 && len(p.locked) >= p.totalLockLimit {
		return false
	}
	return true
}

func (p *Processor) nameCountersLocked(name string) *nameCounters {
	c, ok := p.nameCounters[name]
	if !ok {
		c = &nameCounters{}
		p.nameCounters[name] = c
	}
	return c
}

// availableSlotsLocked computes min(globalFree, perNameFree) from spec
// §4.4's discovery pass step 3.
func (p *Processor) availableSlotsLocked(name string, def definitions.Definition) int {
	perNameFree := unlimited
	if def.LockLimit != 0 {
		perNameFree = def.LockLimit - p.nameCountersLocked(name).locked
	}
	globalFree := unlimited
	if p.totalLockLimit != 0 {
		globalFree = p.totalLockLimit - len(p.locked)
	}
	if perNameFree < globalFree {
		return perNameFree
	}
	return globalFree
}

func (p *Processor) byNameQueueStatusLocked() map[string]queue.NameStatus {
	out := make(map[string]queue.NameStatus, len(p.nameCounters))
	for name, c := range p.nameCounters {
		def, _ := p.registry.Get(name)
		out[name] = queue.NameStatus{Running: c.running, Concurrency: def.Concurrency}
	}
	return out
}

func (p *Processor) lockLifetimeFor(def definitions.Definition) time.Duration {
	if def.LockLifetime > 0 {
		return def.LockLifetime
	}
	return defaultLockLifetime
}

func (p *Processor) onHandlerPanic(jobID, jobName string, r any, stack string) {
	p.logger.Error().
		Str("job_id", jobID).
		Str("job_name", jobName).
		Str("panic", fmt.Sprintf("%v", r)).
		Str("stack", stack).
		Msg("processor: recovered from handler panic")
}

func (p *Processor) emitError(err error) {
	if p.hub == nil {
		return
	}
	p.hub.Emit(model.Event{Type: model.EventError, Timestamp: p.now(), Err: err.Error()})
}

func (p *Processor) emitOverflow(name string) {
	if p.hub == nil {
		return
	}
	p.hub.Emit(model.Event{
		Type:      model.EventQueueOverflow,
		Timestamp: p.now(),
		Name:      name,
		QueueSize: p.queue.Len(),
		MaxSize:   p.queue.Capacity(),
	})
}

// Status reports the versioned snapshot described in spec §6.
func (p *Processor) Status(fullDetails bool) *model.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	byName := make(map[string]model.NameStatus, len(p.nameCounters))
	localLockLimitReached := 0
	for name, c := range p.nameCounters {
		byName[name] = model.NameStatus{
			Locked:           c.locked,
			Running:          c.running,
			LockLimitReached: c.lockLimitReached,
		}
		if c.lockLimitReached {
			localLockLimitReached++
		}
	}

	snap := &model.Snapshot{
		SchemaVersion:         model.SnapshotSchemaVersion,
		QueueName:             p.queueName,
		MaxConcurrency:        p.maxConcurrency,
		TotalLockLimit:        p.totalLockLimit,
		ProcessEvery:          p.processEvery,
		ByName:                byName,
		LocalQueueProcessing:  len(p.running),
		LocalLockLimitReached: localLockLimitReached,
		QueuedJobsLen:         p.queue.Len(),
		RunningJobsLen:        len(p.running),
		LockedJobsLen:         len(p.locked),
		JobsToClaimLen:        len(p.jobsToClaim),
	}

	if fullDetails {
		queued := p.queue.Snapshot()
		queuedJobs := make([]*model.Job, len(queued))
		for i, j := range queued {
			queuedJobs[i] = j.Clone()
		}
		snap.QueuedJobs = queuedJobs

		running := make([]*model.Job, 0, len(p.running))
		for id := range p.running {
			if j, ok := p.locked[id]; ok {
				running = append(running, j.Clone())
			}
		}
		snap.RunningJobs = running

		lockedJobs := make([]*model.Job, 0, len(p.locked))
		for _, j := range p.locked {
			lockedJobs = append(lockedJobs, j.Clone())
		}
		snap.LockedJobs = lockedJobs
	}

	return snap
}
