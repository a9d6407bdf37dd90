// Package definitions describes the job-authoring surface the Processor
// consumes (spec §1, §6 "Definitions registry (consumed)"). Registering
// named handlers, building cron/interval schedules, and emitting
// user-facing events are explicitly out of CORE scope; this package
// only carries the read side the Processor needs.
package definitions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/jobcore/internal/model"
)

// Handler executes a single job's work. It is expected to observe
// ctx cancellation (spec §4.5 cancel(error)).
type Handler func(ctx context.Context, data any) error

// RepeatIntervalFunc recomputes NextRunAt for a recurring job
// (job.RepeatInterval != "") after a successful run. Parsing the
// interval/cron syntax itself is a job-authoring concern, out of CORE
// scope per spec §1 — the Processor only calls this hook, it never
// interprets job.RepeatInterval itself. Returning nil marks the run as
// a one-shot completion (NextRunAt cleared, same as an unset
// RepeatInterval).
type RepeatIntervalFunc func(job *model.Job, finishedAt time.Time) *time.Time

// Definition is the per-name configuration the Processor reads to make
// concurrency and liveness decisions (spec §6).
type Definition struct {
	Name string

	Handler Handler

	// Concurrency bounds how many jobs of this name may be in the
	// Running set simultaneously. 0 means unlimited.
	Concurrency int

	// LockLimit bounds how many jobs of this name may be Locked
	// (claimed, including not-yet-running) simultaneously. 0 means
	// unlimited.
	LockLimit int

	// LockLifetime is the per-name claim lease duration (spec §3 inv 2/3).
	LockLifetime time.Duration

	// Priority is the default priority assigned to jobs of this name
	// when none is specified by the caller.
	Priority int

	// RepeatIntervalFunc, when set, is invoked by the Processor's
	// success path (spec §3 Lifecycle: "if recurring, nextRunAt
	// advanced") for any job of this name whose RepeatInterval is
	// non-empty. Left nil, recurring jobs are treated as one-shot: a
	// successful run clears NextRunAt rather than silently leaving a
	// past-due timestamp that would be reclaimed forever.
	RepeatIntervalFunc RepeatIntervalFunc
}

// Registry is the read-only view of registered job definitions the
// Processor depends on.
type Registry interface {
	// Get returns the definition for name, or ok=false if unregistered.
	Get(name string) (Definition, bool)
	// Names returns every registered name, for discovery passes.
	Names() []string
}

// StaticRegistry is an in-memory Registry implementation. It exists
// because the CORE needs a runnable collaborator for its own tests and
// demo binary even though real job authoring lives outside the CORE
// per spec §1.
type StaticRegistry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewStaticRegistry creates an empty StaticRegistry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{defs: make(map[string]Definition)}
}

// Define registers or replaces the definition for name.
func (r *StaticRegistry) Define(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("definitions: name must not be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("definitions: %q must have a handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// Get implements Registry.
func (r *StaticRegistry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names implements Registry.
func (r *StaticRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}

var _ Registry = (*StaticRegistry)(nil)
