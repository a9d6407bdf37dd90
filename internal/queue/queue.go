// Package queue implements spec §4.3's Local Ready Queue: a bounded,
// priority/time-ordered holding area for claimed jobs awaiting
// dispatch.
package queue

import (
	"sort"
	"sync"

	"github.com/bobmcallan/jobcore/internal/model"
)

// DefaultCapacity is the default bound on the number of jobs the queue
// will hold before signalling overflow.
const DefaultCapacity = 10000

// NameStatus is the per-name concurrency view pickNextRunnable needs to
// decide whether a job's name has exhausted its ceiling. It mirrors
// model.NameStatus but is scoped to what the queue needs to read.
type NameStatus struct {
	Running     int
	Concurrency int // 0 means unlimited
}

// entry pairs a job with a monotonic sequence number so that jobs with
// identical (nextRunAt, priority) keep FIFO order.
type entry struct {
	job *model.Job
	seq uint64
}

// ReadyQueue is a bounded sequence ordered by (nextRunAt ASC, priority
// DESC, FIFO). Every method takes the queue's own mutex, so single
// calls are safe from any goroutine; a sequence of calls such as
// PickNextRunnable followed by Remove is not atomic.
type ReadyQueue struct {
	mu       sync.Mutex
	capacity int
	entries  []entry
	nextSeq  uint64
}

// New creates a ReadyQueue with the given capacity. capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *ReadyQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ReadyQueue{capacity: capacity}
}

// less reports whether a should sort before b: nextRunAt ascending,
// then priority descending, then insertion order (FIFO).
func less(a, b entry) bool {
	at, bt := a.job.NextRunAt, b.job.NextRunAt
	switch {
	case at == nil && bt == nil:
		// fall through to priority
	case at == nil:
		return false
	case bt == nil:
		return true
	case !at.Equal(*bt):
		return at.Before(*bt)
	}
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

// Insert inserts job at its sorted position. It returns false without
// modifying the queue when the queue is already at capacity — the
// caller MUST release the claim in that case to prevent a claim leak
// (spec §4.3).
func (q *ReadyQueue) Insert(job *model.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		return false
	}

	e := entry{job: job, seq: q.nextSeq}
	q.nextSeq++

	idx := sort.Search(len(q.entries), func(i int) bool { return less(e, q.entries[i]) })
	q.entries = append(q.entries, entry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	return true
}

// Pop removes and returns the rightmost (least-urgent) element. Used
// only for forced pops in tests, per spec §4.3.
func (q *ReadyQueue) Pop() *model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	last := len(q.entries) - 1
	e := q.entries[last]
	q.entries = q.entries[:last]
	return e.job
}

// Remove deletes job from the queue, matched first by pointer identity
// then by id. It reports whether a matching entry was found.
//
// spec.md's open question about the upstream Remove throwing on a
// missing job is resolved here in favor of an explicit bool: the
// Processor calls Remove speculatively (e.g. after a job may already
// have been popped by a concurrent dispatch pass), and Go idiom favors
// a checkable return over a panic for an expected miss. See
// SPEC_FULL.md open question #2.
func (q *ReadyQueue) Remove(job *model.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.job == job {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	for i, e := range q.entries {
		if e.job.ID == job.ID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// PickNextRunnable scans right to left and returns the first job whose
// name has not exhausted its per-type concurrency ceiling (per
// byName) and whose id is not in excluded. It does not remove the job
// from the queue.
//
// The rightward scan biases toward smaller-priority, later-time jobs
// first, leaving higher-priority/earlier jobs in the queue for the next
// dispatch pass so newly arrived urgent jobs don't starve (spec §4.3).
func (q *ReadyQueue) PickNextRunnable(byName map[string]NameStatus, excluded map[string]bool) *model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.entries) - 1; i >= 0; i-- {
		job := q.entries[i].job
		if excluded != nil && excluded[job.ID] {
			continue
		}
		st := byName[job.Name]
		if st.Concurrency != 0 && st.Running >= st.Concurrency {
			continue
		}
		return job
	}
	return nil
}

// Len returns the current number of queued jobs.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Capacity returns the configured bound.
func (q *ReadyQueue) Capacity() int {
	return q.capacity
}

// Utilization returns the fraction of capacity currently in use, in
// [0, 1].
func (q *ReadyQueue) Utilization() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity == 0 {
		return 0
	}
	return float64(len(q.entries)) / float64(q.capacity)
}

// IsNearCapacity reports whether Utilization() is at or above
// threshold, for back-pressure observation (spec §4.3).
func (q *ReadyQueue) IsNearCapacity(threshold float64) bool {
	return q.Utilization() >= threshold
}

// Snapshot returns a shallow copy of the queued jobs in current sort
// order, for status reporting (spec §6). It does not mutate the queue.
func (q *ReadyQueue) Snapshot() []*model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.Job, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.job
	}
	return out
}
