// Package jobtest provides shared fakes for exercising the Processor
// and Repository contracts without a live document store. Grounded on
// bobmcallan-vire/internal/services/jobmanager/manager_test.go's mock
// style (an in-memory struct satisfying the production interface,
// guarded by a single mutex, with injectable hooks for error paths).
package jobtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bobmcallan/jobcore/internal/model"
	"github.com/bobmcallan/jobcore/internal/repository"
)

// InMemoryRepository is a repository.Repository fake backed by a plain
// map, for unit tests that don't need a real Mongo container.
type InMemoryRepository struct {
	mu   sync.Mutex
	docs map[string]*model.Job

	// ClaimErr, when set, is returned by Claim/ClaimNext/BatchClaim
	// instead of performing the operation — for exercising the
	// Processor's storage-error event path.
	ClaimErr error
}

// NewInMemoryRepository creates an empty fake.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{docs: make(map[string]*model.Job)}
}

// Seed inserts jobs directly, bypassing claim semantics, for test setup.
func (r *InMemoryRepository) Seed(jobs ...*model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		r.docs[j.ID] = j.Clone()
	}
}

// Get returns a clone of the stored document, for test assertions.
func (r *InMemoryRepository) Get(id string) (*model.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.docs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

func eligible(j *model.Job, name string, scanHorizon, lockDeadline time.Time) bool {
	if j.Name != name || j.Disabled {
		return false
	}
	if j.LockedAt == nil {
		return j.NextRunAt != nil && !j.NextRunAt.After(scanHorizon)
	}
	return !j.LockedAt.After(lockDeadline)
}

func (r *InMemoryRepository) Claim(ctx context.Context, job *model.Job, now time.Time) (*model.Job, error) {
	if r.ClaimErr != nil {
		return nil, r.ClaimErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.docs[job.ID]
	if !ok || existing.Name != job.Name || existing.LockedAt != nil || existing.Disabled {
		return nil, nil
	}
	lockedAt := now
	existing.LockedAt = &lockedAt
	return existing.Clone(), nil
}

func (r *InMemoryRepository) ClaimNext(ctx context.Context, name string, scanHorizon, lockDeadline, now time.Time) (*model.Job, error) {
	if r.ClaimErr != nil {
		return nil, r.ClaimErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *model.Job
	for _, j := range r.docs {
		if !eligible(j, name, scanHorizon, lockDeadline) {
			continue
		}
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	lockedAt := now
	best.LockedAt = &lockedAt
	return best.Clone(), nil
}

// less orders (nextRunAt ASC, priority DESC) matching spec §4.2's sort.
func less(a, b *model.Job) bool {
	switch {
	case a.NextRunAt == nil && b.NextRunAt == nil:
	case a.NextRunAt == nil:
		return false
	case b.NextRunAt == nil:
		return true
	case !a.NextRunAt.Equal(*b.NextRunAt):
		return a.NextRunAt.Before(*b.NextRunAt)
	}
	return a.Priority > b.Priority
}

func (r *InMemoryRepository) BatchClaim(ctx context.Context, name string, batchSize int, scanHorizon, lockDeadline, now time.Time) ([]*model.Job, error) {
	if r.ClaimErr != nil {
		return nil, r.ClaimErr
	}
	if batchSize <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*model.Job
	for _, j := range r.docs {
		if eligible(j, name, scanHorizon, lockDeadline) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool { return less(candidates[i], candidates[k]) })
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	out := make([]*model.Job, 0, len(candidates))
	for _, j := range candidates {
		lockedAt := now
		j.LockedAt = &lockedAt
		out = append(out, j.Clone())
	}
	return out, nil
}

func (r *InMemoryRepository) Release(ctx context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.docs[job.ID]; ok && existing.NextRunAt != nil {
		existing.LockedAt = nil
	}
	return nil
}

func (r *InMemoryRepository) ReleaseMany(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if existing, ok := r.docs[id]; ok && existing.NextRunAt != nil {
			existing.LockedAt = nil
		}
	}
	return nil
}

func (r *InMemoryRepository) SaveState(ctx context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.docs[job.ID]
	if !ok || existing.Name != job.Name {
		return repository.ErrNotFound
	}
	existing.LockedAt = job.LockedAt
	existing.NextRunAt = job.NextRunAt
	existing.LastRunAt = job.LastRunAt
	existing.LastFinishedAt = job.LastFinishedAt
	existing.FailedAt = job.FailedAt
	existing.FailCount = job.FailCount
	existing.FailReason = job.FailReason
	existing.Progress = job.Progress
	return nil
}

func (r *InMemoryRepository) Touch(ctx context.Context, id string, expectedLockedAt time.Time, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.docs[id]
	if !ok || existing.LockedAt == nil || !existing.LockedAt.Equal(expectedLockedAt) {
		return false, nil
	}
	lockedAt := now
	existing.LockedAt = &lockedAt
	return true, nil
}

func (r *InMemoryRepository) QueueSize(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.docs {
		if j.NextRunAt != nil && j.NextRunAt.Before(now) {
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) UpsertSingle(ctx context.Context, job *model.Job) (*model.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.docs {
		if j.Name == job.Name && j.Type == model.TypeSingle {
			return j.Clone(), false, nil
		}
	}
	r.docs[job.ID] = job.Clone()
	return job.Clone(), true, nil
}

func (r *InMemoryRepository) ResetRunningJobs(ctx context.Context, names []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}
	count := 0
	for _, j := range r.docs {
		if j.LockedAt == nil {
			continue
		}
		if len(names) > 0 && !nameSet[j.Name] {
			continue
		}
		j.LockedAt = nil
		count++
	}
	return count, nil
}

var _ repository.Repository = (*InMemoryRepository)(nil)
