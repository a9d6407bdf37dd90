// Package repository implements spec §4.2's Job Repository: the
// durable contract through which the Processor claims, releases, and
// reconciles job documents. All operations described here are single
// atomic conditional updates against the shared document store — the
// contention unit the rest of the CORE is built around.
package repository

import (
	"context"
	"time"

	"github.com/bobmcallan/jobcore/internal/model"
)

// ErrNotFound is returned by SaveState when the target document no
// longer exists (spec §4.2 "Fails if the record no longer exists").
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "repository: job not found" }

// Repository is the durable contract spec §4.2 describes. Every
// mutating method here performs exactly one atomic conditional update;
// batching and retrying are the caller's (Processor's and
// retry.Executor's) responsibility, except where the method name says
// otherwise (BatchClaim internally batches its phase-2 update).
type Repository interface {
	// Claim atomically sets lockedAt=now where id==job.ID ∧
	// name==job.Name ∧ lockedAt==nil ∧ disabled!=true. Returns the
	// updated record, or (nil, nil) if the predicate failed.
	Claim(ctx context.Context, job *model.Job, now time.Time) (*model.Job, error)

	// ClaimNext finds one eligible document for name (spec invariant 2)
	// sorted by (nextRunAt ASC, priority DESC) and atomically claims it.
	// Returns (nil, nil) if none is eligible.
	ClaimNext(ctx context.Context, name string, scanHorizon, lockDeadline, now time.Time) (*model.Job, error)

	// BatchClaim performs the two-phase claim described in spec §4.2:
	// select up to batchSize eligible ids in sort order, conditionally
	// claim exactly those still eligible in one multi-update, then
	// re-read and return the newly claimed ones in original sort order.
	BatchClaim(ctx context.Context, name string, batchSize int, scanHorizon, lockDeadline, now time.Time) ([]*model.Job, error)

	// Release clears lockedAt where id==job.ID ∧ nextRunAt!=nil.
	Release(ctx context.Context, job *model.Job) error

	// ReleaseMany is the set-valued form of Release.
	ReleaseMany(ctx context.Context, ids []string) error

	// SaveState patches the mutable execution fields. Returns
	// ErrNotFound if the document no longer exists.
	SaveState(ctx context.Context, job *model.Job) error

	// Touch refreshes lockedAt for a still-running claim, provided
	// lockedAt still equals expectedLockedAt (keepalive, spec invariant
	// 3). Returns (false, nil) if the claim was stolen or released out
	// from under the caller.
	Touch(ctx context.Context, id string, expectedLockedAt time.Time, now time.Time) (bool, error)

	// QueueSize counts documents with nextRunAt < now (advisory metric).
	QueueSize(ctx context.Context, now time.Time) (int, error)

	// UpsertSingle inserts a type=="single" document for name if and
	// only if none exists yet, guaranteeing spec invariant 5 under
	// concurrent creators via an insert-only side of an upsert. Returns
	// the existing or newly created record and whether it was newly
	// created.
	UpsertSingle(ctx context.Context, job *model.Job) (*model.Job, bool, error)

	// ResetRunningJobs clears lockedAt on every claimed document for
	// the given names, used on worker startup to recover from a crash
	// mid-run. Returns the number of documents reset.
	ResetRunningJobs(ctx context.Context, names []string) (int, error)
}
