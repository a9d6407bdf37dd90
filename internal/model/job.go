// Package model defines the persistent job record and the events derived
// from its lifecycle transitions.
package model

import (
	"time"

	"github.com/google/uuid"
)

// JobType distinguishes ordinary recurring/one-shot jobs from jobs that
// must have at most one document per name.
type JobType string

const (
	// TypeNormal jobs may have any number of documents sharing a name.
	TypeNormal JobType = "normal"
	// TypeSingle jobs are constrained to exactly one document per name.
	TypeSingle JobType = "single"
)

// Job is the persistent job record described in spec §3. It is the unit
// of work claimed, run, and reconciled by the CORE.
type Job struct {
	ID   string `bson:"_id" json:"id"`
	Name string `bson:"name" json:"name"`

	// Data is the handler-defined payload. The CORE never interprets it.
	Data any `bson:"data" json:"data"`

	// Priority is in [-20, 20]; higher runs earlier when NextRunAt ties.
	Priority int `bson:"priority" json:"priority"`

	NextRunAt *time.Time `bson:"nextRunAt" json:"nextRunAt"`
	LockedAt  *time.Time `bson:"lockedAt" json:"lockedAt"`

	LastRunAt      *time.Time `bson:"lastRunAt,omitempty" json:"lastRunAt,omitempty"`
	LastFinishedAt *time.Time `bson:"lastFinishedAt,omitempty" json:"lastFinishedAt,omitempty"`
	FailedAt       *time.Time `bson:"failedAt,omitempty" json:"failedAt,omitempty"`

	FailCount  int    `bson:"failCount" json:"failCount"`
	FailReason string `bson:"failReason,omitempty" json:"failReason,omitempty"`

	// Progress is advisory only, 0..100.
	Progress *int `bson:"progress,omitempty" json:"progress,omitempty"`

	Disabled bool    `bson:"disabled" json:"disabled"`
	Type     JobType `bson:"type" json:"type"`

	// RepeatInterval, when set, marks the job as recurring: a
	// successful run recomputes NextRunAt by calling the matching
	// definitions.Definition.RepeatIntervalFunc, rather than clearing
	// it. Interval parsing itself (cron/"every 5 minutes") is a
	// job-authoring concern, out of CORE scope per spec §1 — this
	// field only carries the raw spec string through to that hook.
	RepeatInterval string `bson:"repeatInterval,omitempty" json:"repeatInterval,omitempty"`
}

// NewJob builds an unlocked, immediately-runnable job document for name,
// assigning a short random ID the way job-authoring callers that don't
// supply their own would expect.
func NewJob(name string, data any) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.New().String()[:8],
		Name:      name,
		Data:      data,
		NextRunAt: &now,
		Type:      TypeNormal,
	}
}

// IsClaimed reports spec invariant 1: a job is claimed iff LockedAt != nil.
func (j *Job) IsClaimed() bool {
	return j.LockedAt != nil
}

// IsLockExpired reports whether the job's lock is older than lockLifetime,
// per spec invariant 2's lockDeadline and §4.5 isExpired.
func (j *Job) IsLockExpired(now time.Time, lockLifetime time.Duration) bool {
	if j.LockedAt == nil {
		return true
	}
	return j.LockedAt.Before(now.Add(-lockLifetime))
}

// Clone returns a shallow copy of the job, safe for independent mutation
// of the top-level fields (Data is shared by reference, as with the
// teacher's handler-defined payloads).
func (j *Job) Clone() *Job {
	cp := *j
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		cp.NextRunAt = &t
	}
	if j.LockedAt != nil {
		t := *j.LockedAt
		cp.LockedAt = &t
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		cp.LastRunAt = &t
	}
	if j.LastFinishedAt != nil {
		t := *j.LastFinishedAt
		cp.LastFinishedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		cp.FailedAt = &t
	}
	if j.Progress != nil {
		p := *j.Progress
		cp.Progress = &p
	}
	return &cp
}
