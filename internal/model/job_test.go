package model

import (
	"testing"
	"time"
)

func TestNewJob_AssignsIDAndNextRunAt(t *testing.T) {
	j := NewJob("demo", "payload")

	if j.ID == "" {
		t.Fatal("expected a non-empty ID")
	}
	if j.Name != "demo" {
		t.Errorf("expected name demo, got %s", j.Name)
	}
	if j.NextRunAt == nil {
		t.Fatal("expected NextRunAt to be set")
	}
	if j.LockedAt != nil {
		t.Error("expected a fresh job to be unclaimed")
	}
	if j.Type != TypeNormal {
		t.Errorf("expected TypeNormal, got %s", j.Type)
	}
}

func TestNewJob_AssignsDistinctIDs(t *testing.T) {
	a := NewJob("demo", nil)
	b := NewJob("demo", nil)
	if a.ID == b.ID {
		t.Fatal("expected distinct IDs across calls")
	}
}

func TestJob_IsClaimed(t *testing.T) {
	j := &Job{ID: "a"}
	if j.IsClaimed() {
		t.Error("expected unclaimed job with nil LockedAt")
	}
	now := time.Now()
	j.LockedAt = &now
	if !j.IsClaimed() {
		t.Error("expected claimed job once LockedAt is set")
	}
}

func TestJob_IsLockExpired(t *testing.T) {
	now := time.Now()

	unlocked := &Job{ID: "a"}
	if !unlocked.IsLockExpired(now, time.Minute) {
		t.Error("expected an unlocked job to report expired")
	}

	fresh := &Job{ID: "b"}
	lockedAt := now.Add(-time.Second)
	fresh.LockedAt = &lockedAt
	if fresh.IsLockExpired(now, time.Minute) {
		t.Error("expected a fresh lock to not be expired")
	}

	stale := &Job{ID: "c"}
	staleAt := now.Add(-2 * time.Minute)
	stale.LockedAt = &staleAt
	if !stale.IsLockExpired(now, time.Minute) {
		t.Error("expected a stale lock to be expired")
	}
}

func TestJob_Clone_IsIndependent(t *testing.T) {
	now := time.Now()
	orig := &Job{ID: "a", NextRunAt: &now}

	cp := orig.Clone()
	newTime := now.Add(time.Hour)
	cp.NextRunAt = &newTime

	if orig.NextRunAt.Equal(newTime) {
		t.Error("expected mutating the clone to not affect the original")
	}
}
