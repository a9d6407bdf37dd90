package jobhandle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bobmcallan/jobcore/internal/definitions"
	"github.com/bobmcallan/jobcore/internal/model"
)

func testJob(lockedAt *time.Time) *model.Job {
	return &model.Job{ID: "j1", Name: "send-email", LockedAt: lockedAt}
}

func TestHandle_Run_CompletesOnSuccess(t *testing.T) {
	def := definitions.Definition{Name: "send-email", Handler: func(ctx context.Context, data any) error {
		return nil
	}}
	h := New(testJob(nil), def, nil, nil)

	select {
	case <-h.Run():
	case <-time.After(time.Second):
		t.Fatal("handler never completed")
	}
	if err := h.Err(); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestHandle_Run_PropagatesHandlerError(t *testing.T) {
	wantErr := errors.New("boom")
	def := definitions.Definition{Name: "send-email", Handler: func(ctx context.Context, data any) error {
		return wantErr
	}}
	h := New(testJob(nil), def, nil, nil)

	<-h.Run()
	if err := h.Err(); err != wantErr {
		t.Errorf("expected %v, got %v", wantErr, err)
	}
}

func TestHandle_Run_CalledTwicePanics(t *testing.T) {
	def := definitions.Definition{Name: "x", Handler: func(ctx context.Context, data any) error { return nil }}
	h := New(testJob(nil), def, nil, nil)
	<-h.Run()

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on second Run call")
		}
	}()
	h.Run()
}

func TestHandle_Cancel_ObservedByHandler(t *testing.T) {
	started := make(chan struct{})
	def := definitions.Definition{Name: "x", Handler: func(ctx context.Context, data any) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	h := New(testJob(nil), def, nil, nil)

	done := h.Run()
	<-started
	h.Cancel(errors.New("lockLifetime exceeded, touch() not called"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never observed cancellation")
	}
	if err := h.Err(); err == nil || err.Error() != "lockLifetime exceeded, touch() not called" {
		t.Errorf("expected cancellation reason, got %v", err)
	}
}

func TestHandle_IsExpired_NoLockIsExpired(t *testing.T) {
	def := definitions.Definition{Name: "x", Handler: func(ctx context.Context, data any) error { return nil }}
	h := New(testJob(nil), def, nil, nil)
	if !h.IsExpired(time.Minute) {
		t.Error("expected expired when lockedAt is nil")
	}
}

func TestHandle_IsExpired_FreshLockNotExpired(t *testing.T) {
	now := time.Now()
	lockedAt := now
	def := definitions.Definition{Name: "x", Handler: func(ctx context.Context, data any) error { return nil }}
	h := New(testJob(&lockedAt), def, func() time.Time { return now }, nil)
	if h.IsExpired(time.Minute) {
		t.Error("expected fresh lock to not be expired")
	}
}

func TestHandle_IsExpired_StaleLockIsExpired(t *testing.T) {
	now := time.Now()
	lockedAt := now.Add(-2 * time.Minute)
	def := definitions.Definition{Name: "x", Handler: func(ctx context.Context, data any) error { return nil }}
	h := New(testJob(&lockedAt), def, func() time.Time { return now }, nil)
	if !h.IsExpired(time.Minute) {
		t.Error("expected stale lock to be expired")
	}
}

func TestHandle_Run_RecoversFromHandlerPanic(t *testing.T) {
	def := definitions.Definition{Name: "x", Handler: func(ctx context.Context, data any) error {
		panic("handler exploded")
	}}
	var gotPanic any
	h := New(testJob(nil), def, nil, func(jobID, jobName string, r any, stack string) {
		gotPanic = r
	})

	<-h.Run()
	if err := h.Err(); err == nil {
		t.Error("expected non-nil error after panic recovery")
	}
	if gotPanic == nil {
		t.Error("expected onPanic callback to be invoked")
	}
}
