package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockoutStore_AcquireRespectsActiveLockout(t *testing.T) {
	s := NewMemoryLockoutStore()
	ctx := context.Background()
	l := &Lockout{UserID: "alice", UnlockAt: t0.Add(15 * time.Minute), Reason: ReasonFailedLogins, Automatic: true}

	ok, err := s.Acquire(ctx, l, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, &Lockout{UserID: "alice", UnlockAt: t0.Add(time.Hour)}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "active lockout must not be replaced")

	ok, err = s.Acquire(ctx, &Lockout{UserID: "alice", UnlockAt: t0.Add(time.Hour)}, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lockout is replaced")

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), got.UnlockAt)
}

func TestMemoryLockoutStore_PutGetDelete(t *testing.T) {
	s := NewMemoryLockoutStore()
	ctx := context.Background()

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Put(ctx, &Lockout{UserID: "alice", UnlockAt: t0}, t0))
	require.NoError(t, s.Put(ctx, &Lockout{UserID: "alice", UnlockAt: t0.Add(time.Hour), Reason: ReasonManual}, t0))

	got, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ReasonManual, got.Reason)

	// Callers cannot reach stored state through the returned pointer.
	got.Reason = "edited"
	again, _ := s.Get(ctx, "alice")
	assert.Equal(t, ReasonManual, again.Reason)

	deleted, err := s.Delete(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.Delete(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	in := &Incident{ID: "i-1", Type: "t", Severity: SeverityLow, Status: StatusOpen,
		Details: map[string]any{"k": "v"}, CreatedAt: t0}
	require.NoError(t, s.Create(ctx, in))
	in.Details["k"] = "changed"

	got, err := s.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Details["k"])

	got.Status = StatusResolved
	again, _ := s.Get(ctx, "i-1")
	assert.Equal(t, StatusOpen, again.Status)
}

func TestLockout_Active(t *testing.T) {
	var none *Lockout
	assert.False(t, none.Active(t0))

	l := &Lockout{UnlockAt: t0}
	assert.True(t, l.Active(t0.Add(-time.Nanosecond)))
	assert.False(t, l.Active(t0), "lockout ends exactly at unlock_at")
}
