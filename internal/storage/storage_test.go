package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap("op", nil) != nil {
		t.Fatal("nil should stay nil")
	}
	if err := Wrap("op", sql.ErrNoRows); err != sql.ErrNoRows {
		t.Fatalf("ErrNoRows should pass through, got %v", err)
	}

	driver := errors.New("connection refused")
	err := Wrap("history.append", driver)
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !errors.Is(err, driver) {
		t.Fatal("driver error should remain reachable")
	}

	if again := Wrap("outer", err); again != err {
		t.Fatal("already-wrapped errors should not be wrapped twice")
	}
}

func TestWrap_ContextDeadline(t *testing.T) {
	err := Wrap("audit.append", context.DeadlineExceeded)
	if !IsUnavailable(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("deadline should be classified unavailable and stay matchable, got %v", err)
	}
}

func TestWrap_ContextCanceledPassesThrough(t *testing.T) {
	err := Wrap("history.count", context.Canceled)
	if IsUnavailable(err) {
		t.Fatalf("a cancelled caller is not a store outage, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
