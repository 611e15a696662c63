package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ctisec/misp-postgres-ingester/logging"
)

func testManager(attempts int) *Manager {
	return NewManager(&Policy{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}, logging.NewComponentLogger("test", "0"))
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	m := testManager(4)

	calls := 0
	err := m.Execute(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return Transient(errors.New("server returned HTTP 503"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	m := testManager(3)

	calls := 0
	err := m.Execute(context.Background(), "op", func() error {
		calls++
		return Transient(errors.New("still down"))
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestExecuteDoesNotRetryPermanentErrors(t *testing.T) {
	m := testManager(4)

	calls := 0
	permanent := errors.New("HTTP 403")
	err := m.Execute(context.Background(), "op", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestExecuteRetriesConnectionErrors(t *testing.T) {
	m := testManager(2)

	calls := 0
	err := m.Execute(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("got %d calls, want 2", calls)
	}
}

func TestExecuteRespectsCancellation(t *testing.T) {
	m := testManager(10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Execute(ctx, "op", func() error {
		t.Fatal("operation must not run on cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(errors.New("plain")) {
		t.Error("plain error must not be transient")
	}
	if !IsTransient(Transient(errors.New("x"))) {
		t.Error("wrapped error must be transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}
