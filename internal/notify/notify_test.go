package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyBackend fails a configured number of times before succeeding.
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	attempts int
}

func (b *flakyBackend) Name() string { return "flaky" }

func (b *flakyBackend) Send(_ context.Context, _, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.attempts <= b.failures {
		return errors.New("boom")
	}
	return nil
}

func (b *flakyBackend) seen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func TestNotifyRetriesWithWideningSpacing(t *testing.T) {
	backend := &flakyBackend{failures: 2}
	d := NewDispatcher(testLogger(), backend)

	var sleeps []time.Duration
	var mu sync.Mutex
	d.sleep = func(dur time.Duration) {
		mu.Lock()
		sleeps = append(sleeps, dur)
		mu.Unlock()
	}

	d.Notify(context.Background(), "Title", "Body", "other")
	d.Wait()

	if got := backend.seen(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sleeps) != 2 || sleeps[0] != 10*time.Second || sleeps[1] != 20*time.Second {
		t.Fatalf("sleeps = %v, want [10s 20s]", sleeps)
	}
}

func TestNotifyGivesUpAfterThreeAttempts(t *testing.T) {
	backend := &flakyBackend{failures: 10}
	d := NewDispatcher(testLogger(), backend)
	d.sleep = func(time.Duration) {}

	d.Notify(context.Background(), "Title", "Body", "other")
	d.Wait()

	if got := backend.seen(); got != 3 {
		t.Fatalf("attempts = %d, want exactly 3", got)
	}
}

func TestNotifyFansOutToAllBackends(t *testing.T) {
	a := &flakyBackend{}
	b := &flakyBackend{}
	d := NewDispatcher(testLogger(), a, b)
	d.sleep = func(time.Duration) {}

	d.Notify(context.Background(), "Title", "Body", "other")
	d.Wait()

	if a.seen() != 1 || b.seen() != 1 {
		t.Fatalf("attempts = (%d, %d), want one each", a.seen(), b.seen())
	}
}

func TestNotifyWithNoBackends(t *testing.T) {
	d := NewDispatcher(testLogger())
	d.Notify(context.Background(), "Title", "Body", "other")
	d.Wait()
}

// stuckBackend never returns from Send until released.
type stuckBackend struct {
	release chan struct{}
}

func (b *stuckBackend) Name() string { return "stuck" }

func (b *stuckBackend) Send(context.Context, string, string, string) error {
	<-b.release
	return nil
}

func TestDrainGivesUpOnStuckBackend(t *testing.T) {
	backend := &stuckBackend{release: make(chan struct{})}
	d := NewDispatcher(testLogger(), backend)
	t.Cleanup(func() {
		close(backend.release)
		d.Wait()
	})

	d.Notify(context.Background(), "Title", "Body", "other")

	start := time.Now()
	if d.Drain(20 * time.Millisecond) {
		t.Fatal("drain reported completion with a delivery still in flight")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("drain took %v, the budget must bound the wait", elapsed)
	}
}

func TestDrainCompletesWhenDeliveriesFinish(t *testing.T) {
	backend := &flakyBackend{}
	d := NewDispatcher(testLogger(), backend)
	d.sleep = func(time.Duration) {}

	d.Notify(context.Background(), "Title", "Body", "other")
	if !d.Drain(2 * time.Second) {
		t.Fatal("drain must report completion once deliveries finish")
	}
	if backend.seen() != 1 {
		t.Fatalf("attempts = %d", backend.seen())
	}
}
