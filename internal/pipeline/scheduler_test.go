package pipeline

import (
	"context"
	"testing"
	"time"

	"autofanfic/internal/retry"
)

func startScheduler(t *testing.T) (chan *Task, chan Message, context.CancelFunc, chan struct{}) {
	t.Helper()
	input := make(chan *Task, 8)
	ingress := make(chan Message, 8)
	s := NewRetryScheduler(testLogger(), input, ingress)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return input, ingress, cancel, done
}

func TestSchedulerRequeuesAfterDelay(t *testing.T) {
	input, ingress, _, _ := startScheduler(t)

	task := NewTask("site.com/s/1", "other")
	task.Repeats = 1
	task.Decision = &retry.Decision{Action: retry.ActionRetry, Delay: 10 * time.Millisecond}
	input <- task

	select {
	case m := <-ingress:
		got, ok := m.(*Task)
		if !ok {
			t.Fatalf("got %T, want a task", m)
		}
		if got.URL != task.URL {
			t.Fatalf("got %s", got.URL)
		}
		if got.Decision != nil {
			t.Fatal("the decision must be consumed before requeueing")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never requeued")
	}
}

func TestSchedulerHandlesMissingDecision(t *testing.T) {
	input, ingress, _, _ := startScheduler(t)

	// A task without a decision requeues immediately instead of panicking.
	input <- NewTask("site.com/s/1", "other")

	select {
	case <-ingress:
	case <-time.After(2 * time.Second):
		t.Fatal("task never requeued")
	}
}

func TestSchedulerCancelsPendingTimers(t *testing.T) {
	input, ingress, cancel, done := startScheduler(t)

	task := NewTask("site.com/s/1", "other")
	task.Decision = &retry.Decision{Action: retry.ActionRetry, Delay: time.Hour}
	input <- task

	// Give the scheduler a beat to arm the timer, then shut down. Run only
	// returns once every pending timer goroutine has exited.
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop with a pending timer")
	}

	select {
	case m := <-ingress:
		t.Fatalf("cancelled timer still delivered %v", m)
	default:
	}
}

func TestSchedulerMultiplePendingTimers(t *testing.T) {
	input, ingress, _, _ := startScheduler(t)

	for i := 0; i < 3; i++ {
		task := NewTask("site.com/s/1", "other")
		task.Decision = &retry.Decision{Action: retry.ActionRetry, Delay: time.Duration(i+1) * 5 * time.Millisecond}
		input <- task
	}

	for i := 0; i < 3; i++ {
		select {
		case <-ingress:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 tasks requeued", i)
		}
	}
}
