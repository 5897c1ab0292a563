package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recvTask(t *testing.T, ch chan *Task) *Task {
	t.Helper()
	select {
	case task := <-ch:
		return task
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a task")
		return nil
	}
}

func expectEmpty(t *testing.T, ch chan *Task) {
	t.Helper()
	select {
	case task := <-ch:
		t.Fatalf("unexpected task %s on channel", task.URL)
	case <-time.After(50 * time.Millisecond):
	}
}

type coordinatorHarness struct {
	c       *Coordinator
	ingress chan Message
	cancel  context.CancelFunc
	done    chan struct{}
}

func startCoordinator(t *testing.T, workers map[string]chan *Task) *coordinatorHarness {
	t.Helper()
	ingress := make(chan Message, 64)
	c := NewCoordinator(testLogger(), ingress, workers)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &coordinatorHarness{c: c, ingress: ingress, cancel: cancel, done: done}
}

type routed struct {
	task   *Task
	worker string
}

func recvFromAny(t *testing.T, workers map[string]chan *Task) routed {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for id, ch := range workers {
			select {
			case task := <-ch:
				return routed{task: task, worker: id}
			default:
			}
		}
		select {
		case <-deadline:
			t.Fatal("no worker received a task")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCoordinatorSiteExclusivity(t *testing.T) {
	workers := map[string]chan *Task{
		"w1": make(chan *Task, 8),
		"w2": make(chan *Task, 8),
	}
	h := startCoordinator(t, workers)

	h.ingress <- NewTask("site.com/s/1", "fanfiction")
	first := recvFromAny(t, workers)

	// A second task for the same site must land on the same worker even
	// though another worker is idle.
	h.ingress <- NewTask("site.com/s/2", "fanfiction")
	second := recvTask(t, workers[first.worker])
	if second.URL != "site.com/s/2" {
		t.Fatalf("got %s", second.URL)
	}
	for id, ch := range workers {
		if id != first.worker {
			expectEmpty(t, ch)
		}
	}
}

func TestCoordinatorDistributesDistinctSites(t *testing.T) {
	workers := map[string]chan *Task{
		"w1": make(chan *Task, 8),
		"w2": make(chan *Task, 8),
	}
	h := startCoordinator(t, workers)

	h.ingress <- NewTask("a.com/s/1", "siteA")
	h.ingress <- NewTask("b.com/s/1", "siteB")

	first := recvFromAny(t, workers)
	second := recvFromAny(t, workers)
	if first.worker == second.worker {
		t.Fatalf("both sites landed on %s with an idle worker available", first.worker)
	}
}

func TestCoordinatorQueuesWhenAllWorkersBusy(t *testing.T) {
	workers := map[string]chan *Task{"w1": make(chan *Task, 8)}
	h := startCoordinator(t, workers)

	h.ingress <- NewTask("a.com/s/1", "siteA")
	if got := recvTask(t, workers["w1"]); got.Site != "siteA" {
		t.Fatalf("got %s", got.Site)
	}

	// The only worker owns siteA, so siteB work must wait.
	h.ingress <- NewTask("b.com/s/1", "siteB")
	expectEmpty(t, workers["w1"])

	// Releasing the assignment frees the worker for the queued site.
	h.ingress <- WorkerIdle{WorkerID: "w1", Site: "siteA"}
	if got := recvTask(t, workers["w1"]); got.Site != "siteB" {
		t.Fatalf("got %s", got.Site)
	}
}

func TestCoordinatorDrainsBacklogOnAssignment(t *testing.T) {
	workers := map[string]chan *Task{"w1": make(chan *Task, 8)}
	h := startCoordinator(t, workers)

	h.ingress <- NewTask("a.com/s/1", "siteA")
	recvTask(t, workers["w1"])

	// Three siteB tasks accumulate while the worker is busy.
	for i := 1; i <= 3; i++ {
		h.ingress <- NewTask(fmt.Sprintf("b.com/s/%d", i), "siteB")
	}
	expectEmpty(t, workers["w1"])

	h.ingress <- WorkerIdle{WorkerID: "w1", Site: "siteA"}
	for i := 0; i < 3; i++ {
		if got := recvTask(t, workers["w1"]); got.Site != "siteB" {
			t.Fatalf("got %s", got.Site)
		}
	}
}

func TestCoordinatorClosesWorkersOnShutdown(t *testing.T) {
	workers := map[string]chan *Task{"w1": make(chan *Task, 8)}
	h := startCoordinator(t, workers)

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	if _, open := <-workers["w1"]; open {
		t.Fatal("worker channel must be closed after shutdown")
	}
}

func TestCoordinatorSnapshotNotBlockedByFullWorkerBuffer(t *testing.T) {
	// Single-slot buffer with no consumer: the second direct push blocks.
	workers := map[string]chan *Task{"w1": make(chan *Task, 1)}
	h := startCoordinator(t, workers)

	h.ingress <- NewTask("a.com/s/1", "siteA")
	h.ingress <- NewTask("a.com/s/2", "siteA")

	waitForAssignment(t, h.c, "siteA")

	snapped := make(chan map[string]string, 1)
	go func() { snapped <- h.c.Snapshot() }()
	select {
	case snap := <-snapped:
		if snap["siteA"] != "w1" {
			t.Fatalf("snapshot = %v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot blocked behind a full worker buffer")
	}

	// Unblock the pending push so shutdown can proceed.
	recvTask(t, workers["w1"])
	recvTask(t, workers["w1"])
}

func waitForAssignment(t *testing.T, c *Coordinator, site string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := c.Snapshot()[site]; ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("site %s never assigned", site)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCoordinatorDropsStaleIdleSignal(t *testing.T) {
	workers := map[string]chan *Task{"w1": make(chan *Task, 8)}
	h := startCoordinator(t, workers)

	h.ingress <- NewTask("a.com/s/1", "siteA")
	waitForAssignment(t, h.c, "siteA")

	// The task is still buffered on the worker channel, so an idle signal
	// ordered behind it must not release the site.
	h.ingress <- WorkerIdle{WorkerID: "w1", Site: "siteA"}
	h.ingress <- NewTask("b.com/s/1", "siteB")

	deadline := time.After(2 * time.Second)
	for {
		snap := h.c.Snapshot()
		if _, siteB := snap["siteB"]; siteB {
			t.Fatal("siteB assigned while the worker still held buffered siteA work")
		}
		if snap["siteA"] == "w1" && len(h.ingress) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("assignments never settled: %v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Once the buffer drains, a fresh idle signal releases the site and
	// the queued siteB work is assigned.
	recvTask(t, workers["w1"])
	h.ingress <- WorkerIdle{WorkerID: "w1", Site: "siteA"}
	if got := recvTask(t, workers["w1"]); got.Site != "siteB" {
		t.Fatalf("got %s, want the backlogged siteB task", got.Site)
	}
}

func TestCoordinatorSnapshot(t *testing.T) {
	workers := map[string]chan *Task{"w1": make(chan *Task, 8)}
	h := startCoordinator(t, workers)

	h.ingress <- NewTask("a.com/s/1", "siteA")
	recvTask(t, workers["w1"])

	deadline := time.After(2 * time.Second)
	for {
		snap := h.c.Snapshot()
		if snap["siteA"] == "w1" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("assignment never visible in snapshot: %v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
