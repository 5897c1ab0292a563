package pipeline

import (
	"context"
	"log/slog"
	"sync"
)

// Coordinator assigns pending tasks to idle workers under the invariant
// that at most one worker owns a site at any instant. It is the only
// component that reads or writes the backlog and the assignment table.
type Coordinator struct {
	logger  *slog.Logger
	ingress <-chan Message
	workers map[string]chan *Task

	mu          sync.Mutex
	backlog     map[string][]*Task
	assignments map[string]string
	idle        map[string]struct{}
}

// delivery is a batch of tasks bound for one worker channel, composed under
// the lock and sent after it is released so a full worker buffer can never
// block Snapshot.
type delivery struct {
	ch    chan *Task
	tasks []*Task
}

func NewCoordinator(logger *slog.Logger, ingress <-chan Message, workers map[string]chan *Task) *Coordinator {
	idle := make(map[string]struct{}, len(workers))
	for id := range workers {
		idle[id] = struct{}{}
	}
	return &Coordinator{
		logger:      logger,
		ingress:     ingress,
		workers:     workers,
		backlog:     make(map[string][]*Task),
		assignments: make(map[string]string),
		idle:        idle,
	}
}

// Run consumes the ingress channel until cancellation. On shutdown it
// drains already-buffered messages, then closes every worker channel; the
// close is each worker's sentinel to finish its current task and exit.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Debug("coordinator started", "workers", len(c.workers))
	defer c.closeWorkers()

	for {
		select {
		case <-ctx.Done():
			c.drainBuffered()
			return nil
		case msg, ok := <-c.ingress:
			if !ok {
				return nil
			}
			c.dispatch(msg)
		}
	}
}

func (c *Coordinator) dispatch(msg Message) {
	switch m := msg.(type) {
	case *Task:
		c.handleTask(m)
	case WorkerIdle:
		c.handleIdle(m)
	}
}

// drainBuffered empties messages already sitting in the ingress buffer at
// shutdown so senders blocked on it are released. No new work is dispatched.
func (c *Coordinator) drainBuffered() {
	for {
		select {
		case msg, ok := <-c.ingress:
			if !ok {
				return
			}
			if idle, isIdle := msg.(WorkerIdle); isIdle {
				c.handleIdle(idle)
			}
			// Tasks are dropped; the ingester has stopped and the
			// active set dies with the process.
		default:
			return
		}
	}
}

func (c *Coordinator) closeWorkers() {
	for _, ch := range c.workers {
		close(ch)
	}
}

func (c *Coordinator) handleTask(t *Task) {
	c.mu.Lock()

	if workerID, ok := c.assignments[t.Site]; ok {
		ch := c.workers[workerID]
		c.mu.Unlock()
		ch <- t
		c.logger.Debug("pushed to active assignment", "url", t.URL, "site", t.Site, "worker", workerID)
		return
	}

	c.backlog[t.Site] = append(c.backlog[t.Site], t)
	c.logger.Debug("backlogged", "url", t.URL, "site", t.Site)
	pending := c.assignLocked()
	c.mu.Unlock()
	c.deliver(pending)
}

func (c *Coordinator) handleIdle(m WorkerIdle) {
	c.mu.Lock()

	// An idle signal can be ordered behind tasks already pushed to the
	// worker's channel. Releasing the site then would let a second worker
	// own it while the first still holds buffered work, so the stale
	// signal is dropped; the worker re-announces idle once it drains.
	if len(c.workers[m.WorkerID]) > 0 {
		c.mu.Unlock()
		c.logger.Debug("stale idle signal dropped", "worker", m.WorkerID, "site", m.Site)
		return
	}

	c.idle[m.WorkerID] = struct{}{}
	if m.Site != "" {
		if owner, ok := c.assignments[m.Site]; ok && owner == m.WorkerID {
			delete(c.assignments, m.Site)
			c.logger.Debug("site released", "site", m.Site, "worker", m.WorkerID)
		}
	}
	pending := c.assignLocked()
	c.mu.Unlock()
	c.deliver(pending)
}

// assignLocked greedily pairs idle workers with unassigned backlogged
// sites, draining each site's backlog entirely so the worker stays
// productive on a hot site without ping-pong. Callers hold c.mu; the
// returned deliveries are sent after the lock is released.
func (c *Coordinator) assignLocked() []delivery {
	var pending []delivery
	for len(c.idle) > 0 {
		site := c.unassignedSite()
		if site == "" {
			return pending
		}

		var workerID string
		for id := range c.idle {
			workerID = id
			break
		}
		delete(c.idle, workerID)
		c.assignments[site] = workerID

		tasks := c.backlog[site]
		delete(c.backlog, site)
		pending = append(pending, delivery{ch: c.workers[workerID], tasks: tasks})
		c.logger.Debug("assigned site", "site", site, "worker", workerID, "tasks", len(tasks))
	}
	return pending
}

func (c *Coordinator) deliver(pending []delivery) {
	for _, d := range pending {
		for _, t := range d.tasks {
			d.ch <- t
		}
	}
}

func (c *Coordinator) unassignedSite() string {
	for site, tasks := range c.backlog {
		if len(tasks) == 0 {
			continue
		}
		if _, taken := c.assignments[site]; !taken {
			return site
		}
	}
	return ""
}

// Snapshot returns a copy of the current assignment table for monitoring.
func (c *Coordinator) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.assignments))
	for site, worker := range c.assignments {
		out[site] = worker
	}
	return out
}
