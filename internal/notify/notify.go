// Package notify fans user notifications out to the configured back-ends.
// Delivery is best-effort: each back-end gets three attempts with widening
// spacing, and a back-end failing never blocks the pipeline.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const maxAttempts = 3

// Backend delivers a single notification.
type Backend interface {
	Name() string
	Send(ctx context.Context, title, body, site string) error
}

// Dispatcher owns the back-end set and the retry policy around them.
type Dispatcher struct {
	logger   *slog.Logger
	backends []Backend
	wg       sync.WaitGroup

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewDispatcher(logger *slog.Logger, backends ...Backend) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		backends: backends,
		sleep:    time.Sleep,
	}
}

// Notify sends (title, body, site) to every back-end concurrently and
// returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, title, body, site string) {
	for _, b := range d.backends {
		d.wg.Add(1)
		go func(b Backend) {
			defer d.wg.Done()
			d.sendWithRetry(ctx, b, title, body, site)
		}(b)
	}
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Drain waits for in-flight deliveries up to budget, then gives up and
// reports false. A backend stuck in its retry loop must not hold up
// process exit past the configured signal budget.
func (d *Dispatcher) Drain(budget time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(budget):
		return false
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, b Backend, title, body, site string) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := b.Send(ctx, title, body, site)
		if err == nil {
			d.logger.Debug("notification sent", "backend", b.Name(), "title", title, "site", site)
			return true
		}
		d.logger.Warn("notification attempt failed",
			"backend", b.Name(), "attempt", attempt, "error", err)
		if attempt < maxAttempts {
			d.sleep(time.Duration(attempt) * 10 * time.Second)
		}
	}
	d.logger.Error("notification abandoned", "backend", b.Name(), "title", title)
	return false
}
