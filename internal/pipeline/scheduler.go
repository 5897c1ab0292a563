package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RetryScheduler holds failed tasks for the delay their retry decision
// asked for, then reinjects them at the ingress channel. One timer per
// task; timers are cancelled on shutdown.
type RetryScheduler struct {
	logger  *slog.Logger
	input   <-chan *Task
	ingress chan<- Message

	wg sync.WaitGroup
}

func NewRetryScheduler(logger *slog.Logger, input <-chan *Task, ingress chan<- Message) *RetryScheduler {
	return &RetryScheduler{logger: logger, input: input, ingress: ingress}
}

func (s *RetryScheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-s.input:
			if !ok {
				return nil
			}
			s.schedule(ctx, t)
		}
	}
}

func (s *RetryScheduler) schedule(ctx context.Context, t *Task) {
	var delay time.Duration
	if t.Decision != nil {
		delay = t.Decision.Delay
	}
	// The decision is consumed here, exactly once.
	t.Decision = nil

	s.logger.Debug("retry scheduled", "url", t.URL, "site", t.Site, "delay", delay, "repeats", t.Repeats)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			select {
			case s.ingress <- t:
				s.logger.Debug("retry requeued", "url", t.URL, "site", t.Site)
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}
