// Package retry holds the pure decision function consulted after every
// failed download attempt.
package retry

import (
	"fmt"
	"time"

	"autofanfic/internal/config"
)

type Action int

const (
	ActionRetry Action = iota
	ActionHailMary
	ActionAbandon
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionHailMary:
		return "hail_mary"
	case ActionAbandon:
		return "abandon"
	}
	return "unknown"
}

// Decision is the value object produced once per failed attempt and consumed
// once by the retry scheduler.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Notify  bool
	Message string
}

const skippedMessage = "Update permanently skipped because a force was requested " +
	"but the update method is set to 'update_no_force'. The force request was " +
	"ignored and a normal update was attempted instead."

// Decide maps (attempts consumed, retry config, force-vs-no-force conflict)
// to the next action. Normal retries back off exponentially from one minute,
// capped at the Hail-Mary wait. The Hail-Mary is offered exactly once, at
// the first crossing of the normal-retry boundary; any failure after that is
// an abandonment. A force request against update_no_force can never succeed,
// so such tasks skip the Hail-Mary and abandon with the specific message the
// user needs to see.
func Decide(repeats int64, cfg config.Retry, forceWithNoForce bool) Decision {
	if forceWithNoForce && repeats > cfg.MaxNormalRetries {
		return Decision{
			Action:  ActionAbandon,
			Notify:  true,
			Message: skippedMessage,
		}
	}

	if repeats <= cfg.MaxNormalRetries {
		return Decision{
			Action: ActionRetry,
			Delay:  backoff(repeats, cfg.HailMaryWait()),
		}
	}

	if repeats == cfg.MaxNormalRetries+1 && cfg.HailMaryEnabled {
		return Decision{
			Action:  ActionHailMary,
			Delay:   cfg.HailMaryWait(),
			Notify:  true,
			Message: fmt.Sprintf("Fanfiction Download Failed, trying Hail-Mary in %g hours.", cfg.HailMaryWaitHours),
		}
	}

	return Decision{
		Action:  ActionAbandon,
		Notify:  true,
		Message: "Maximum retries reached",
	}
}

// backoff is 60s * 2^(repeats-1), doubled stepwise to avoid overflow on
// pathological repeat counts.
func backoff(repeats int64, max time.Duration) time.Duration {
	delay := time.Minute
	for i := int64(1); i < repeats; i++ {
		if delay >= max {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
