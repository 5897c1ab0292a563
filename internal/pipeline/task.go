// Package pipeline contains the concurrent download orchestrator: the
// coordinator that partitions tasks among workers under per-site
// exclusivity, the workers themselves, and the delayed-requeue scheduler.
package pipeline

import (
	"fmt"

	"github.com/google/uuid"

	"autofanfic/internal/retry"
)

type Behavior string

const (
	BehaviorNone Behavior = ""
	// BehaviorForce escalates a single re-attempt to a forced update.
	BehaviorForce Behavior = "force"
)

// Task is a unit of work through the pipeline: one story URL to download or
// refresh. Identity is the (URL, Site, CalibreID) triple; ID is a
// correlation id for logs and history only.
type Task struct {
	ID        string
	URL       string
	Site      string
	CalibreID int64
	Title     string
	Behavior  Behavior
	Repeats   int64

	// Decision is produced exactly once per failed attempt and consumed
	// exactly once by the retry scheduler.
	Decision *retry.Decision
}

func NewTask(url, site string) *Task {
	return &Task{ID: uuid.NewString(), URL: url, Site: site}
}

// Equal reports task identity: matching (URL, Site, CalibreID).
func (t *Task) Equal(o *Task) bool {
	return o != nil && t.URL == o.URL && t.Site == o.Site && t.CalibreID == o.CalibreID
}

// Key is the hashable form of task identity.
func (t *Task) Key() string {
	return fmt.Sprintf("%s|%s|%d", t.URL, t.Site, t.CalibreID)
}

// Message is what flows on the ingress channel: either a *Task or a
// WorkerIdle signal.
type Message interface{ isMessage() }

func (*Task) isMessage() {}

// WorkerIdle announces that a worker's queue has drained. Site names the
// assignment to release; empty when the worker had none.
type WorkerIdle struct {
	WorkerID string
	Site     string
}

func (WorkerIdle) isMessage() {}
