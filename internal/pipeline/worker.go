package pipeline

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"autofanfic/internal/calibre"
	"autofanfic/internal/config"
	"autofanfic/internal/epub"
	"autofanfic/internal/fanficfare"
	"autofanfic/internal/retry"
	"autofanfic/internal/storage"
)

// Library is the slice of the calibre client a worker needs before
// reconciliation: locating and exporting an existing story.
type Library interface {
	StoryID(ctx context.Context, url string) (int64, bool)
	Export(ctx context.Context, id int64, dir string) error
}

// Downloader executes the external story downloader.
type Downloader interface {
	Run(ctx context.Context, target, workDir string, force bool) fanficfare.Result
}

// Reconciler integrates a freshly downloaded story with the library.
type Reconciler interface {
	Reconcile(ctx context.Context, st *calibre.Story, dir string, isNew bool) error
}

// Notifier sends user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, title, body, site string)
}

// Recorder persists terminal outcomes. May be nil.
type Recorder interface {
	RecordOutcome(rec storage.DownloadRecord) error
}

// CalibreReconciler picks the configured update strategy, or add_new for
// stories not yet in the library.
type CalibreReconciler struct {
	Client *calibre.Client
	Mode   string
}

func (r *CalibreReconciler) Reconcile(ctx context.Context, st *calibre.Story, dir string, isNew bool) error {
	strategy := calibre.StrategyFor(r.Mode)
	if isNew {
		strategy = calibre.AddNew()
	}
	return strategy.Execute(ctx, r.Client, st, dir)
}

// Worker consumes tasks for its currently-assigned site, drives the
// downloader, the update strategy and the retry policy, and reports idle to
// the coordinator when its queue drains.
type Worker struct {
	id     string
	logger *slog.Logger

	input   <-chan *Task
	ingress chan<- Message
	retryIn chan<- *Task
	active  *ActiveSet

	library      Library
	downloader   Downloader
	reconciler   Reconciler
	notifier     Notifier
	recorder     Recorder
	retryCfg     config.Retry
	updateMethod string
	taskTimeout  time.Duration

	lastSite string
}

type WorkerDeps struct {
	Library      Library
	Downloader   Downloader
	Reconciler   Reconciler
	Notifier     Notifier
	Recorder     Recorder
	RetryConfig  config.Retry
	UpdateMethod string

	// TaskTimeout bounds a single task attempt. Zero means unbounded.
	TaskTimeout time.Duration
}

func NewWorker(id string, logger *slog.Logger, input <-chan *Task, ingress chan<- Message, retryIn chan<- *Task, active *ActiveSet, deps WorkerDeps) *Worker {
	return &Worker{
		id:           id,
		logger:       logger.With("worker", id),
		input:        input,
		ingress:      ingress,
		retryIn:      retryIn,
		active:       active,
		library:      deps.Library,
		downloader:   deps.Downloader,
		reconciler:   deps.Reconciler,
		notifier:     deps.Notifier,
		recorder:     deps.Recorder,
		retryCfg:     deps.RetryConfig,
		updateMethod: deps.UpdateMethod,
		taskTimeout:  deps.TaskTimeout,
	}
}

// Run loops until the input channel is closed. Idle is reported only once
// the buffered input has drained, so the coordinator never releases a site
// that still has queued work.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case t, ok := <-w.input:
			if !ok {
				return nil
			}
			w.handle(ctx, t)
			continue
		default:
		}

		if w.lastSite != "" {
			w.send(ctx, WorkerIdle{WorkerID: w.id, Site: w.lastSite})
			w.lastSite = ""
		}

		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-w.input:
			if !ok {
				return nil
			}
			w.handle(ctx, t)
		}
	}
}

// handle bounds the attempt with the configured task timeout. The timeout
// context only covers external operations; routing the outcome still uses
// the worker's own context so a timed-out attempt reaches the retry path.
func (w *Worker) handle(ctx context.Context, t *Task) {
	w.logger.Info("processing story", "site", t.Site, "url", t.URL, "task", t.ID, "repeats", t.Repeats)
	runCtx := ctx
	if w.taskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.taskTimeout)
		defer cancel()
	}
	w.process(ctx, runCtx, t)
	w.lastSite = t.Site
}

func (w *Worker) process(ctx, runCtx context.Context, t *Task) {
	dir, err := os.MkdirTemp("", "autofanfic-*")
	if err != nil {
		w.fail(ctx, t, "create scratch dir: "+err.Error())
		return
	}
	defer os.RemoveAll(dir)

	pathOrURL := w.resolveTarget(runCtx, t, dir)

	if strings.HasSuffix(pathOrURL, ".epub") {
		t.Title = epub.TitleFromPath(pathOrURL)
		if md, err := epub.ReadMetadata(pathOrURL); err == nil {
			w.logger.Debug("epub metadata", "site", t.Site, "title", md.Title, "source", md.Source, "identifiers", md.Identifiers)
		}
	}

	// A force against update_no_force can never be honoured. Short-circuit
	// into a synthetic failure so the "permanently skipped" notification
	// flows through the standard retry path.
	if t.Behavior == BehaviorForce && w.updateMethod == config.UpdateMethodUpdateNoForce {
		w.fail(ctx, t, "force update requested but update method is update_no_force")
		return
	}

	res := w.downloader.Run(runCtx, pathOrURL, dir, t.Behavior == BehaviorForce)
	switch res.Outcome {
	case fanficfare.OutcomePermanent:
		w.logger.Warn("downloader failure", "site", t.Site, "url", t.URL, "reason", res.Reason)
		w.fail(ctx, t, res.Reason)
	case fanficfare.OutcomeTransient:
		reason := "downloader failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		w.logger.Warn("downloader failure", "site", t.Site, "url", t.URL, "error", reason)
		w.fail(ctx, t, reason)
	case fanficfare.OutcomeForceable:
		// Force exactly one re-attempt; the URL stays in the active set and
		// repeats is untouched, a forceable condition is not a failure.
		w.logger.Info("forceable condition, requeueing with force", "site", t.Site, "url", t.URL, "reason", res.Reason)
		t.Behavior = BehaviorForce
		w.send(ctx, t)
	case fanficfare.OutcomeOK:
		w.reconcile(ctx, runCtx, t, dir)
	}
}

// resolveTarget exports the existing library copy when there is one and
// points the downloader at it; otherwise the raw URL is the target.
func (w *Worker) resolveTarget(ctx context.Context, t *Task, dir string) string {
	id, ok := w.library.StoryID(ctx, t.URL)
	if !ok {
		return t.URL
	}
	t.CalibreID = id

	if err := w.library.Export(ctx, id, dir); err != nil {
		w.logger.Warn("export failed, updating from url", "site", t.Site, "id", id, "error", err)
		return t.URL
	}
	file, err := calibre.FindEPUB(dir)
	if err != nil {
		w.logger.Warn("no epub in export, updating from url", "site", t.Site, "id", id, "error", err)
		return t.URL
	}
	return file
}

func (w *Worker) reconcile(ctx, runCtx context.Context, t *Task, dir string) {
	st := &calibre.Story{URL: t.URL, Site: t.Site, Title: t.Title, ID: t.CalibreID}
	if err := w.reconciler.Reconcile(runCtx, st, dir, t.CalibreID == 0); err != nil {
		w.logger.Warn("library reconciliation failed", "site", t.Site, "url", t.URL, "error", err)
		w.fail(ctx, t, err.Error())
		return
	}
	t.CalibreID = st.ID
	if st.Title != "" {
		t.Title = st.Title
	}

	title := t.Title
	if title == "" {
		title = "Unknown Title"
	}
	w.logger.Info("story integrated", "site", t.Site, "url", t.URL, "id", t.CalibreID, "title", title)
	w.notifier.Notify(ctx, "New Fanfiction Download", title, t.Site)
	w.record(t, storage.DispositionSuccess, "")
	w.active.Remove(t.URL)
}

// fail consults the retry policy and routes the task accordingly: back
// through the scheduler, or out of the pipeline on abandonment.
func (w *Worker) fail(ctx context.Context, t *Task, reason string) {
	t.Repeats++
	forceNoForce := t.Behavior == BehaviorForce && w.updateMethod == config.UpdateMethodUpdateNoForce
	d := retry.Decide(t.Repeats, w.retryCfg, forceNoForce)
	t.Decision = &d

	switch d.Action {
	case retry.ActionAbandon:
		w.logger.Error("abandoning story", "site", t.Site, "url", t.URL, "repeats", t.Repeats, "reason", reason)
		if d.Notify {
			w.notifier.Notify(ctx, d.Message, t.URL, t.Site)
		}
		w.record(t, storage.DispositionAbandoned, reason)
		w.active.Remove(t.URL)
	default:
		w.logger.Warn("scheduling re-attempt", "site", t.Site, "url", t.URL,
			"action", d.Action.String(), "delay", d.Delay, "repeats", t.Repeats)
		if d.Notify {
			w.notifier.Notify(ctx, d.Message, t.URL, t.Site)
		}
		if d.Action == retry.ActionHailMary {
			w.record(t, storage.DispositionHailMary, reason)
		}
		select {
		case w.retryIn <- t:
		case <-ctx.Done():
		}
	}
}

func (w *Worker) record(t *Task, disposition, errText string) {
	if w.recorder == nil {
		return
	}
	rec := storage.DownloadRecord{
		TaskID:      t.ID,
		URL:         t.URL,
		Site:        t.Site,
		Title:       t.Title,
		Disposition: disposition,
		Repeats:     t.Repeats,
		Error:       errText,
	}
	if err := w.recorder.RecordOutcome(rec); err != nil {
		w.logger.Warn("history write failed", "url", t.URL, "error", err)
	}
}

func (w *Worker) send(ctx context.Context, m Message) {
	select {
	case w.ingress <- m:
	case <-ctx.Done():
	}
}
