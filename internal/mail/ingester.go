// Package mail polls a mailbox for story notification emails and turns the
// URLs inside them into pipeline tasks.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mvdan.cc/xurls/v2"

	"autofanfic/internal/config"
	"autofanfic/internal/pipeline"
	"autofanfic/internal/sites"
)

// Fetcher retrieves the text of unread messages and marks them read.
type Fetcher interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Ingester is the email ingestion loop: poll, extract, classify,
// deduplicate, emit.
type Ingester struct {
	logger   *slog.Logger
	cfg      config.Email
	fetcher  Fetcher
	active   *pipeline.ActiveSet
	ingress  chan<- pipeline.Message
	notifier pipeline.Notifier

	extract func(string) []string
}

func NewIngester(logger *slog.Logger, cfg config.Email, fetcher Fetcher, active *pipeline.ActiveSet, ingress chan<- pipeline.Message, notifier pipeline.Notifier) *Ingester {
	rx := xurls.Strict()
	return &Ingester{
		logger:   logger,
		cfg:      cfg,
		fetcher:  fetcher,
		active:   active,
		ingress:  ingress,
		notifier: notifier,
		extract:  func(text string) []string { return rx.FindAllString(text, -1) },
	}
}

// Run polls until cancelled. The sleep comes first so a crash-restart loop
// cannot hammer the mail server.
func (i *Ingester) Run(ctx context.Context) error {
	i.logger.Debug("ingester started", "server", i.cfg.Server, "mailbox", i.cfg.Mailbox, "interval", i.cfg.PollInterval())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(i.cfg.PollInterval()):
		}
		i.poll(ctx)
	}
}

func (i *Ingester) poll(ctx context.Context) {
	texts, err := i.fetcher.Fetch(ctx)
	if err != nil {
		i.logger.Warn("mailbox fetch failed", "error", err)
		return
	}

	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, raw := range i.extract(text) {
			canonical, site := sites.Classify(raw)
			if _, dup := seen[canonical]; dup {
				continue
			}
			seen[canonical] = struct{}{}
			i.emit(ctx, canonical, site)
		}
	}
}

func (i *Ingester) emit(ctx context.Context, url, site string) {
	if i.cfg.SiteDisabled(site) {
		i.logger.Info("site disabled, notification only", "site", site, "url", url)
		i.notifier.Notify(ctx,
			fmt.Sprintf("Fanfiction Download Skipped: %s is disabled", site), url, site)
		return
	}
	if !i.active.Add(url) {
		i.logger.Debug("url already in flight", "url", url)
		return
	}

	t := pipeline.NewTask(url, site)
	i.logger.Info("new story task", "site", site, "url", url, "task", t.ID)
	select {
	case i.ingress <- t:
	case <-ctx.Done():
		i.active.Remove(url)
	}
}
