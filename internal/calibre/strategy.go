package calibre

import (
	"context"
	"fmt"

	"autofanfic/internal/config"
)

// Story is the library-facing slice of a pipeline task: enough state for a
// strategy to reconcile a freshly downloaded artefact with the library.
type Story struct {
	URL   string
	Site  string
	Title string
	ID    int64
}

// UpdateStrategy reconciles the downloaded artefact in dir with the library
// entry described by st. Implementations mutate st.ID / st.Title in place.
type UpdateStrategy interface {
	Name() string
	Execute(ctx context.Context, c *Client, st *Story, dir string) error
}

// StrategyFor selects the configured reconciliation strategy for existing
// stories. The mode has been validated at config load.
func StrategyFor(mode string) UpdateStrategy {
	switch mode {
	case config.ModePreserveMetadata:
		return preserveMetadataStrategy{}
	case config.ModeAddFormat:
		return addFormatStrategy{}
	default:
		return removeAddStrategy{}
	}
}

// AddNew is the trivial strategy for stories not yet in the library,
// independent of the configured preservation mode.
func AddNew() UpdateStrategy { return addNewStrategy{} }

type addNewStrategy struct{}

func (addNewStrategy) Name() string { return "add_new" }

func (addNewStrategy) Execute(ctx context.Context, c *Client, st *Story, dir string) error {
	title, err := c.Add(ctx, dir)
	if err != nil {
		return err
	}
	id, ok := c.StoryID(ctx, st.URL)
	if !ok {
		return fmt.Errorf("story %s not found in library after add", st.URL)
	}
	st.ID = id
	if st.Title == "" {
		st.Title = title
	}
	return nil
}

type removeAddStrategy struct{}

func (removeAddStrategy) Name() string { return "remove_add" }

// removeAddStrategy is the traditional remove-and-re-add. User custom
// fields are lost; the before/after diff is logged so the loss is visible.
func (removeAddStrategy) Execute(ctx context.Context, c *Client, st *Story, dir string) error {
	before, _ := c.Metadata(ctx, st.ID)

	c.logger.Info("removing story before re-add", "site", st.Site, "id", st.ID)
	if err := c.Remove(ctx, st.ID); err != nil {
		return err
	}
	title, err := c.Add(ctx, dir)
	if err != nil {
		return err
	}
	id, ok := c.StoryID(ctx, st.URL)
	if !ok {
		return fmt.Errorf("story %s not found in library after re-add", st.URL)
	}
	st.ID = id
	if st.Title == "" {
		st.Title = title
	}

	if before != nil {
		after, _ := c.Metadata(ctx, st.ID)
		c.logMetadataDiff(before, after)
	}
	return nil
}

type preserveMetadataStrategy struct{}

func (preserveMetadataStrategy) Name() string { return "preserve_metadata" }

// preserveMetadataStrategy snapshots metadata, swaps the entry, then
// restores custom fields (keys beginning with '#') onto the new id.
func (preserveMetadataStrategy) Execute(ctx context.Context, c *Client, st *Story, dir string) error {
	before, err := c.Metadata(ctx, st.ID)
	if err != nil {
		return err
	}

	c.logger.Info("removing story before re-add", "site", st.Site, "id", st.ID)
	if err := c.Remove(ctx, st.ID); err != nil {
		return err
	}
	title, err := c.Add(ctx, dir)
	if err != nil {
		return err
	}
	id, ok := c.StoryID(ctx, st.URL)
	if !ok {
		return fmt.Errorf("story %s not found in library after re-add", st.URL)
	}
	st.ID = id
	if st.Title == "" {
		st.Title = title
	}

	if err := c.SetMetadata(ctx, st.ID, before, nil); err != nil {
		return err
	}
	after, _ := c.Metadata(ctx, st.ID)
	c.logMetadataDiff(before, after)
	return nil
}

type addFormatStrategy struct{}

func (addFormatStrategy) Name() string { return "add_format" }

// addFormatStrategy replaces the stored artefact binary only; the database
// row is never touched.
func (addFormatStrategy) Execute(ctx context.Context, c *Client, st *Story, dir string) error {
	before, _ := c.Metadata(ctx, st.ID)

	if err := c.ReplaceFormat(ctx, st.ID, dir); err != nil {
		return err
	}

	after, _ := c.Metadata(ctx, st.ID)
	if before != nil && after != nil {
		c.logMetadataDiff(before, after)
	}
	return nil
}
