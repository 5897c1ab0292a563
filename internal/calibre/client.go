// Package calibre wraps the external calibredb CLI. Every invocation is
// serialised by a process-wide mutex because calibredb is not reentrant
// against the same library, and paced by a rate limiter so a burst of worker
// activity cannot hammer a remote content server.
package calibre

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autofanfic/internal/config"
	"autofanfic/internal/epub"
)

const Binary = "calibredb"

// CommandError carries the offending argument vector and a stderr excerpt.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	excerpt := e.Stderr
	if len(excerpt) > 256 {
		excerpt = excerpt[:256]
	}
	return fmt.Sprintf("calibredb %s: %v (%s)", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(excerpt))
}

func (e *CommandError) Unwrap() error { return e.Err }

// Client is the typed wrapper over calibredb.
type Client struct {
	mu      sync.Mutex
	logger  *slog.Logger
	cfg     config.Calibre
	limiter *rate.Limiter

	// execute is swapped out in tests.
	execute func(ctx context.Context, args []string) (stdout, stderr string, err error)
}

func NewClient(logger *slog.Logger, cfg config.Calibre) *Client {
	return &Client{
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		execute: runCalibredb,
	}
}

func runCalibredb(ctx context.Context, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (c *Client) authFlags() []string {
	flags := []string{"--with-library", c.cfg.Path}
	if c.cfg.Username != "" {
		flags = append(flags, "--username", c.cfg.Username)
	}
	if c.cfg.Password != "" {
		flags = append(flags, "--password", c.cfg.Password)
	}
	return flags
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	full := append(append([]string{}, args...), c.authFlags()...)
	c.logger.Debug("calibredb", "args", args)

	stdout, stderr, err := c.execute(ctx, full)
	if err != nil {
		return stdout, &CommandError{Args: full, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

var versionRe = regexp.MustCompile(`calibre (\d+\.\d+(?:\.\d+)?)`)

// Version probes calibredb --version. Logged once at startup.
func (c *Client) Version(ctx context.Context) (string, error) {
	stdout, stderr, err := c.execute(ctx, []string{"--version"})
	if err != nil {
		return "", &CommandError{Args: []string{"--version"}, Stderr: stderr, Err: err}
	}
	if m := versionRe.FindStringSubmatch(stdout); m != nil {
		return m[1], nil
	}
	return strings.TrimSpace(stdout), nil
}

// StoryID searches the library by url identifier. On multiple matches the
// first wins. A search miss is not an error.
func (c *Client) StoryID(ctx context.Context, url string) (int64, bool) {
	out, err := c.run(ctx, "search", "--identifier", "url="+url)
	if err != nil {
		// calibredb exits non-zero when the search matches nothing.
		return 0, false
	}
	first, _, _ := strings.Cut(strings.TrimSpace(out), ",")
	id, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Export writes the stored artefact for id into dir.
func (c *Client) Export(ctx context.Context, id int64, dir string) error {
	_, err := c.run(ctx, "export", strconv.FormatInt(id, 10), "--to-dir", dir)
	return err
}

// Add imports the single artefact found in dir and returns the title
// extracted from its filename.
func (c *Client) Add(ctx context.Context, dir string) (string, error) {
	file, err := FindEPUB(dir)
	if err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "add", dir); err != nil {
		return "", err
	}
	return epub.TitleFromPath(file), nil
}

// Remove deletes the library entry for id.
func (c *Client) Remove(ctx context.Context, id int64) error {
	_, err := c.run(ctx, "remove", strconv.FormatInt(id, 10))
	return err
}

// ReplaceFormat swaps the stored artefact binary without touching the
// database row.
func (c *Client) ReplaceFormat(ctx context.Context, id int64, dir string) error {
	file, err := FindEPUB(dir)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "add_format", "--replace", file, strconv.FormatInt(id, 10))
	return err
}

// Metadata snapshots every field of the entry as strings. Custom columns
// keep their leading '#'.
func (c *Client) Metadata(ctx context.Context, id int64) (map[string]string, error) {
	out, err := c.run(ctx, "list", "--for-machine", "--fields=all", "--search", "id:"+strconv.FormatInt(id, 10))
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		return nil, fmt.Errorf("parse list output for id %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no metadata row for id %d", id)
	}

	fields := make(map[string]string, len(rows[0]))
	for k, v := range rows[0] {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case nil:
			fields[k] = ""
		default:
			b, _ := json.Marshal(val)
			fields[k] = string(b)
		}
	}
	return fields, nil
}

// SetMetadata restores fields onto the entry. With keys nil, only custom
// fields (leading '#') are restored.
func (c *Client) SetMetadata(ctx context.Context, id int64, fields map[string]string, keys []string) error {
	if keys == nil {
		for k := range fields {
			if strings.HasPrefix(k, "#") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
	}
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		column := strings.TrimPrefix(k, "#")
		if _, err := c.run(ctx, "set_custom", column, v, strconv.FormatInt(id, 10)); err != nil {
			return err
		}
	}
	return nil
}

// FindEPUB returns the single .epub in dir. The downloader and export both
// leave exactly one behind.
func FindEPUB(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.epub"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no epub file in %s", dir)
	}
	sort.Strings(matches)
	return matches[0], nil
}

// logMetadataDiff reports fields that changed across an update, debug only.
func (c *Client) logMetadataDiff(before, after map[string]string) {
	for k, old := range before {
		if now, ok := after[k]; !ok {
			c.logger.Debug("metadata field lost", "field", k, "was", old)
		} else if now != old {
			c.logger.Debug("metadata field changed", "field", k, "was", old, "now", now)
		}
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			c.logger.Debug("metadata field added", "field", k)
		}
	}
}
