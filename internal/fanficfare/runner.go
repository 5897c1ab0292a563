// Package fanficfare invokes the external fanficfare downloader and
// classifies its output. The subprocess is the only thing that talks to
// story sites; this package owns the argument vector, the scratch directory
// and the regex families that decide what the run meant.
package fanficfare

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"autofanfic/internal/config"
)

const Binary = "fanficfare"

type Outcome int

const (
	// OutcomeOK means the story downloaded or updated cleanly.
	OutcomeOK Outcome = iota
	// OutcomePermanent means the output matched a diagnostic that cannot be
	// fixed by retrying this attempt (the normal retry counter still applies).
	OutcomePermanent
	// OutcomeForceable means the condition clears when the run is repeated
	// with --force.
	OutcomeForceable
	// OutcomeTransient is a non-zero exit with no recognised diagnostic.
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePermanent:
		return "permanent"
	case OutcomeForceable:
		return "forceable"
	case OutcomeTransient:
		return "transient"
	}
	return "unknown"
}

// Result is the classified outcome of one downloader invocation.
type Result struct {
	Outcome Outcome
	Output  string
	Reason  string
	Err     error
}

type diagnostic struct {
	re      *regexp.Regexp
	message string
}

var permanentFamily = []diagnostic{
	{regexp.MustCompile(`already contains (\d+) chapters`),
		"Issue with story, site is broken. Story likely hasn't updated on site yet."},
	{regexp.MustCompile(`doesn't contain any recognizable chapters, probably from a different source\.  Not updating\.`),
		"Something is messed up with the site or the epub. No chapters found."},
	{regexp.MustCompile(`No story URL found in epub to update\.`),
		"No URL in epub to update from. Fix the metadata."},
	{regexp.MustCompile(`Login Failed on non-interactive process\. Set username and password in personal\.ini\.`),
		"Login failed. Check your username and password."},
	{regexp.MustCompile(`400 Client Error: Bad Request for url:`),
		"Bad request. Check the URL."},
	{regexp.MustCompile(`403 Client Error: Forbidden for url:`),
		"Forbidden client. Check the URL. If this is ff.net, check that you have Flaresolverr installed, or cry."},
	{regexp.MustCompile(`Connection to flaresolverr proxy server failed`),
		"Flaresolverr connection failed. Check your Flaresolverr installation."},
}

var forceableFamily = []diagnostic{
	{regexp.MustCompile(`contains (\d+) chapters, more than source: (\d+)`),
		"Chapter difference between source and destination. Forcing update."},
	{regexp.MustCompile(`File\(.*\.epub\) Updated\(.*\) more recently than Story\(.*\) - Skipping`),
		"File has been updated more recently than the story, this is likely a metadata bug. Forcing update."},
}

// Runner builds argument vectors and executes the downloader in scratch
// directories.
type Runner struct {
	logger  *slog.Logger
	calibre config.Calibre
	verbose bool

	// execute is swapped out in tests.
	execute func(ctx context.Context, dir string, args []string) (string, error)
}

func NewRunner(logger *slog.Logger, calibre config.Calibre, verbose bool) *Runner {
	return &Runner{
		logger:  logger,
		calibre: calibre,
		verbose: verbose,
		execute: runCommand,
	}
}

// BuildArgs maps (updateMethod, force behavior, verbosity) to the downloader
// argument vector. update_no_force silently drops a force request.
func BuildArgs(updateMethod string, force bool, verbose bool, target string) []string {
	var args []string
	switch {
	case updateMethod == config.UpdateMethodUpdateNoForce:
		args = append(args, "-u")
	case updateMethod == config.UpdateMethodForce || force:
		args = append(args, "-u", "--force")
	case updateMethod == config.UpdateMethodUpdateAlways:
		args = append(args, "-U")
	default:
		args = append(args, "-u")
	}
	args = append(args, "--update-cover", "--non-interactive")
	if verbose {
		args = append(args, "--debug")
	}
	return append(args, target)
}

// Run copies the library's auxiliary INI files into workDir, executes the
// downloader there with force applied per behavior, and classifies the
// combined output.
func (r *Runner) Run(ctx context.Context, target, workDir string, force bool) Result {
	if err := r.copyConfigs(workDir); err != nil {
		return Result{Outcome: OutcomeTransient, Err: err}
	}

	args := BuildArgs(r.calibre.UpdateMethod, force, r.verbose, target)
	r.logger.Debug("running downloader", "args", args, "dir", workDir)

	output, err := r.execute(ctx, workDir, args)
	return classify(output, err)
}

func classify(output string, runErr error) Result {
	for _, d := range permanentFamily {
		if d.re.MatchString(output) {
			return Result{Outcome: OutcomePermanent, Output: output, Reason: d.message, Err: runErr}
		}
	}
	for _, d := range forceableFamily {
		if d.re.MatchString(output) {
			return Result{Outcome: OutcomeForceable, Output: output, Reason: d.message, Err: runErr}
		}
	}
	if runErr != nil {
		return Result{Outcome: OutcomeTransient, Output: output, Err: runErr}
	}
	return Result{Outcome: OutcomeOK, Output: output}
}

func runCommand(ctx context.Context, dir string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, Binary, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %v: %w", Binary, args, err)
	}
	return string(out), nil
}

// copyConfigs stages defaults.ini / personal.ini next to the downloader so
// a run picks up the library's adapter configuration.
func (r *Runner) copyConfigs(dir string) error {
	pairs := []struct{ src, dst string }{
		{r.calibre.DefaultINI, "defaults.ini"},
		{r.calibre.PersonalINI, "personal.ini"},
	}
	for _, p := range pairs {
		if p.src == "" {
			continue
		}
		if err := copyFile(p.src, filepath.Join(dir, p.dst)); err != nil {
			return fmt.Errorf("stage %s: %w", p.dst, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
