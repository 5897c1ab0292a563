package config

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Update methods accepted for [calibre].update_method.
const (
	UpdateMethodUpdate        = "update"
	UpdateMethodUpdateAlways  = "update_always"
	UpdateMethodForce         = "force"
	UpdateMethodUpdateNoForce = "update_no_force"
)

// Metadata preservation modes accepted for [calibre].metadata_preservation_mode.
const (
	ModeRemoveAdd        = "remove_add"
	ModePreserveMetadata = "preserve_metadata"
	ModeAddFormat        = "add_format"
)

// Config is the immutable application configuration, loaded once at startup.
type Config struct {
	Version    string     `toml:"version"`
	MaxWorkers int        `toml:"max_workers"`
	Email      Email      `toml:"email"`
	Calibre    Calibre    `toml:"calibre"`
	Pushbullet Pushbullet `toml:"pushbullet"`
	Apprise    Apprise    `toml:"apprise"`
	Retry      Retry      `toml:"retry"`
	Process    Process    `toml:"process"`
}

type Email struct {
	Email         string   `toml:"email"`
	Password      string   `toml:"password"`
	Server        string   `toml:"server"`
	Mailbox       string   `toml:"mailbox"`
	SleepTime     int      `toml:"sleep_time"`
	DisabledSites []string `toml:"disabled_sites"`

	// Legacy knob, rewritten to DisabledSites = ["fanfiction"] on load.
	FFNetDisable *bool `toml:"ffnet_disable"`
}

func (e Email) PollInterval() time.Duration {
	return time.Duration(e.SleepTime) * time.Second
}

func (e Email) SiteDisabled(site string) bool {
	return slices.Contains(e.DisabledSites, site)
}

type Calibre struct {
	Path                     string `toml:"path"`
	Username                 string `toml:"username"`
	Password                 string `toml:"password"`
	DefaultINI               string `toml:"default_ini"`
	PersonalINI              string `toml:"personal_ini"`
	UpdateMethod             string `toml:"update_method"`
	MetadataPreservationMode string `toml:"metadata_preservation_mode"`
}

// IsServer reports whether the library path points at a content server
// rather than a local directory.
func (c Calibre) IsServer() bool {
	return strings.HasPrefix(c.Path, "http://") || strings.HasPrefix(c.Path, "https://")
}

type Pushbullet struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"`
	Device  string `toml:"device"`
}

type Apprise struct {
	URLs []string `toml:"urls"`
}

type Retry struct {
	HailMaryEnabled   bool    `toml:"hail_mary_enabled"`
	HailMaryWaitHours float64 `toml:"hail_mary_wait_hours"`
	MaxNormalRetries  int64   `toml:"max_normal_retries"`
}

func (r Retry) HailMaryWait() time.Duration {
	return time.Duration(r.HailMaryWaitHours * float64(time.Hour))
}

type Process struct {
	ShutdownTimeout     float64 `toml:"shutdown_timeout"`
	HealthCheckInterval float64 `toml:"health_check_interval"`
	AutoRestart         bool    `toml:"auto_restart"`
	MaxRestartAttempts  int     `toml:"max_restart_attempts"`
	RestartDelay        float64 `toml:"restart_delay"`
	EnableMonitoring    bool    `toml:"enable_monitoring"`
	WorkerTimeout       float64 `toml:"worker_timeout"`
	SignalTimeout       float64 `toml:"signal_timeout"`
}

func (p Process) ShutdownBudget() time.Duration {
	return time.Duration(p.ShutdownTimeout * float64(time.Second))
}

func (p Process) HealthInterval() time.Duration {
	return time.Duration(p.HealthCheckInterval * float64(time.Second))
}

func (p Process) RestartWait() time.Duration {
	return time.Duration(p.RestartDelay * float64(time.Second))
}

// WorkerBudget is the per-task attempt deadline; zero disables it.
func (p Process) WorkerBudget() time.Duration {
	return time.Duration(p.WorkerTimeout * float64(time.Second))
}

func (p Process) SignalBudget() time.Duration {
	return time.Duration(p.SignalTimeout * float64(time.Second))
}

// Load reads, defaults and validates a TOML config file. Unknown keys are
// rejected so typos fail loudly at startup instead of being ignored.
func Load(path string) (*Config, error) {
	cfg := defaults()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	cfg.applyLegacy()
	cfg.Apprise.URLs = filterEmpty(cfg.Apprise.URLs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		MaxWorkers: runtime.NumCPU(),
		Email: Email{
			Mailbox:   "INBOX",
			SleepTime: 60,
		},
		Calibre: Calibre{
			UpdateMethod:             UpdateMethodUpdate,
			MetadataPreservationMode: ModeRemoveAdd,
		},
		Retry: Retry{
			HailMaryEnabled:   true,
			HailMaryWaitHours: 12,
			MaxNormalRetries:  11,
		},
		Process: Process{
			ShutdownTimeout:     30,
			HealthCheckInterval: 5,
			AutoRestart:         true,
			MaxRestartAttempts:  3,
			RestartDelay:        5,
			SignalTimeout:       10,
		},
	}
}

// applyLegacy rewrites ffnet_disable = true into disabled_sites.
func (c *Config) applyLegacy() {
	if c.Email.FFNetDisable != nil && *c.Email.FFNetDisable {
		if !slices.Contains(c.Email.DisabledSites, "fanfiction") {
			c.Email.DisabledSites = append(c.Email.DisabledSites, "fanfiction")
		}
	}
	c.Email.FFNetDisable = nil
}

func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.Email.Server == "" {
		return fmt.Errorf("email.server is required")
	}
	if c.Email.SleepTime < 1 {
		return fmt.Errorf("email.sleep_time must be >= 1, got %d", c.Email.SleepTime)
	}
	if c.Calibre.Path == "" {
		return fmt.Errorf("calibre.path is required")
	}
	switch c.Calibre.UpdateMethod {
	case UpdateMethodUpdate, UpdateMethodUpdateAlways, UpdateMethodForce, UpdateMethodUpdateNoForce:
	default:
		return fmt.Errorf("calibre.update_method %q is not one of update, update_always, force, update_no_force", c.Calibre.UpdateMethod)
	}
	switch c.Calibre.MetadataPreservationMode {
	case ModeRemoveAdd, ModePreserveMetadata, ModeAddFormat:
	default:
		return fmt.Errorf("calibre.metadata_preservation_mode %q is not one of remove_add, preserve_metadata, add_format", c.Calibre.MetadataPreservationMode)
	}
	if c.Pushbullet.Enabled && c.Pushbullet.APIKey == "" {
		return fmt.Errorf("pushbullet.api_key is required when pushbullet is enabled")
	}
	if c.Retry.HailMaryWaitHours < 0.1 || c.Retry.HailMaryWaitHours > 168 {
		return fmt.Errorf("retry.hail_mary_wait_hours must be in [0.1, 168], got %v", c.Retry.HailMaryWaitHours)
	}
	if c.Retry.MaxNormalRetries < 1 || c.Retry.MaxNormalRetries > 50 {
		return fmt.Errorf("retry.max_normal_retries must be in [1, 50], got %d", c.Retry.MaxNormalRetries)
	}
	if c.Process.ShutdownTimeout < 1 || c.Process.ShutdownTimeout > 300 {
		return fmt.Errorf("process.shutdown_timeout must be in [1, 300], got %v", c.Process.ShutdownTimeout)
	}
	if c.Process.HealthCheckInterval < 0.1 || c.Process.HealthCheckInterval > 600 {
		return fmt.Errorf("process.health_check_interval must be in [0.1, 600], got %v", c.Process.HealthCheckInterval)
	}
	if c.Process.MaxRestartAttempts < 0 || c.Process.MaxRestartAttempts > 10 {
		return fmt.Errorf("process.max_restart_attempts must be in [0, 10], got %d", c.Process.MaxRestartAttempts)
	}
	if c.Process.RestartDelay < 0 || c.Process.RestartDelay > 60 {
		return fmt.Errorf("process.restart_delay must be in [0, 60], got %v", c.Process.RestartDelay)
	}
	if c.Process.WorkerTimeout != 0 && c.Process.WorkerTimeout < 30 {
		return fmt.Errorf("process.worker_timeout must be >= 30 when set, got %v", c.Process.WorkerTimeout)
	}
	if c.Process.SignalTimeout < 1 || c.Process.SignalTimeout > 60 {
		return fmt.Errorf("process.signal_timeout must be in [1, 60], got %v", c.Process.SignalTimeout)
	}
	return nil
}

func filterEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
