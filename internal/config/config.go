// Package config loads the daemon's YAML configuration: global sampling
// and history tunables, and per-session defaults (detection strategy,
// status hooks, schedule windows).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"ctrlplane/internal/autoapprove"
)

// Config is the top-level daemon configuration, loaded from
// ~/.ctrlplane/config.yaml.
type Config struct {
	SampleMS         int  `yaml:"sample_ms"`
	DwellMS          int  `yaml:"dwell_ms"`
	OutputHistoryCap int  `yaml:"output_history_cap"`
	VerifierTimeoutS int  `yaml:"verifier_timeout_s"`
	AutoApprove      bool `yaml:"auto_approve"`

	// VerifierCommand, when set, names the external judge executable
	// consulted by the AutoApprover (internal/autoapprove.ExternalJudgeVerifier).
	// Left empty, Verifier falls back to AlwaysNeedsHumanVerifier, so
	// auto-approval never actually grants anything without an explicit judge.
	VerifierCommand string   `yaml:"verifier_command,omitempty"`
	VerifierArgs    []string `yaml:"verifier_args,omitempty"`

	// ActivityLog, when set, is the path of the JSONL activity log every
	// session appends its lifecycle, state-transition, auto-approval and
	// hook-dispatch records to. Empty disables activity logging.
	ActivityLog string `yaml:"activity_log,omitempty"`

	Sessions map[string]*SessionDefaults `yaml:"sessions"`
}

// SessionDefaults holds per-session configuration, keyed by session name
// in the top-level map and merged onto a Session at creation time.
type SessionDefaults struct {
	DetectionStrategy string            `yaml:"detection_strategy,omitempty"`
	Hooks             HooksConfig       `yaml:"hooks,omitempty"`
	Schedule          *ScheduleConfig   `yaml:"schedule,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
}

// HooksConfig names the shell command fired for each status transition,
// plus the one that fires outside the core on worktree creation.
type HooksConfig struct {
	Idle               string `yaml:"idle,omitempty"`
	Busy               string `yaml:"busy,omitempty"`
	WaitingInput       string `yaml:"waiting_input,omitempty"`
	PendingAutoApprove string `yaml:"pending_auto_approval,omitempty"`
	PostCreation       string `yaml:"post_creation,omitempty"`
}

// ScheduleConfig bounds when auto-approval is permitted for a session, on
// top of the global AutoApprove flag. See internal/schedule.
type ScheduleConfig struct {
	RRule         string `yaml:"rrule"`
	WindowMinutes int    `yaml:"window_minutes,omitempty"`
	Timezone      string `yaml:"timezone,omitempty"`
}

// WindowDuration is WindowMinutes as a time.Duration, defaulting to one
// hour when unset.
func (s *ScheduleConfig) WindowDuration() time.Duration {
	if s == nil || s.WindowMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(s.WindowMinutes) * time.Minute
}

const (
	defaultSampleMS         = 100
	defaultDwellMS          = 500
	defaultOutputHistoryCap = 1 << 20 // 1 MiB
	defaultVerifierTimeoutS = 30
)

// Dir returns the ctrlplane configuration directory (~/.ctrlplane).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".ctrlplane")
	}
	return filepath.Join(home, ".ctrlplane")
}

// Load reads the daemon config from ~/.ctrlplane/config.yaml, applying
// defaults for any unset tunable. A missing file is not an error: it
// yields an all-defaults Config.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(Dir(), "config.yaml"))
}

// LoadFrom reads and validates the daemon config from path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SampleMS <= 0 {
		c.SampleMS = defaultSampleMS
	}
	if c.DwellMS <= 0 {
		c.DwellMS = defaultDwellMS
	}
	if c.OutputHistoryCap <= 0 {
		c.OutputHistoryCap = defaultOutputHistoryCap
	}
	if c.VerifierTimeoutS <= 0 {
		c.VerifierTimeoutS = defaultVerifierTimeoutS
	}
}

func (c *Config) validate() error {
	for name, s := range c.Sessions {
		if s == nil {
			continue
		}
		if s.Schedule != nil && s.Schedule.RRule == "" {
			return fmt.Errorf("session %s: schedule.rrule is required when schedule is present", name)
		}
	}
	return nil
}

// SampleInterval is SampleMS as a time.Duration.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleMS) * time.Millisecond
}

// DwellInterval is DwellMS as a time.Duration.
func (c *Config) DwellInterval() time.Duration {
	return time.Duration(c.DwellMS) * time.Millisecond
}

// VerifierTimeout is VerifierTimeoutS as a time.Duration.
func (c *Config) VerifierTimeout() time.Duration {
	return time.Duration(c.VerifierTimeoutS) * time.Second
}

// SessionDefaultsFor returns the configured defaults for a session name,
// or the zero value if none were configured.
func (c *Config) SessionDefaultsFor(name string) *SessionDefaults {
	if d, ok := c.Sessions[name]; ok && d != nil {
		return d
	}
	return &SessionDefaults{}
}

// Verifier returns the AutoApprover's judge for this daemon: an
// ExternalJudgeVerifier when verifier_command is configured, or
// AlwaysNeedsHumanVerifier otherwise — a missing judge must inhibit
// approval, never grant it by default.
func (c *Config) Verifier() autoapprove.Verifier {
	if c.VerifierCommand == "" {
		return autoapprove.AlwaysNeedsHumanVerifier{}
	}
	return autoapprove.ExternalJudgeVerifier{Command: c.VerifierCommand, Args: c.VerifierArgs}
}
