// Package config loads and validates the grokmirror YAML configuration:
// nested structs with enumerated fields (core, remote, pull, fsck,
// objstore), unknown keys rejected rather than silently ignored, per
// spec §9's "dynamic configuration -> explicit schema" design note.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is the fatal-at-startup sentinel for malformed or
// incomplete configuration (spec §7).
var ErrConfigInvalid = errors.New("config: invalid configuration")

// Config is the top-level grokmirror configuration document.
type Config struct {
	Core     Core     `yaml:"core"`
	Remote   Remote   `yaml:"remote"`
	Pull     Pull     `yaml:"pull"`
	Fsck     Fsck     `yaml:"fsck"`
	Objstore Objstore `yaml:"objstore"`
	Auth     Auth     `yaml:"auth"`
}

// Core holds process-wide paths and logging configuration.
type Core struct {
	// Toplevel is the root directory holding all mirrored repositories
	// and the objstore subdirectory.
	Toplevel string `yaml:"toplevel"`
	// GitBin overrides the git binary; if empty, PATH is used (see
	// internal/gitexec, which additionally honors the GITBIN env var).
	GitBin string `yaml:"git_bin"`
	// LogLevel is one of "trace", "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// Remote describes the origin this replica pulls from.
type Remote struct {
	// Site is the base URL of the origin, e.g. "https://git.example.com".
	Site string `yaml:"site"`
	// ManifestPath is the path (relative to Site) of the manifest, e.g.
	// "/manifest.js.gz".
	ManifestPath string `yaml:"manifest_path"`
}

// Pull configures the pull engine (spec §4.6).
type Pull struct {
	PullThreads           int           `yaml:"pull_threads"`
	Refresh               time.Duration `yaml:"refresh"`
	Socket                string        `yaml:"socket"`
	Purge                 bool          `yaml:"purge"`
	PurgeQuorum           float64       `yaml:"purge_quorum"`
	PurgeThreshold        int           `yaml:"purge_threshold"`
	ForcePurge            bool          `yaml:"force_purge"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
	PostUpdateHook        string        `yaml:"post_update_hook"`
	PostCloneCompleteHook string        `yaml:"post_clone_complete_hook"`
	PostWorkCompleteHook  string        `yaml:"post_work_complete_hook"`
}

// Fsck configures the fsck/repack controller (spec §4.5).
type Fsck struct {
	LooseObjThreshold  int           `yaml:"loose_obj_threshold"`
	PacksThreshold     int           `yaml:"packs_threshold"`
	FullRepackInterval time.Duration `yaml:"full_repack_interval"`
	FsckFrequency      time.Duration `yaml:"fsck_frequency"`
	PruneExpire        string        `yaml:"prune_expire"`
	Commitgraph        bool          `yaml:"commitgraph"`
	RecloneOnErrors    []string      `yaml:"reclone_on_errors"`
	ReportWebhook      string        `yaml:"report_webhook"`
}

// Objstore configures the fork-consolidation subsystem (spec §4.4).
type Objstore struct {
	UsesPlumbing bool   `yaml:"uses_plumbing"`
	Precious     string `yaml:"precious"` // "idle" (default), "always", "never"
}

// Auth holds default credentials applied to every remote operation
// unless a more specific override exists.
type Auth struct {
	Username                string `yaml:"username"`
	Password                string `yaml:"password"`
	SSHKeyPath              string `yaml:"ssh_key_path"`
	SSHKnownHostsPath       string `yaml:"ssh_known_hosts_path"`
	GithubAppID             string `yaml:"github_app_id"`
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

const (
	defaultPullThreads         = 10
	defaultRefresh             = 2 * time.Minute
	defaultShutdownGrace       = 60 * time.Second
	defaultLooseObjThreshold   = 1200
	defaultPacksThreshold      = 20
	defaultFullRepackInterval  = 65 * 24 * time.Hour
	defaultFsckFrequency       = 30 * 24 * time.Hour
	defaultPruneExpire         = "now"
	defaultPurgeQuorum         = 0.05
	defaultSSHKeyPath          = "/etc/git-secret/ssh"
	defaultSSHKnownHostsPath   = "/etc/git-secret/known_hosts"
)

// defaultRecloneOnErrors documents the implementer-chosen default
// substring set from DESIGN.md's Open Question #1 resolution.
func defaultRecloneOnErrors() []string {
	return []string{
		"fatal: bad object",
		"fatal: bad tree",
		"missing blob",
		"fatal: loose object",
		"unable to read",
	}
}

// ApplyDefaults fills in unset fields with grokmirror's documented
// defaults, mirroring the teacher's applyGitDefaults cascade.
func (c *Config) ApplyDefaults() {
	if c.Core.Toplevel == "" {
		c.Core.Toplevel = filepath.Join(os.TempDir(), "grokmirror")
	}
	if c.Pull.PullThreads == 0 {
		c.Pull.PullThreads = runtime.NumCPU()
		if c.Pull.PullThreads > defaultPullThreads {
			c.Pull.PullThreads = defaultPullThreads
		}
	}
	if c.Pull.Refresh == 0 {
		c.Pull.Refresh = defaultRefresh
	}
	if c.Pull.ShutdownGrace == 0 {
		c.Pull.ShutdownGrace = defaultShutdownGrace
	}
	if c.Pull.PurgeQuorum == 0 {
		c.Pull.PurgeQuorum = defaultPurgeQuorum
	}
	if c.Fsck.LooseObjThreshold == 0 {
		c.Fsck.LooseObjThreshold = defaultLooseObjThreshold
	}
	if c.Fsck.PacksThreshold == 0 {
		c.Fsck.PacksThreshold = defaultPacksThreshold
	}
	if c.Fsck.FullRepackInterval == 0 {
		c.Fsck.FullRepackInterval = defaultFullRepackInterval
	}
	if c.Fsck.FsckFrequency == 0 {
		c.Fsck.FsckFrequency = defaultFsckFrequency
	}
	if c.Fsck.PruneExpire == "" {
		c.Fsck.PruneExpire = defaultPruneExpire
	}
	if len(c.Fsck.RecloneOnErrors) == 0 {
		c.Fsck.RecloneOnErrors = defaultRecloneOnErrors()
	}
	if c.Objstore.Precious == "" {
		c.Objstore.Precious = "idle"
	}
	if c.Auth.SSHKeyPath == "" {
		c.Auth.SSHKeyPath = defaultSSHKeyPath
	}
	if c.Auth.SSHKnownHostsPath == "" {
		c.Auth.SSHKnownHostsPath = defaultSSHKnownHostsPath
	}
}

// Validate checks required fields are present. Call after ApplyDefaults.
func (c *Config) Validate() error {
	if c.Core.Toplevel == "" {
		return fmt.Errorf("%w: core.toplevel is required", ErrConfigInvalid)
	}
	if c.Pull.PullThreads < 0 {
		return fmt.Errorf("%w: pull.pull_threads must be >= 0", ErrConfigInvalid)
	}
	if c.Pull.PurgeQuorum < 0 || c.Pull.PurgeQuorum > 1 {
		return fmt.Errorf("%w: pull.purge_quorum must be in [0,1]", ErrConfigInvalid)
	}
	switch c.Objstore.Precious {
	case "idle", "always", "never":
	default:
		return fmt.Errorf("%w: objstore.precious must be one of idle|always|never, got %q", ErrConfigInvalid, c.Objstore.Precious)
	}
	return nil
}

// Load reads, validates, and unmarshals the config file at path,
// rejecting unrecognized keys (see validate.go) before applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := validateNoUnexpectedKeys(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrConfigInvalid, path, err)
	}

	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
