package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	WorkspaceRoot string `toml:"workspace_root"`
	QuarantineDir string `toml:"quarantine_dir"`
	StateDir      string `toml:"state_dir"`
	LogDir        string `toml:"log_dir"`
	APIBind       string `toml:"api_bind"`
	// APIToken, when set, is required as a bearer token by the status API.
	APIToken string `toml:"api_token"`
}

// Store selects and configures the chunk status repository.
type Store struct {
	Backend     string `toml:"backend"`
	SQLitePath  string `toml:"sqlite_path"`
	BoltPath    string `toml:"bolt_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// Crawler configures the external image crawler command.
type Crawler struct {
	// Command is an argv template; {keyword}, {count} and {dest} are substituted.
	Command        string `toml:"command"`
	TargetCount    int    `toml:"target_count"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Dedupe configures duplicate detection.
type Dedupe struct {
	HammingThreshold int    `toml:"hamming_threshold"`
	Action           string `toml:"action"`
}

// Validation configures integrity checks on downloaded images.
type Validation struct {
	Mode           string            `toml:"mode"`
	Action         string            `toml:"action"`
	MinFileSize    datasize.ByteSize `toml:"min_file_size"`
	MinImageWidth  int               `toml:"min_image_width"`
	MinImageHeight int               `toml:"min_image_height"`
}

// Archive configures artifact packing.
type Archive struct {
	Format           string `toml:"format"`
	CompressionLevel int    `toml:"compression_level"`
}

// Blob configures the blob storage target.
type Blob struct {
	Backend        string `toml:"backend"`
	Dir            string `toml:"dir"`
	Endpoint       string `toml:"endpoint"`
	Token          string `toml:"token"`
	KeyPrefix      string `toml:"key_prefix"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// RetryPolicy describes a bounded exponential backoff budget.
type RetryPolicy struct {
	MaxAttempts          int     `toml:"max_attempts"`
	InitialBackoffMillis int     `toml:"initial_backoff_ms"`
	MaxBackoffMillis     int     `toml:"max_backoff_ms"`
	Multiplier           float64 `toml:"multiplier"`
	Jitter               float64 `toml:"jitter"`
}

// InitialBackoff returns the first delay as a duration.
func (p RetryPolicy) InitialBackoff() time.Duration {
	return time.Duration(p.InitialBackoffMillis) * time.Millisecond
}

// MaxBackoff returns the delay ceiling as a duration.
func (p RetryPolicy) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffMillis) * time.Millisecond
}

// Retry holds per-stage retry budgets.
type Retry struct {
	Download RetryPolicy `toml:"download"`
	Compress RetryPolicy `toml:"compress"`
	Upload   RetryPolicy `toml:"upload"`
	Status   RetryPolicy `toml:"status"`
}

// Workflow contains worker timing, budgets, and intervals.
type Workflow struct {
	Workers             int               `toml:"workers"`
	QueuePollInterval   int               `toml:"queue_poll_interval"`
	TaskTimeout         int               `toml:"task_timeout"`
	HeartbeatInterval   int               `toml:"heartbeat_interval"`
	HeartbeatTimeout    int               `toml:"heartbeat_timeout"`
	StaleWorkspaceHours int               `toml:"stale_workspace_hours"`
	MinFreeDisk         datasize.ByteSize `toml:"min_free_disk"`
}

// TaskTimeoutDuration returns the overall per-chunk time budget.
func (w Workflow) TaskTimeoutDuration() time.Duration {
	return time.Duration(w.TaskTimeout) * time.Second
}

// HeartbeatIntervalDuration returns how often a PROCESSING chunk is refreshed.
func (w Workflow) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

// HeartbeatTimeoutDuration returns how long a heartbeat may be missed before
// the chunk is reaped.
func (w Workflow) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(w.HeartbeatTimeout) * time.Second
}

// PollIntervalDuration returns the idle wait between queue polls.
func (w Workflow) PollIntervalDuration() time.Duration {
	return time.Duration(w.QueuePollInterval) * time.Second
}

// StaleWorkspaceAge returns the age after which unlocked workspaces are swept.
func (w Workflow) StaleWorkspaceAge() time.Duration {
	return time.Duration(w.StaleWorkspaceHours) * time.Hour
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for chunkpipe.
//
// Configuration sections by subsystem:
//   - Paths: workspace, quarantine, state and log directories, API bind address
//   - Store: status repository backend
//   - Crawler: external crawler command and target image count
//   - Dedupe / Validation: duplicate and integrity policies
//   - Archive: artifact container format
//   - Blob: upload target
//   - Retry: per-stage retry budgets
//   - Workflow: worker pool, time budget, heartbeats
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Store         Store         `toml:"store"`
	Crawler       Crawler       `toml:"crawler"`
	Dedupe        Dedupe        `toml:"dedupe"`
	Validation    Validation    `toml:"validation"`
	Archive       Archive       `toml:"archive"`
	Blob          Blob          `toml:"blob"`
	Retry         Retry         `toml:"retry"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/chunkpipe/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("chunkpipe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for worker operation.
// The blob directory is only created for the filesystem backend.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkspaceRoot, c.Paths.QuarantineDir, c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Blob.Backend == BlobBackendFS && strings.TrimSpace(c.Blob.Dir) != "" {
		if err := os.MkdirAll(c.Blob.Dir, 0o755); err != nil {
			return fmt.Errorf("create blob directory %q: %w", c.Blob.Dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
