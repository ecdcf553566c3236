package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Resolve.
const (
	DefaultCompressMetadata     = false
	DefaultCompressWorkspace    = true
	DefaultMaxBackupVersions    = 3
	DefaultEnableAutoCleanup    = false
	DefaultMaxSessionAge        = 7 * 24 * time.Hour
	DefaultEnableMetrics        = true
	DefaultCleanupInterval      = time.Hour
	DefaultLockTimeout          = 30 * time.Second
	DefaultMetricsFlushInterval = 30 * time.Second
)

// Options is a partial store configuration. Nil fields take their default.
type Options struct {
	StorageDir        *string   `json:"storageDir,omitempty" yaml:"storageDir,omitempty"`
	CompressMetadata  *bool     `json:"compressMetadata,omitempty" yaml:"compressMetadata,omitempty"`
	CompressWorkspace *bool     `json:"compressWorkspace,omitempty" yaml:"compressWorkspace,omitempty"`
	MaxBackupVersions *int      `json:"maxBackupVersions,omitempty" yaml:"maxBackupVersions,omitempty"`
	EnableAutoCleanup *bool     `json:"enableAutoCleanup,omitempty" yaml:"enableAutoCleanup,omitempty"`
	MaxSessionAge     *Duration `json:"maxSessionAge,omitempty" yaml:"maxSessionAge,omitempty"`
	EnableMetrics     *bool     `json:"enableMetrics,omitempty" yaml:"enableMetrics,omitempty"`

	CleanupInterval      *Duration `json:"cleanupInterval,omitempty" yaml:"cleanupInterval,omitempty"`
	CleanupSchedule      *string   `json:"cleanupSchedule,omitempty" yaml:"cleanupSchedule,omitempty"` // cron spec, overrides CleanupInterval
	LockTimeout          *Duration `json:"lockTimeout,omitempty" yaml:"lockTimeout,omitempty"`
	MetricsFlushInterval *Duration `json:"metricsFlushInterval,omitempty" yaml:"metricsFlushInterval,omitempty"`
	CrossProcessLock     *bool     `json:"crossProcessLock,omitempty" yaml:"crossProcessLock,omitempty"`
	WorkspaceExclude     []string  `json:"workspaceExclude,omitempty" yaml:"workspaceExclude,omitempty"`
	EventLog             *bool     `json:"eventLog,omitempty" yaml:"eventLog,omitempty"`
}

// Merge returns a copy of o with every field set in override taking precedence.
func (o Options) Merge(override Options) Options {
	out := o
	if override.StorageDir != nil {
		out.StorageDir = override.StorageDir
	}
	if override.CompressMetadata != nil {
		out.CompressMetadata = override.CompressMetadata
	}
	if override.CompressWorkspace != nil {
		out.CompressWorkspace = override.CompressWorkspace
	}
	if override.MaxBackupVersions != nil {
		out.MaxBackupVersions = override.MaxBackupVersions
	}
	if override.EnableAutoCleanup != nil {
		out.EnableAutoCleanup = override.EnableAutoCleanup
	}
	if override.MaxSessionAge != nil {
		out.MaxSessionAge = override.MaxSessionAge
	}
	if override.EnableMetrics != nil {
		out.EnableMetrics = override.EnableMetrics
	}
	if override.CleanupInterval != nil {
		out.CleanupInterval = override.CleanupInterval
	}
	if override.CleanupSchedule != nil {
		out.CleanupSchedule = override.CleanupSchedule
	}
	if override.LockTimeout != nil {
		out.LockTimeout = override.LockTimeout
	}
	if override.MetricsFlushInterval != nil {
		out.MetricsFlushInterval = override.MetricsFlushInterval
	}
	if override.CrossProcessLock != nil {
		out.CrossProcessLock = override.CrossProcessLock
	}
	if override.WorkspaceExclude != nil {
		out.WorkspaceExclude = override.WorkspaceExclude
	}
	if override.EventLog != nil {
		out.EventLog = override.EventLog
	}
	return out
}

// StorageConfig is the fully resolved store configuration.
type StorageConfig struct {
	StorageDir        string   `json:"storageDir" yaml:"storageDir" validate:"required"`
	CompressMetadata  bool     `json:"compressMetadata" yaml:"compressMetadata"`
	CompressWorkspace bool     `json:"compressWorkspace" yaml:"compressWorkspace"`
	MaxBackupVersions int      `json:"maxBackupVersions" yaml:"maxBackupVersions" validate:"gte=0,lte=1000"`
	EnableAutoCleanup bool     `json:"enableAutoCleanup" yaml:"enableAutoCleanup"`
	MaxSessionAge     Duration `json:"maxSessionAge" yaml:"maxSessionAge" validate:"gt=0"`
	EnableMetrics     bool     `json:"enableMetrics" yaml:"enableMetrics"`

	CleanupInterval      Duration `json:"cleanupInterval" yaml:"cleanupInterval" validate:"gt=0"`
	CleanupSchedule      string   `json:"cleanupSchedule,omitempty" yaml:"cleanupSchedule,omitempty"`
	LockTimeout          Duration `json:"lockTimeout" yaml:"lockTimeout" validate:"gt=0"`
	MetricsFlushInterval Duration `json:"metricsFlushInterval" yaml:"metricsFlushInterval" validate:"gte=0"`
	CrossProcessLock     bool     `json:"crossProcessLock" yaml:"crossProcessLock"`
	WorkspaceExclude     []string `json:"workspaceExclude,omitempty" yaml:"workspaceExclude,omitempty" validate:"dive,required"`
	EventLog             bool     `json:"eventLog" yaml:"eventLog"`
}

// Clone returns a deep copy, so callers cannot mutate a store's configuration.
func (c StorageConfig) Clone() StorageConfig {
	out := c
	if c.WorkspaceExclude != nil {
		out.WorkspaceExclude = append([]string(nil), c.WorkspaceExclude...)
	}
	return out
}

var validate = validator.New()

// Resolve applies defaults to o and validates the result. It does no I/O.
func Resolve(o Options) (StorageConfig, error) {
	cfg := StorageConfig{
		StorageDir:           DefaultStorageDir(),
		CompressMetadata:     DefaultCompressMetadata,
		CompressWorkspace:    DefaultCompressWorkspace,
		MaxBackupVersions:    DefaultMaxBackupVersions,
		EnableAutoCleanup:    DefaultEnableAutoCleanup,
		MaxSessionAge:        Duration(DefaultMaxSessionAge),
		EnableMetrics:        DefaultEnableMetrics,
		CleanupInterval:      Duration(DefaultCleanupInterval),
		LockTimeout:          Duration(DefaultLockTimeout),
		MetricsFlushInterval: Duration(DefaultMetricsFlushInterval),
	}

	if o.StorageDir != nil {
		cfg.StorageDir = *o.StorageDir
	}
	if o.CompressMetadata != nil {
		cfg.CompressMetadata = *o.CompressMetadata
	}
	if o.CompressWorkspace != nil {
		cfg.CompressWorkspace = *o.CompressWorkspace
	}
	if o.MaxBackupVersions != nil {
		cfg.MaxBackupVersions = *o.MaxBackupVersions
	}
	if o.EnableAutoCleanup != nil {
		cfg.EnableAutoCleanup = *o.EnableAutoCleanup
	}
	if o.MaxSessionAge != nil {
		cfg.MaxSessionAge = *o.MaxSessionAge
	}
	if o.EnableMetrics != nil {
		cfg.EnableMetrics = *o.EnableMetrics
	}
	if o.CleanupInterval != nil {
		cfg.CleanupInterval = *o.CleanupInterval
	}
	if o.CleanupSchedule != nil {
		cfg.CleanupSchedule = *o.CleanupSchedule
	}
	if o.LockTimeout != nil {
		cfg.LockTimeout = *o.LockTimeout
	}
	if o.MetricsFlushInterval != nil {
		cfg.MetricsFlushInterval = *o.MetricsFlushInterval
	}
	if o.CrossProcessLock != nil {
		cfg.CrossProcessLock = *o.CrossProcessLock
	}
	if o.WorkspaceExclude != nil {
		cfg.WorkspaceExclude = append([]string(nil), o.WorkspaceExclude...)
	}
	if o.EventLog != nil {
		cfg.EventLog = *o.EventLog
	}

	if cfg.StorageDir != "" {
		abs, err := filepath.Abs(cfg.StorageDir)
		if err != nil {
			return StorageConfig{}, fmt.Errorf("resolve storage dir: %w", err)
		}
		cfg.StorageDir = abs
	}

	if err := validate.Struct(cfg); err != nil {
		return StorageConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Ptr returns a pointer to v. It keeps Options literals short.
func Ptr[T any](v T) *T { return &v }

// Duration wraps time.Duration for JSON and YAML unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) parse(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}
