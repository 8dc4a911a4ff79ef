package config

import (
	"time"

	"github.com/sdejongh/vcsreconcile/pkg/apply"
	"github.com/sdejongh/vcsreconcile/pkg/merge"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/ratelimit"
)

// Config represents the application configuration
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace" mapstructure:"workspace"`
	Apply     ApplyConfig     `yaml:"apply" mapstructure:"apply"`
	Resolve   ResolveConfig   `yaml:"resolve" mapstructure:"resolve"`
	Download  DownloadConfig  `yaml:"download" mapstructure:"download"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Exclude   []string        `yaml:"exclude" mapstructure:"exclude"`
}

// WorkspaceConfig locates the workspace and its server
type WorkspaceConfig struct {
	Root       string `yaml:"root" mapstructure:"root"`             // Local root (empty = current directory)
	ServerDB   string `yaml:"server_db" mapstructure:"server_db"`   // SQLite file (empty = <root>/.vcsreconcile/server.db)
	ServerRoot string `yaml:"server_root" mapstructure:"server_root"` // Server folder mapped to root (empty = $/<root name>)
}

// ApplyConfig holds executor settings
type ApplyConfig struct {
	LocalConflictPolicy string `yaml:"local_conflict_policy" mapstructure:"local_conflict_policy"` // "override", "report" or "ask"
	AllowDownload       bool   `yaml:"allow_download" mapstructure:"allow_download"`
	OverwriteWritable   bool   `yaml:"overwrite_writable" mapstructure:"overwrite_writable"`
}

// ResolveConfig holds conflict resolution settings
type ResolveConfig struct {
	NameChoice    string `yaml:"name_choice" mapstructure:"name_choice"`       // "yours", "theirs" or "cancel" when not interactive
	ContentMerger string `yaml:"content_merger" mapstructure:"content_merger"` // "auto" or "prompt"
}

// DownloadConfig tunes the HTTP downloader
type DownloadConfig struct {
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Retries        int           `yaml:"retries" mapstructure:"retries"`
	BandwidthLimit string        `yaml:"bandwidth_limit" mapstructure:"bandwidth_limit"` // e.g. "10MB", empty = unlimited
}

// OutputConfig holds output-related settings
type OutputConfig struct {
	Format   string `yaml:"format" mapstructure:"format"`     // "human" or "json"
	Progress bool   `yaml:"progress" mapstructure:"progress"` // Show progress bars
	Quiet    bool   `yaml:"quiet" mapstructure:"quiet"`       // Suppress non-error output
}

// LoggingConfig holds logging-related settings
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Format  string `yaml:"format" mapstructure:"format"` // "json" or "text"
	Level   string `yaml:"level" mapstructure:"level"`   // "debug", "info", "warn", "error"
	File    string `yaml:"file" mapstructure:"file"`     // Log file path (empty = stderr)
}

// Content merger names
const (
	ContentMergerAuto   = "auto"
	ContentMergerPrompt = "prompt"
)

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Apply: ApplyConfig{
			LocalConflictPolicy: string(apply.PolicyAsk),
			AllowDownload:       true,
			OverwriteWritable:   false,
		},
		Resolve: ResolveConfig{
			NameChoice:    string(merge.ChooseYours),
			ContentMerger: ContentMergerAuto,
		},
		Download: DownloadConfig{
			Timeout: 5 * time.Minute,
			Retries: 3,
		},
		Output: OutputConfig{
			Format:   "human",
			Progress: true,
			Quiet:    false,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Format:  "text",
			Level:   "info",
			File:    "",
		},
		Exclude: []string{
			"*.tmp",
			"bin/",
			"obj/",
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := apply.ParsePolicy(c.Apply.LocalConflictPolicy); err != nil {
		return err
	}

	if _, err := merge.ParseChoice(c.Resolve.NameChoice); err != nil {
		return err
	}

	validMergers := map[string]bool{ContentMergerAuto: true, ContentMergerPrompt: true}
	if !validMergers[c.Resolve.ContentMerger] {
		return &models.ValidationError{
			Field:   "resolve.content_merger",
			Message: "must be 'auto' or 'prompt'",
		}
	}

	if c.Download.Timeout < 0 {
		return &models.ValidationError{
			Field:   "download.timeout",
			Message: "must not be negative",
		}
	}

	if c.Download.Retries < 0 {
		return &models.ValidationError{
			Field:   "download.retries",
			Message: "must not be negative",
		}
	}

	if _, err := ratelimit.ParseBandwidth(c.Download.BandwidthLimit); err != nil {
		return &models.ValidationError{
			Field:   "download.bandwidth_limit",
			Message: err.Error(),
		}
	}

	validFormats := map[string]bool{"human": true, "json": true}
	if !validFormats[c.Output.Format] {
		return &models.ValidationError{
			Field:   "output.format",
			Message: "must be 'human' or 'json'",
		}
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return &models.ValidationError{
			Field:   "logging.format",
			Message: "must be 'json' or 'text'",
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return &models.ValidationError{
			Field:   "logging.level",
			Message: "must be 'debug', 'info', 'warn', or 'error'",
		}
	}

	return nil
}
