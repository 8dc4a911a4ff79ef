package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables that override file settings,
// e.g. VCSRECONCILE_APPLY_LOCAL_CONFLICT_POLICY
const EnvPrefix = "VCSRECONCILE"

// Load builds the effective configuration. Settings come from the defaults, the YAML file at
// path (the default location when empty, skipped if missing there), a .env file in the working
// directory and the environment, in increasing precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	cfg := Default()
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(path); err == nil || explicit {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	overlay(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overlay copies every key set in v over cfg
func overlay(v *viper.Viper, cfg *Config) {
	strs := map[string]*string{
		"workspace.root":              &cfg.Workspace.Root,
		"workspace.server_db":         &cfg.Workspace.ServerDB,
		"workspace.server_root":       &cfg.Workspace.ServerRoot,
		"apply.local_conflict_policy": &cfg.Apply.LocalConflictPolicy,
		"resolve.name_choice":         &cfg.Resolve.NameChoice,
		"resolve.content_merger":      &cfg.Resolve.ContentMerger,
		"download.bandwidth_limit":    &cfg.Download.BandwidthLimit,
		"output.format":               &cfg.Output.Format,
		"logging.format":              &cfg.Logging.Format,
		"logging.level":               &cfg.Logging.Level,
		"logging.file":                &cfg.Logging.File,
	}
	for key, field := range strs {
		if v.IsSet(key) {
			*field = v.GetString(key)
		}
	}

	bools := map[string]*bool{
		"apply.allow_download":     &cfg.Apply.AllowDownload,
		"apply.overwrite_writable": &cfg.Apply.OverwriteWritable,
		"output.progress":          &cfg.Output.Progress,
		"output.quiet":             &cfg.Output.Quiet,
		"logging.enabled":          &cfg.Logging.Enabled,
	}
	for key, field := range bools {
		if v.IsSet(key) {
			*field = v.GetBool(key)
		}
	}

	if v.IsSet("download.timeout") {
		cfg.Download.Timeout = v.GetDuration("download.timeout")
	}
	if v.IsSet("download.retries") {
		cfg.Download.Retries = v.GetInt("download.retries")
	}
	if v.IsSet("exclude") {
		cfg.Exclude = v.GetStringSlice("exclude")
	}
}
