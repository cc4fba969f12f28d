// Package config loads maw's repository-level configuration from
// config.toml, with a local override file layered on top via
// dario.cat/mergo, mirroring the base+local settings layering the
// teacher's cli.LoadEntireSettings implements for its own
// settings.json/settings.local.json pair (cmd/entire/cli/config.go).
// maw's configuration is TOML rather than JSON, parsed with
// pelletier/go-toml/v2, since config.toml is the on-disk format spec §6
// names explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"

	"github.com/bobisme/maw/internal/journal"
	"github.com/bobisme/maw/internal/merge/driver"
)

// FileName is the main config file, relative to the repository root.
const FileName = "config.toml"

// LocalFileName is an uncommitted override layered on top of FileName,
// analogous to the teacher's settings.local.json.
const LocalFileName = "config.local.toml"

// Workspace mirrors the [workspace] table.
type Workspace struct {
	Backend string `toml:"backend"`
}

// Validation mirrors the [merge.validation] table.
type Validation struct {
	Command       string `toml:"command"`
	TimeoutSeconds int   `toml:"timeout_seconds"`
	OnFailure     string `toml:"on_failure"`
}

// Driver mirrors one [[merge.drivers]] entry.
type Driver struct {
	Match   string `toml:"match"`
	Kind    string `toml:"kind"`
	Command string `toml:"command"`
}

// Merge mirrors the [merge] table and its nested validation/drivers.
type Merge struct {
	Validation Validation `toml:"validation"`
	Drivers    []Driver   `toml:"drivers"`
}

// Recovery mirrors the [recovery] table.
type Recovery struct {
	TimestampResolution string `toml:"timestamp_resolution"` // "millis" | "nanos"
}

// Config is the fully parsed, defaulted config.toml.
type Config struct {
	Workspace Workspace `toml:"workspace"`
	Merge     Merge     `toml:"merge"`
	Recovery  Recovery  `toml:"recovery"`
	LogLevel  string    `toml:"log_level"`
	Telemetry *bool     `toml:"telemetry"` // nil = not asked, matching the teacher's tri-state field
}

// Default returns the zero-config defaults applied before any file is read.
func Default() Config {
	return Config{
		Workspace: Workspace{Backend: "git-worktree"},
		Merge: Merge{
			Validation: Validation{OnFailure: string(journal.OnFailureBlock), TimeoutSeconds: 300},
		},
		Recovery: Recovery{TimestampResolution: "millis"},
		LogLevel: "info",
	}
}

// Load reads config.toml (if present) from repoRoot, then layers
// config.local.toml on top via mergo (local non-zero fields win), and
// finally layers in Default() for anything still unset.
func Load(repoRoot string) (*Config, error) {
	cfg := Default()

	if err := mergeFile(&cfg, filepath.Join(repoRoot, FileName)); err != nil {
		return nil, err
	}
	if err := mergeFile(&cfg, filepath.Join(repoRoot, LocalFileName)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // fixed repository-relative config path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var layer Config
	if err := toml.Unmarshal(data, &layer); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, layer, mergo.WithOverride); err != nil {
		return fmt.Errorf("config: merge %s: %w", path, err)
	}
	return nil
}

// ValidationTimeout returns the configured validation timeout as a
// time.Duration, defaulting to 5 minutes if unset or non-positive.
func (c *Config) ValidationTimeout() time.Duration {
	if c.Merge.Validation.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Merge.Validation.TimeoutSeconds) * time.Second
}

// OnFailurePolicy maps the configured string to journal.OnFailure,
// defaulting to block for an unrecognized or empty value (the safest
// failure mode: never silently lands an unvalidated candidate).
func (c *Config) OnFailurePolicy() journal.OnFailure {
	switch c.Merge.Validation.OnFailure {
	case string(journal.OnFailureWarn):
		return journal.OnFailureWarn
	case string(journal.OnFailureQuarantine):
		return journal.OnFailureQuarantine
	default:
		return journal.OnFailureBlock
	}
}

// Drivers converts the configured [[merge.drivers]] entries into
// driver.Config values for the merge engine.
func (c *Config) Drivers() []driver.Config {
	out := make([]driver.Config, 0, len(c.Merge.Drivers))
	for _, d := range c.Merge.Drivers {
		out = append(out, driver.Config{Match: d.Match, Kind: d.Kind, Command: d.Command})
	}
	return out
}
