// Package schema tracks the on-disk .manifold layout's schema version
// and checks compatibility using golang.org/x/mod/semver, the same
// semver package the teacher imports (promoted here from an indirect
// dependency to direct use) for parsing and comparing version strings
// without hand-rolling numeric-component splitting.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/semver"
)

// Current is the schema version this build of maw writes and expects.
// Bump the minor component for additive, backward-compatible on-disk
// changes; bump major for anything requiring a migration.
const Current = "v1.0.0"

// FileName is the schema marker file, relative to .manifold/.
const FileName = "schema.json"

type marker struct {
	Version string `json:"version"`
}

// ErrIncompatible is returned when the on-disk schema's major version
// differs from Current's, meaning this build cannot safely operate on
// the repository without a migration it does not (yet) implement.
type ErrIncompatible struct {
	OnDisk, Expected string
}

func (e *ErrIncompatible) Error() string {
	return fmt.Sprintf("schema: on-disk version %s is incompatible with this build's %s", e.OnDisk, e.Expected)
}

// Check reads manifoldDir's schema marker, writing Current if absent
// (first run against a fresh .manifold directory), and returns
// *ErrIncompatible if the on-disk major version doesn't match.
func Check(manifoldDir string) error {
	path := filepath.Join(manifoldDir, FileName)
	data, err := os.ReadFile(path) //nolint:gosec // fixed path under the repository's own .manifold dir
	if err != nil {
		if os.IsNotExist(err) {
			return write(manifoldDir, path)
		}
		return fmt.Errorf("schema: read marker: %w", err)
	}

	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("schema: corrupt marker: %w", err)
	}
	if !semver.IsValid(m.Version) {
		return fmt.Errorf("schema: marker has invalid version %q", m.Version)
	}
	if semver.Major(m.Version) != semver.Major(Current) {
		return &ErrIncompatible{OnDisk: m.Version, Expected: Current}
	}
	if semver.Compare(m.Version, Current) > 0 {
		// On-disk state is newer than this build (same major): refuse to
		// silently downgrade additive fields it may not understand.
		return &ErrIncompatible{OnDisk: m.Version, Expected: Current}
	}
	return nil
}

func write(manifoldDir, path string) error {
	if err := os.MkdirAll(manifoldDir, 0o750); err != nil {
		return fmt.Errorf("schema: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(marker{Version: Current}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("schema: write marker: %w", err)
	}
	return nil
}
