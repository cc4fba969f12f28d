// Package driver runs configured deterministic merge drivers: external
// commands that resolve a contended path's three inputs (base, ours,
// theirs) instead of the engine's built-in line-merge, for paths whose
// format needs semantic awareness (package.json key ordering, generated
// lockfiles, and similar).
//
// Grounded on the teacher's RunCommandInteractive pty harness in
// cmd/entire/cli/integration_test/interactive.go, generalized from
// driving the CLI's own prompts to driving an arbitrary configured
// subprocess with captured stdio instead of a pty (merge drivers are
// never interactive, so no terminal emulation is needed, only the same
// "spawn a command against a temp working directory and capture its
// streams" shape).
package driver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Config is one configured [[merge.drivers]] entry.
type Config struct {
	Match   string // glob pattern matched against the repo-relative path
	Kind    string // "merge3" (base/ours/theirs) is the only kind maw ships
	Command string // shell command; %B %O %T are substituted with temp file paths
}

// Matches reports whether path matches cfg's glob.
func (cfg Config) Matches(path string) bool {
	g, err := glob.Compile(cfg.Match, '/')
	if err != nil {
		return false
	}
	return g.Match(path)
}

// Select returns the first matching driver config for path, or ok=false
// if none configured.
func Select(configs []Config, path string) (Config, bool) {
	for _, c := range configs {
		if c.Matches(path) {
			return c, true
		}
	}
	return Config{}, false
}

// Result is a driver invocation's outcome.
type Result struct {
	Merged      []byte
	Diagnostics string
	Conflicted  bool
}

// Run materializes base/ours/theirs into a scratch directory, substitutes
// %B/%O/%T into cfg.Command, and runs it with timeout. A non-zero exit
// is treated as an unresolved conflict (Conflicted=true), not an error,
// and so is a failure to start the process or a timeout; an error is
// returned only when the scratch directory or its input files cannot be
// created.
func Run(ctx context.Context, cfg Config, path string, base, ours, theirs []byte, timeout time.Duration) (*Result, error) {
	scratch, err := os.MkdirTemp("", "maw-driver-*")
	if err != nil {
		return nil, fmt.Errorf("driver: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	baseFile := filepath.Join(scratch, "base")
	oursFile := filepath.Join(scratch, "ours")
	theirsFile := filepath.Join(scratch, "theirs")
	if err := writeAll(baseFile, base); err != nil {
		return nil, err
	}
	if err := writeAll(oursFile, ours); err != nil {
		return nil, err
	}
	if err := writeAll(theirsFile, theirs); err != nil {
		return nil, err
	}

	cmdLine := cfg.Command
	cmdLine = strings.ReplaceAll(cmdLine, "%B", baseFile)
	cmdLine = strings.ReplaceAll(cmdLine, "%O", oursFile)
	cmdLine = strings.ReplaceAll(cmdLine, "%T", theirsFile)
	cmdLine = strings.ReplaceAll(cmdLine, "%P", path)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdLine)
	cmd.Dir = scratch
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	diag := stderr.String()
	if runErr != nil {
		return &Result{Diagnostics: diag + "\n" + runErr.Error(), Conflicted: true}, nil
	}
	return &Result{Merged: stdout.Bytes(), Diagnostics: diag}, nil
}

func writeAll(path string, content []byte) error {
	return os.WriteFile(path, content, 0o600)
}
