// Package refs defines the typed ref namespace maw reserves inside the
// underlying Git repository and a monotonic timestamp source used to
// name recovery refs in a collision-resistant, lexicographically
// sortable way. Grounded on the teacher's paths package, which defines
// a similar constant namespace (MetadataBranchName, trailer keys) for
// its own reserved refs and directories.
package refs

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Prefix is the reserved ref namespace root. All maw refs live under it
// so a plain `git for-each-ref` cleanly separates maw state from the
// user's own branches and tags.
const Prefix = "refs/manifold"

// EpochCurrent is the durable ref tracking the current mainline epoch.
func EpochCurrent() string { return Prefix + "/epoch/current" }

// Recovery returns the ref name for a recovery snapshot of workspace at timestamp.
func Recovery(workspace, timestamp string) string {
	return fmt.Sprintf("%s/recovery/%s/%s", Prefix, workspace, timestamp)
}

// RecoveryWorkspacePrefix returns the prefix under which all recovery refs
// for a given workspace are stored, for use with for-each-ref style listing.
func RecoveryWorkspacePrefix(workspace string) string {
	return fmt.Sprintf("%s/recovery/%s/", Prefix, workspace)
}

// Head returns the optional per-workspace op-log head ref, used only for
// Level 1 inspection; it is never the source of truth for recovery.
func Head(workspace string) string {
	return fmt.Sprintf("%s/head/%s", Prefix, workspace)
}

// ParseRecovery extracts the workspace name and timestamp from a recovery
// ref name produced by Recovery. Returns ok=false if name doesn't match.
func ParseRecovery(name string) (workspace, timestamp string, ok bool) {
	rest, found := strings.CutPrefix(name, Prefix+"/recovery/")
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// TimestampResolution selects the granularity of generated timestamps.
type TimestampResolution int

const (
	ResolutionMillis TimestampResolution = iota
	ResolutionNanos
)

// Clock is a monotonic, collision-resistant timestamp source for naming
// recovery refs. ISO-8601 formatting keeps names lexicographically
// sortable by time. A per-process strictly-increasing counter guards
// against wall-clock jumps and repeated calls within the same tick.
type Clock struct {
	resolution TimestampResolution

	mu   sync.Mutex
	last string
	seq  int
}

// NewClock creates a Clock at the given resolution.
func NewClock(resolution TimestampResolution) *Clock {
	return &Clock{resolution: resolution}
}

// Next returns the next timestamp string, guaranteed to strictly exceed
// every previous value returned by this Clock instance even under
// repeated calls within the same wall-clock tick or a backward clock jump.
func (c *Clock) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := c.format(time.Now().UTC())
	if base <= c.last {
		// Wall clock did not advance (or moved backwards); bump the
		// sequence suffix so ordering remains strict.
		c.seq++
		candidate := fmt.Sprintf("%s-%04d", c.lastBase(), c.seq)
		c.last = candidate
		return candidate
	}
	c.seq = 0
	c.last = base
	return base
}

func (c *Clock) lastBase() string {
	if idx := strings.LastIndex(c.last, "-"); idx > 0 && len(c.last)-idx == 5 {
		// last already has a sequence suffix; strip it for the base.
		if _, err := fmt.Sscanf(c.last[idx+1:], "%04d", new(int)); err == nil {
			return c.last[:idx]
		}
	}
	return c.last
}

func (c *Clock) format(t time.Time) string {
	switch c.resolution {
	case ResolutionNanos:
		return t.Format("20060102T150405.000000000Z")
	default:
		return t.Format("20060102T150405.000Z")
	}
}
