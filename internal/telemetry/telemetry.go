// Package telemetry provides opt-in, anonymous event counters for maw
// operations. Grounded directly on the teacher's
// cmd/entire/cli/telemetry package: same opt-out env var pattern, same
// fast-timeout PostHog transport so telemetry never blocks a CLI exit,
// same NoOpClient fallback, generalized from per-cobra-command tracking
// to per-maw-operation (create/merge/destroy/recover) tracking.
package telemetry

import (
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
)

// OptOutEnvVar disables telemetry unconditionally when set to any
// non-empty value, regardless of config.
const OptOutEnvVar = "MANIFOLD_TELEMETRY_OPTOUT"

// PostHogAPIKey and PostHogEndpoint are set at build time for production;
// the defaults here only ever reach a development PostHog project.
var (
	PostHogAPIKey   = "phc_development_key"
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// Client records anonymous maw operation events.
type Client interface {
	TrackOperation(op string, workspaceCount int, merged bool)
	Close()
}

// NoOpClient discards every event; used whenever telemetry is disabled,
// unconfigured, or opted out.
type NoOpClient struct{}

// TrackOperation is a no-op.
func (NoOpClient) TrackOperation(string, int, bool) {}

// Close is a no-op.
func (NoOpClient) Close() {}

type silentLogger struct{}

func (silentLogger) Logf(string, ...any)   {}
func (silentLogger) Debugf(string, ...any) {}
func (silentLogger) Warnf(string, ...any)  {}
func (silentLogger) Errorf(string, ...any) {}

// PostHogClient is the real telemetry client.
type PostHogClient struct {
	client    posthog.Client
	machineID string
	version   string
	mu        sync.RWMutex
}

// NewClient returns a Client based on opt-in settings. telemetryEnabled
// comes from config.toml's telemetry field; nil or false yields NoOpClient.
//
//nolint:ireturn // factory: returns NoOpClient or PostHogClient based on settings
func NewClient(version string, telemetryEnabled *bool, optOutEnv string) Client {
	if optOutEnv != "" {
		return NoOpClient{}
	}
	if telemetryEnabled == nil || !*telemetryEnabled {
		return NoOpClient{}
	}

	id, err := machineid.ProtectedID("maw")
	if err != nil {
		return NoOpClient{}
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 100 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   100 * time.Millisecond,
		ResponseHeaderTimeout: 100 * time.Millisecond,
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("maw_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return NoOpClient{}
	}

	return &PostHogClient{client: client, machineID: id, version: version}
}

// TrackOperation records one maw operation (create, merge, destroy,
// recover, sync) with the number of workspaces it touched and whether it
// resulted in a landed merge. No workspace names, paths, or content ever
// leave the process.
func (p *PostHogClient) TrackOperation(op string, workspaceCount int, merged bool) {
	p.mu.RLock()
	id, c := p.machineID, p.client
	p.mu.RUnlock()
	if c == nil {
		return
	}
	props := posthog.NewProperties().
		Set("operation", op).
		Set("workspace_count", workspaceCount).
		Set("merged", merged)
	//nolint:errcheck // best-effort telemetry; failures must never affect the caller
	_ = c.Enqueue(posthog.Capture{DistinctId: id, Event: "maw_operation", Properties: props})
}

// Close flushes pending events.
func (p *PostHogClient) Close() {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	if c != nil {
		_ = c.Close()
	}
}
