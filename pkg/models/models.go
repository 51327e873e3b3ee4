// Package models defines the JSON payload types shared between the bridge
// core and its HTTP API. Configuration entities (sources, ingest target,
// queue, rate limit, breaker) live here so that handlers, the orchestrator,
// and the config loader all speak the same shapes.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Source configuration ─────────────────────────────────────

// ProtocolType identifies the producing protocol of a source.
type ProtocolType string

const (
	ProtocolOPCUA  ProtocolType = "opcua"
	ProtocolMQTT   ProtocolType = "mqtt"
	ProtocolModbus ProtocolType = "modbus"
)

// Valid reports whether the protocol type is one of the known variants.
func (p ProtocolType) Valid() bool {
	switch p {
	case ProtocolOPCUA, ProtocolMQTT, ProtocolModbus:
		return true
	}
	return false
}

// ISA95Hints are explicit hierarchy values attached to a source config.
// They take priority over structural extraction from topics/paths.
type ISA95Hints struct {
	Enterprise string `json:"enterprise,omitempty" yaml:"enterprise,omitempty"`
	Site       string `json:"site,omitempty" yaml:"site,omitempty"`
	Area       string `json:"area,omitempty" yaml:"area,omitempty"`
	Line       string `json:"line,omitempty" yaml:"line,omitempty"`
	Equipment  string `json:"equipment,omitempty" yaml:"equipment,omitempty"`
}

// SourceConfig describes one configured field-device connection.
type SourceConfig struct {
	Name              string       `json:"name" yaml:"name"`
	ProtocolType      ProtocolType `json:"protocol_type" yaml:"protocol_type"`
	Endpoint          string       `json:"endpoint" yaml:"endpoint"`
	Enabled           bool         `json:"enabled" yaml:"enabled"`
	SubscriptionMode  bool         `json:"subscription_mode" yaml:"subscription_mode"`
	PollingIntervalMS int          `json:"polling_interval_ms,omitempty" yaml:"polling_interval_ms,omitempty"`
	ISA95Hints        ISA95Hints   `json:"isa95_hints,omitempty" yaml:"isa95_hints,omitempty"`
	CredentialsRef    string       `json:"credentials_ref,omitempty" yaml:"credentials_ref,omitempty"`

	// BackoffMaxMS caps the reconnect backoff for this source. Zero uses
	// the bridge-wide default (60s).
	BackoffMaxMS int `json:"backoff_max_ms,omitempty" yaml:"backoff_max_ms,omitempty"`
}

// Validate checks the fields required before a source may be started.
func (s *SourceConfig) Validate() error {
	if s.Name == "" {
		return NewError(KindConfigInvalid, "source name is required")
	}
	if !s.ProtocolType.Valid() {
		return NewError(KindConfigInvalid, fmt.Sprintf("source %q: unknown protocol_type %q", s.Name, s.ProtocolType))
	}
	if s.Endpoint == "" {
		return NewError(KindConfigInvalid, fmt.Sprintf("source %q: endpoint is required", s.Name))
	}
	if !s.SubscriptionMode && s.PollingIntervalMS <= 0 {
		return NewError(KindConfigInvalid, fmt.Sprintf("source %q: polling mode requires polling_interval_ms > 0", s.Name))
	}
	return nil
}

// ConnectionMaterial reports whether switching from s to next requires the
// running source to be stopped and restarted. Hint-only edits reconcile live.
func (s *SourceConfig) ConnectionMaterial(next *SourceConfig) bool {
	return s.ProtocolType != next.ProtocolType ||
		s.Endpoint != next.Endpoint ||
		s.SubscriptionMode != next.SubscriptionMode ||
		s.PollingIntervalMS != next.PollingIntervalMS ||
		s.CredentialsRef != next.CredentialsRef
}

// ── Ingest target configuration ──────────────────────────────

// IngestTarget is the three-part destination identifier.
type IngestTarget struct {
	Catalog string `json:"catalog" yaml:"catalog"`
	Schema  string `json:"schema" yaml:"schema"`
	Table   string `json:"table" yaml:"table"`
}

// String renders catalog.schema.table.
func (t IngestTarget) String() string {
	return t.Catalog + "." + t.Schema + "." + t.Table
}

// Validate requires all three parts to be present and dot-free.
func (t IngestTarget) Validate() error {
	for _, part := range []string{t.Catalog, t.Schema, t.Table} {
		if part == "" || strings.Contains(part, ".") {
			return NewError(KindTargetInvalid, fmt.Sprintf("ingest target must be a three-part catalog.schema.table identifier, got %q", t.String()))
		}
	}
	return nil
}

// ParseIngestTarget splits a "catalog.schema.table" string.
func ParseIngestTarget(s string) (IngestTarget, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return IngestTarget{}, NewError(KindTargetInvalid, fmt.Sprintf("ingest target must be a three-part catalog.schema.table identifier, got %q", s))
	}
	t := IngestTarget{Catalog: parts[0], Schema: parts[1], Table: parts[2]}
	return t, t.Validate()
}

// ZerobusAuth holds the OAuth client-credentials configuration.
// The secret is always a reference into the credential store; the raw
// value never appears in config snapshots or logs.
type ZerobusAuth struct {
	ClientID        string `json:"client_id" yaml:"client_id"`
	ClientSecretRef string `json:"client_secret_ref" yaml:"client_secret_ref"`
}

// ProxyConfig controls outbound proxying for the ingest connection.
type ProxyConfig struct {
	URL        string `json:"url,omitempty" yaml:"url,omitempty"`
	UseEnvVars bool   `json:"use_env_vars,omitempty" yaml:"use_env_vars,omitempty"`
}

// ZerobusConfig configures the cloud ingest stream.
type ZerobusConfig struct {
	Enabled         bool         `json:"enabled" yaml:"enabled"`
	WorkspaceHost   string       `json:"workspace_host" yaml:"workspace_host"`
	ZerobusEndpoint string       `json:"zerobus_endpoint" yaml:"zerobus_endpoint"`
	DefaultTarget   IngestTarget `json:"default_target" yaml:"default_target"`
	Auth            ZerobusAuth  `json:"auth" yaml:"auth"`
	Proxy           *ProxyConfig `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

// Validate checks the fields required before the stream may be started.
func (z *ZerobusConfig) Validate() error {
	if !z.Enabled {
		return nil
	}
	if z.WorkspaceHost == "" {
		return NewError(KindConfigInvalid, "zerobus.workspace_host is required")
	}
	if z.ZerobusEndpoint == "" {
		return NewError(KindConfigInvalid, "zerobus.zerobus_endpoint is required")
	}
	if z.Auth.ClientID == "" {
		return NewError(KindAuthFailed, "zerobus.auth.client_id is required")
	}
	return z.DefaultTarget.Validate()
}

// Masked returns a copy safe for display and snapshots: the secret
// reference is replaced with *** when one is stored.
func (z ZerobusConfig) Masked() ZerobusConfig {
	if z.Auth.ClientSecretRef != "" {
		z.Auth.ClientSecretRef = "***"
	}
	return z
}

// Equal reports whether two configs would produce the same stream. Used to
// avoid restarting the stream on a no-op config write.
func (z ZerobusConfig) Equal(other ZerobusConfig) bool {
	zp, op := z.Proxy, other.Proxy
	z.Proxy, other.Proxy = nil, nil
	if z != other {
		return false
	}
	if (zp == nil) != (op == nil) {
		return false
	}
	return zp == nil || *zp == *op
}

// ── Pipeline configuration ───────────────────────────────────

// DropPolicy selects which end of the queue loses records under pressure.
type DropPolicy string

const (
	DropNewest DropPolicy = "drop_newest"
	DropOldest DropPolicy = "drop_oldest"
)

// QueueConfig configures the bounded queue and its disk spool.
type QueueConfig struct {
	MaxInMemory      int        `json:"max_in_memory" yaml:"max_in_memory"`
	HighWatermarkPct int        `json:"high_watermark_pct" yaml:"high_watermark_pct"`
	SpillEnabled     bool       `json:"spill_enabled" yaml:"spill_enabled"`
	SpillPath        string     `json:"spill_path,omitempty" yaml:"spill_path,omitempty"`
	SpillMaxBytes    int64      `json:"spill_max_bytes,omitempty" yaml:"spill_max_bytes,omitempty"`
	DropPolicy       DropPolicy `json:"drop_policy" yaml:"drop_policy"`
}

// RateLimitConfig configures the dual-dimension token bucket.
type RateLimitConfig struct {
	RecordsPerSec float64 `json:"records_per_sec" yaml:"records_per_sec"`
	BytesPerSec   float64 `json:"bytes_per_sec" yaml:"bytes_per_sec"`
	BurstMult     float64 `json:"burst_mult" yaml:"burst_mult"`
}

// BreakerConfig configures the ingest circuit breaker.
type BreakerConfig struct {
	Threshold     int `json:"threshold" yaml:"threshold"`
	WindowMS      int `json:"window_ms" yaml:"window_ms"`
	CoolDownMS    int `json:"cool_down_ms" yaml:"cool_down_ms"`
	CoolDownMaxMS int `json:"cool_down_max_ms" yaml:"cool_down_max_ms"`
}

// ── Status payloads ──────────────────────────────────────────

// SourceStatus is the per-source summary exposed by GET /api/status.
type SourceStatus struct {
	Name            string       `json:"name"`
	ProtocolType    ProtocolType `json:"protocol_type"`
	Endpoint        string       `json:"endpoint"`
	Enabled         bool         `json:"enabled"`
	Running         bool         `json:"running"`
	Connected       bool         `json:"connected"`
	LastConnectedAt *time.Time   `json:"last_connected_at,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	RecordsIn       uint64       `json:"records_in"`
	BytesIn         uint64       `json:"bytes_in"`
	Reconnects      uint64       `json:"reconnects"`
	BreakerState    string       `json:"breaker_state"`

	// Subscribers lists peer subscribers for transports that have the
	// concept (MQTT). Most brokers do not expose enumeration, in which
	// case the list is empty and the note says so.
	Subscribers     []string `json:"subscribers,omitempty"`
	SubscribersNote string   `json:"subscribers_note,omitempty"`
}

// BridgeStatus is the top-level status payload.
type BridgeStatus struct {
	Running         bool           `json:"running"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	Sources         []SourceStatus `json:"sources"`
	BreakerState    string         `json:"breaker_state"`
	IngestConnected bool           `json:"ingest_connected"`
	IngestState     string         `json:"ingest_state"`
	QueueDepth      int            `json:"queue_depth"`
	SpoolBytes      int64          `json:"spool_bytes"`
}

// IngestDiagnostics reports connectivity facts for the ingest target.
type IngestDiagnostics struct {
	TokenOK           bool   `json:"token_ok"`
	EndpointReachable bool   `json:"endpoint_reachable"`
	TargetValidated   bool   `json:"target_validated"`
	ProbeStreamOK     *bool  `json:"probe_stream_ok,omitempty"`
	Detail            string `json:"detail,omitempty"`
}

// ── Discovery payloads ───────────────────────────────────────

// DiscoveredServer is one endpoint found by a discovery scan.
type DiscoveredServer struct {
	Endpoint     string       `json:"endpoint"`
	ProtocolType ProtocolType `json:"protocol_type"`
	Reachable    bool         `json:"reachable"`
	LatencyMS    int64        `json:"latency_ms"`
	SeenAt       time.Time    `json:"seen_at"`
	Note         string       `json:"note,omitempty"`
}

// DiscoveryScanRequest configures a network scan for protocol servers.
type DiscoveryScanRequest struct {
	Hosts        []string     `json:"hosts"`
	Ports        []int        `json:"ports,omitempty"`
	ProtocolType ProtocolType `json:"protocol_type,omitempty"`
	TimeoutMS    int          `json:"timeout_ms,omitempty"`
}

// ConnectionTestRequest asks for a one-off protocol connection test.
type ConnectionTestRequest struct {
	ProtocolType   ProtocolType `json:"protocol_type"`
	Endpoint       string       `json:"endpoint"`
	CredentialsRef string       `json:"credentials_ref,omitempty"`
}

// ConnectionTestResult is the outcome of a connection test.
type ConnectionTestResult struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}
