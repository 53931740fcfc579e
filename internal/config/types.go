// Package config loads the resolver's configuration from YAML with
// environment variable overrides via viper, and converts it into the
// immutable ports.ConfigSnapshot the resolver core consumes.
//
// Environment variables use the HYDRA_ prefix and underscore-separated
// keys: HYDRA_GLOBAL_STRATEGY -> global.strategy, HYDRA_LOGGING_LEVEL ->
// logging.level, HYDRA_FILTERING_ENABLED -> filtering.enabled.
package config

import "time"

// ListenerYAML is one socket-level listener entry.
type ListenerYAML struct {
	Protocol    string `mapstructure:"protocol"` // "udp", "dot", "doh", "doq"
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
	Enabled     bool   `mapstructure:"enabled"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

// UpstreamYAML is one upstream DNS server entry.
type UpstreamYAML struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Protocol    string `mapstructure:"protocol"`
	Address     string `mapstructure:"address"`
	Timeout     string `mapstructure:"timeout"`
	Enabled     bool   `mapstructure:"enabled"`
	ServerName  string `mapstructure:"server_name"`
	InsecureTLS bool   `mapstructure:"insecure_tls"`
}

// LocalRecordYAML is one admin-authored local record.
type LocalRecordYAML struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"`
	Value   string `mapstructure:"value"`
	TTL     uint32 `mapstructure:"ttl"`
	Enabled bool   `mapstructure:"enabled"`
}

// ZonesYAML configures zone files loaded as an additional local-records
// source, per SPEC_FULL.md's "zone file loading" supplemental feature.
type ZonesYAML struct {
	Directory string   `mapstructure:"directory"`
	Files     []string `mapstructure:"files"`
}

// RewriteRuleYAML is one admin-authored rewrite/block rule.
type RewriteRuleYAML struct {
	ID          string `mapstructure:"id"`
	Pattern     string `mapstructure:"pattern"`
	MatchType   string `mapstructure:"match_type"` // "exact", "wildcard", "regex"
	Action      string `mapstructure:"action"`     // "block", "map_to_ip", "map_to_domain"
	ActionValue string `mapstructure:"action_value"`
	Priority    int    `mapstructure:"priority"`
	Enabled     bool   `mapstructure:"enabled"`
	Description string `mapstructure:"description"`
}

// BlocklistYAML defines one blocklist source fed into the rewrite engine,
// per SPEC_FULL.md's "blocklist ingestion" supplemental feature.
type BlocklistYAML struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"` // "auto", "adblock", "hosts", "domains"
}

// FilteringYAML controls blocklist ingestion.
type FilteringYAML struct {
	Enabled         bool            `mapstructure:"enabled"`
	RefreshInterval string          `mapstructure:"refresh_interval"`
	BasePriority    int             `mapstructure:"base_priority"`
	Blocklists      []BlocklistYAML `mapstructure:"blocklists"`
}

// CacheYAML configures the response cache.
type CacheYAML struct {
	DefaultTTL    string `mapstructure:"default_ttl"`
	MaxTTL        string `mapstructure:"max_ttl"`
	MaxEntries    int    `mapstructure:"max_entries"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

// GlobalYAML holds instance-wide resolution behavior.
type GlobalYAML struct {
	Strategy            string    `mapstructure:"strategy"` // "concurrent", "fastest", "round_robin", "random"
	DisabledRecordTypes []string  `mapstructure:"disabled_record_types"`
	Cache               CacheYAML `mapstructure:"cache"`
	DefaultTTL          uint32    `mapstructure:"default_ttl"`
	PipelineDeadline    string    `mapstructure:"pipeline_deadline"`
	RewriteLoopBudget   int       `mapstructure:"rewrite_loop_budget"`
}

// RateLimitYAML configures the listener supervisor's admission-control
// token buckets; not part of ports.ConfigSnapshot since it governs socket
// admission rather than resolution, but loaded from the same file.
type RateLimitYAML struct {
	CleanupSeconds   float64 `mapstructure:"cleanup_seconds"`
	MaxIPEntries     int     `mapstructure:"max_ip_entries"`
	MaxPrefixEntries int     `mapstructure:"max_prefix_entries"`
	GlobalQPS        float64 `mapstructure:"global_qps"`
	GlobalBurst      int     `mapstructure:"global_burst"`
	PrefixQPS        float64 `mapstructure:"prefix_qps"`
	PrefixBurst      int     `mapstructure:"prefix_burst"`
	IPQPS            float64 `mapstructure:"ip_qps"`
	IPBurst          int     `mapstructure:"ip_burst"`
}

// LoggingYAML configures the structured logger, matching the source
// project's internal/logging.Config field-for-field.
type LoggingYAML struct {
	Level            string            `mapstructure:"level"`
	Structured       bool              `mapstructure:"structured"`
	StructuredFormat string            `mapstructure:"structured_format"`
	IncludePID       bool              `mapstructure:"include_pid"`
	ExtraFields      map[string]string `mapstructure:"extra_fields"`
}

// MetricsYAML configures the Prometheus StatsSink's collector namespace.
type MetricsYAML struct {
	Namespace string `mapstructure:"namespace"`
}

// FileConfig is the root of the YAML configuration file.
type FileConfig struct {
	Listeners []ListenerYAML  `mapstructure:"listeners"`
	Upstreams []UpstreamYAML  `mapstructure:"upstreams"`
	Records   []LocalRecordYAML `mapstructure:"records"`
	Zones     ZonesYAML       `mapstructure:"zones"`
	Rewrite   []RewriteRuleYAML `mapstructure:"rewrite"`
	Filtering FilteringYAML   `mapstructure:"filtering"`
	Global    GlobalYAML      `mapstructure:"global"`
	RateLimit RateLimitYAML   `mapstructure:"rate_limit"`
	Logging   LoggingYAML     `mapstructure:"logging"`
	Metrics   MetricsYAML     `mapstructure:"metrics"`
}

// parseDuration parses s, falling back to def on empty input or a parse
// error.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
