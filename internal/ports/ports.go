// Package ports defines the boundary between the resolver engine and its
// external collaborators: configuration, logging, and stats delivery. The
// admin API and its persistence layer live outside this module and talk to
// the engine exclusively through these interfaces.
package ports

import (
	"crypto/tls"
	"time"
)

// Protocol identifies a DNS transport.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolDoT
	ProtocolDoH
	ProtocolDoQ
)

// String returns the wire-visible name of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolDoT:
		return "dot"
	case ProtocolDoH:
		return "doh"
	case ProtocolDoQ:
		return "doq"
	default:
		return "unknown"
	}
}

// Strategy selects how the upstream pool picks a server for a query.
type Strategy int

const (
	StrategyConcurrent Strategy = iota
	StrategyFastest
	StrategyRoundRobin
	StrategyRandom
)

// MatchType identifies how a RewriteRule's pattern is compared to a name.
type MatchType int

const (
	MatchExact MatchType = iota
	MatchWildcard
	MatchRegex
)

// RewriteAction identifies what a matching RewriteRule does.
type RewriteAction int

const (
	ActionBlock RewriteAction = iota
	ActionMapToIP
	ActionMapToDomain
)

// UpstreamServer is an admin-managed upstream DNS server entry.
type UpstreamServer struct {
	ID          string
	Name        string
	Protocol    Protocol
	Address     string // host:port or URL for DoH
	Timeout     time.Duration
	Enabled     bool
	ServerName  string // TLS SNI / DoH Host override; defaults to Address host
	InsecureTLS bool   // skip certificate verification (testing only)
}

// RewriteRule is an admin-managed rewrite/block rule.
type RewriteRule struct {
	ID          string
	Pattern     string
	MatchType   MatchType
	Action      RewriteAction
	ActionValue string
	Priority    int
	Enabled     bool
	Description string
}

// LocalRecord is an admin-managed record answered authoritatively by this
// instance without consulting any upstream.
type LocalRecord struct {
	Name    string // may begin with "*." for a wildcard
	Type    string // "A", "AAAA", "CNAME", "MX", "TXT", "NS", "PTR", "SRV"; localrecords.ToRecords rejects any other type, SOA included
	Value   string
	TTL     uint32
	Enabled bool
}

// ListenerConfig describes one socket-level listener.
type ListenerConfig struct {
	Protocol    Protocol
	BindAddress string
	Port        int
	Enabled     bool
	TLSCertPEM  []byte
	TLSKeyPEM   []byte
}

// TLSConfig builds a *tls.Config for this listener, or nil if no
// certificate material is present.
func (l ListenerConfig) TLSConfig(nextProtos ...string) (*tls.Config, error) {
	if len(l.TLSCertPEM) == 0 || len(l.TLSKeyPEM) == 0 {
		return nil, nil
	}
	cert, err := tls.X509KeyPair(l.TLSCertPEM, l.TLSKeyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: nextProtos, MinVersion: tls.VersionTLS12}, nil
}

// CacheSettings configures the response cache.
type CacheSettings struct {
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	MaxEntries     int
	SweepInterval  time.Duration
}

// GlobalSettings holds instance-wide resolution behavior.
type GlobalSettings struct {
	Strategy            Strategy
	DisabledRecordTypes  map[string]struct{}
	Cache                CacheSettings
	DefaultTTL           uint32 // used by rewrite map-to-ip synthesis
	PipelineDeadline     time.Duration
	RewriteLoopBudget    int
}

// ConfigSnapshot is an immutable view of everything the resolver engine
// needs to run: listeners, upstreams, local records, rewrite rules, and
// global settings. Snapshots are published atomically; in-flight queries
// complete against the snapshot they captured.
type ConfigSnapshot struct {
	Listeners    []ListenerConfig
	Upstreams    []UpstreamServer
	LocalRecords []LocalRecord
	RewriteRules []RewriteRule
	Settings     GlobalSettings
	Version      uint64
}

// Subscription is returned by ConfigProvider.Subscribe; Unsubscribe stops
// delivery of further snapshots to the associated callback.
type Subscription interface {
	Unsubscribe()
}

// ConfigProvider is consumed by the core to obtain and watch configuration.
// Its implementation (and the admin API that drives it) lives outside this
// module.
type ConfigProvider interface {
	Current() ConfigSnapshot
	Subscribe(func(ConfigSnapshot)) Subscription
}

// QueryEvent is one structured log record per resolved query, per spec §6.
type QueryEvent struct {
	TraceID        string
	ArrivalTime    time.Time
	ClientAddress  string
	QuestionName   string
	QuestionType   string
	ResponseCode   string
	ResponseTimeUs int64
	CacheHit       bool
	UpstreamUsed   string // server name, empty if none
	RewriteRuleID  string // empty if no rewrite applied
	BytesIn        int
	BytesOut       int
}

// LogSink receives one event per resolved query.
type LogSink interface {
	LogQuery(QueryEvent)
}

// UpstreamStatsSnapshot is a point-in-time view of one upstream's counters.
type UpstreamStatsSnapshot struct {
	ServerID      string
	TotalQueries  uint64
	Failures      uint64
	EMAResponseUs float64
	Healthy       bool
}

// CacheStatsSnapshot is a point-in-time view of the cache's counters.
type CacheStatsSnapshot struct {
	Hits    uint64
	Misses  uint64
	Entries int
	HitRate float64
}

// ListenerStatsSnapshot counts queries served per protocol.
type ListenerStatsSnapshot struct {
	Protocol Protocol
	Queries  uint64
}

// StatsSink receives periodic pushes of operational counters.
type StatsSink interface {
	PushUpstreamStats([]UpstreamStatsSnapshot)
	PushCacheStats(CacheStatsSnapshot)
	PushListenerStats([]ListenerStatsSnapshot)
}
