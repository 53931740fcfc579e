package config

import (
	"os"
	"strings"
	"time"

	"github.com/hydraforge/resolver/internal/ports"
	"github.com/hydraforge/resolver/internal/zone"
)

// toSnapshot converts a parsed FileConfig plus the current blocklist feeder
// output into a ports.ConfigSnapshot. version is stamped onto the result so
// subscribers can detect which generation they are holding.
func toSnapshot(fc FileConfig, blocklistRules []ports.RewriteRule, version uint64) ports.ConfigSnapshot {
	snap := ports.ConfigSnapshot{
		Listeners:    toListeners(fc.Listeners),
		Upstreams:    toUpstreams(fc.Upstreams),
		LocalRecords: toLocalRecords(fc),
		RewriteRules: toRewriteRules(fc.Rewrite, blocklistRules),
		Settings:     toGlobalSettings(fc.Global),
		Version:      version,
	}
	return snap
}

func toListeners(in []ListenerYAML) []ports.ListenerConfig {
	out := make([]ports.ListenerConfig, 0, len(in))
	for _, l := range in {
		cfg := ports.ListenerConfig{
			Protocol:    parseProtocol(l.Protocol),
			BindAddress: l.BindAddress,
			Port:        l.Port,
			Enabled:     l.Enabled,
		}
		if l.TLSCertFile != "" && l.TLSKeyFile != "" {
			if cert, err := os.ReadFile(l.TLSCertFile); err == nil {
				cfg.TLSCertPEM = cert
			}
			if key, err := os.ReadFile(l.TLSKeyFile); err == nil {
				cfg.TLSKeyPEM = key
			}
		}
		out = append(out, cfg)
	}
	return out
}

func parseProtocol(s string) ports.Protocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dot":
		return ports.ProtocolDoT
	case "doh":
		return ports.ProtocolDoH
	case "doq":
		return ports.ProtocolDoQ
	default:
		return ports.ProtocolUDP
	}
}

func toUpstreams(in []UpstreamYAML) []ports.UpstreamServer {
	out := make([]ports.UpstreamServer, 0, len(in))
	for _, u := range in {
		out = append(out, ports.UpstreamServer{
			ID:          u.ID,
			Name:        u.Name,
			Protocol:    parseProtocol(u.Protocol),
			Address:     u.Address,
			Timeout:     parseDuration(u.Timeout, 3*time.Second),
			Enabled:     u.Enabled,
			ServerName:  u.ServerName,
			InsecureTLS: u.InsecureTLS,
		})
	}
	return out
}

// toLocalRecords merges admin-authored records with the records produced
// by loading every configured zone file, per SPEC_FULL.md's "zone file
// loading" supplemental feature: a zone file is one possible source that
// populates the same local-records store admin records populate.
func toLocalRecords(fc FileConfig) []ports.LocalRecord {
	out := make([]ports.LocalRecord, 0, len(fc.Records))
	for _, r := range fc.Records {
		out = append(out, ports.LocalRecord{
			Name:    r.Name,
			Type:    strings.ToUpper(r.Type),
			Value:   r.Value,
			TTL:     r.TTL,
			Enabled: r.Enabled,
		})
	}

	for _, path := range zoneFilePaths(fc.Zones) {
		z, err := zone.LoadFile(path)
		if err != nil {
			continue
		}
		out = append(out, z.ToLocalRecords()...)
	}
	return out
}

func zoneFilePaths(z ZonesYAML) []string {
	paths := append([]string{}, z.Files...)
	if z.Directory == "" {
		return paths
	}
	discovered, err := zone.DiscoverZoneFiles(z.Directory)
	if err != nil {
		return paths
	}
	return append(paths, discovered...)
}

// toRewriteRules merges admin-authored rewrite rules with the feeder's
// blocklist-derived rules. rewrite.Engine sorts the merged set by
// ascending priority (lower runs first), so admin rules win over a
// blocklist entry for the same name as long as they're given a lower
// priority than filtering.base_priority (the feeder's default is a large
// number specifically so ordinary admin priorities sort ahead of it).
func toRewriteRules(admin []RewriteRuleYAML, blocklistRules []ports.RewriteRule) []ports.RewriteRule {
	out := make([]ports.RewriteRule, 0, len(admin)+len(blocklistRules))
	for _, r := range admin {
		out = append(out, ports.RewriteRule{
			ID:          r.ID,
			Pattern:     r.Pattern,
			MatchType:   parseMatchType(r.MatchType),
			Action:      parseAction(r.Action),
			ActionValue: r.ActionValue,
			Priority:    r.Priority,
			Enabled:     r.Enabled,
			Description: r.Description,
		})
	}
	out = append(out, blocklistRules...)
	return out
}

func parseMatchType(s string) ports.MatchType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wildcard":
		return ports.MatchWildcard
	case "regex":
		return ports.MatchRegex
	default:
		return ports.MatchExact
	}
}

func parseAction(s string) ports.RewriteAction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "map_to_ip":
		return ports.ActionMapToIP
	case "map_to_domain":
		return ports.ActionMapToDomain
	default:
		return ports.ActionBlock
	}
}

func toGlobalSettings(g GlobalYAML) ports.GlobalSettings {
	disabled := make(map[string]struct{}, len(g.DisabledRecordTypes))
	for _, t := range g.DisabledRecordTypes {
		disabled[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return ports.GlobalSettings{
		Strategy:            parseStrategy(g.Strategy),
		DisabledRecordTypes: disabled,
		Cache: ports.CacheSettings{
			DefaultTTL:    parseDuration(g.Cache.DefaultTTL, 5*time.Minute),
			MaxTTL:        parseDuration(g.Cache.MaxTTL, 24*time.Hour),
			MaxEntries:    g.Cache.MaxEntries,
			SweepInterval: parseDuration(g.Cache.SweepInterval, time.Minute),
		},
		DefaultTTL:        g.DefaultTTL,
		PipelineDeadline:  parseDuration(g.PipelineDeadline, 2*time.Second),
		RewriteLoopBudget: g.RewriteLoopBudget,
	}
}

func parseStrategy(s string) ports.Strategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fastest":
		return ports.StrategyFastest
	case "round_robin":
		return ports.StrategyRoundRobin
	case "random":
		return ports.StrategyRandom
	default:
		return ports.StrategyConcurrent
	}
}
