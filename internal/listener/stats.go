package listener

import (
	"sync/atomic"

	"github.com/hydraforge/resolver/internal/ports"
)

// protocolStats counts queries served by one protocol front-end.
// Grounded on server/stats.go's DNSStats, narrowed to the one counter
// ports.ListenerStatsSnapshot needs (per-protocol query counts; latency
// and rcode breakdowns are carried per-query through ports.QueryEvent via
// LogSink instead of re-aggregated here).
type protocolStats struct {
	protocol ports.Protocol
	queries  atomic.Uint64
}

func (s *protocolStats) record() {
	if s == nil {
		return
	}
	s.queries.Add(1)
}

func (s *protocolStats) snapshot() ports.ListenerStatsSnapshot {
	return ports.ListenerStatsSnapshot{Protocol: s.protocol, Queries: s.queries.Load()}
}
