package logging

import (
	"log/slog"

	"github.com/hydraforge/resolver/internal/ports"
)

// SlogSink implements ports.LogSink over a *slog.Logger, logging one
// structured record per resolved query with the fields spec.md §6
// specifies. Grounded on the source project's debug-level per-query
// logging in server/query_handler.go, generalized from an ad hoc debug
// line into the QueryEvent record shape the core now emits unconditionally.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger. A nil logger falls back to slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// LogQuery implements ports.LogSink.
func (s *SlogSink) LogQuery(ev ports.QueryEvent) {
	s.logger.Info("query",
		slog.String("trace_id", ev.TraceID),
		slog.Time("arrival_time", ev.ArrivalTime),
		slog.String("client_address", ev.ClientAddress),
		slog.String("question_name", ev.QuestionName),
		slog.String("question_type", ev.QuestionType),
		slog.String("response_code", ev.ResponseCode),
		slog.Int64("response_time_us", ev.ResponseTimeUs),
		slog.Bool("cache_hit", ev.CacheHit),
		slog.String("upstream_used", ev.UpstreamUsed),
		slog.String("rewrite_rule_id", ev.RewriteRuleID),
		slog.Int("bytes_in", ev.BytesIn),
		slog.Int("bytes_out", ev.BytesOut),
	)
}

var _ ports.LogSink = (*SlogSink)(nil)
