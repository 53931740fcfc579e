// Package listener implements the resolver's protocol front-ends (UDP,
// DoT, DoH, DoQ) and the supervisor that starts/stops them as the active
// ports.ConfigSnapshot changes. Each front-end parses a wire request,
// hands it to the shared query handler (which drives the resolution
// pipeline), and writes back the framed response in whatever shape that
// transport requires.
package listener

import (
	"context"
	"log/slog"
	"time"

	"github.com/hydraforge/resolver/internal/dns"
	"github.com/hydraforge/resolver/internal/pipeline"
	"github.com/hydraforge/resolver/internal/ports"
)

// Pipeline is the subset of *pipeline.Pipeline the handler depends on,
// kept as an interface so tests can substitute a fake.
type Pipeline interface {
	Handle(ctx context.Context, req dns.Packet, reqBytes []byte) (pipeline.Outcome, error)
}

// QueryHandler parses a raw request, drives it through the pipeline under
// a timeout, and emits one QueryEvent per query. Grounded on
// server/query_handler.go's parse/resolve/log shape, adapted from the
// resolvers.Resolver contract to pipeline.Pipeline's Outcome-returning one.
type QueryHandler struct {
	Logger   *slog.Logger
	Pipeline Pipeline
	LogSink  ports.LogSink
	Timeout  time.Duration
}

// HandleResult is what a transport front-end needs to write its response.
type HandleResult struct {
	ResponseBytes []byte
	Parsed        dns.Packet
	ParsedOK      bool
}

// Handle parses reqBytes, resolves it, and logs a QueryEvent. transport is
// "udp", "tcp", "dot", "doh", or "doq"; src is the
// client's address string for logging.
func (h *QueryHandler) Handle(ctx context.Context, transport, src string, reqBytes []byte) HandleResult {
	arrival := time.Now()

	parsed, err := dns.ParseRequestBounded(reqBytes)
	if err != nil {
		resp := tryBuildErrorFromRaw(reqBytes, uint16(dns.RCodeFormErr))
		h.logEvent(arrival, src, "", "", "FORMERR", false, "", "", len(reqBytes), len(resp))
		return HandleResult{ResponseBytes: resp}
	}

	qname, qtype := extractQuestionInfo(parsed)
	out, err := h.resolveWithTimeout(ctx, parsed, reqBytes)
	if err != nil {
		resp := mustMarshal(dns.BuildErrorResponse(parsed, uint16(dns.RCodeServFail)))
		h.logEvent(arrival, src, qname, qtype, "SERVFAIL", false, "", "", len(reqBytes), len(resp))
		return HandleResult{ResponseBytes: resp, Parsed: parsed, ParsedOK: true}
	}

	h.logEvent(arrival, src, qname, qtype, out.ResponseCode, out.CacheHit, out.Upstream, out.RewriteRuleID, len(reqBytes), len(out.ResponseBytes))
	return HandleResult{ResponseBytes: out.ResponseBytes, Parsed: parsed, ParsedOK: true}
}

func (h *QueryHandler) resolveWithTimeout(ctx context.Context, parsed dns.Packet, reqBytes []byte) (pipeline.Outcome, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.Pipeline.Handle(ctx, parsed, reqBytes)
}

func (h *QueryHandler) logEvent(arrival time.Time, src, qname, qtype, rcode string, cacheHit bool, upstream, ruleID string, bytesIn, bytesOut int) {
	if h.Logger != nil && h.Logger.Enabled(context.Background(), slog.LevelDebug) {
		h.Logger.Debug("dns query", "src", src, "qname", qname, "qtype", qtype, "rcode", rcode, "cache_hit", cacheHit, "upstream", upstream, "rule", ruleID)
	}
	if h.LogSink == nil {
		return
	}
	h.LogSink.LogQuery(ports.QueryEvent{
		ArrivalTime:    arrival,
		ClientAddress:  src,
		QuestionName:   qname,
		QuestionType:   qtype,
		ResponseCode:   rcode,
		ResponseTimeUs: time.Since(arrival).Microseconds(),
		CacheHit:       cacheHit,
		UpstreamUsed:   upstream,
		RewriteRuleID:  ruleID,
		BytesIn:        bytesIn,
		BytesOut:       bytesOut,
	})
}

func extractQuestionInfo(parsed dns.Packet) (name string, typeName string) {
	if len(parsed.Questions) == 0 {
		return "<no-question>", ""
	}
	q := parsed.Questions[0]
	return q.Name, pipeline.RecordTypeName(q.Type)
}

func mustMarshal(p dns.Packet) []byte {
	b, err := p.Marshal()
	if err != nil {
		return nil
	}
	return b
}

// tryBuildErrorFromRaw attempts to construct a FORMERR response from raw
// bytes when the request failed to parse past the header/question.
func tryBuildErrorFromRaw(reqBytes []byte, rcode uint16) []byte {
	off := 0
	hdr, err := dns.ParseHeader(reqBytes, &off)
	if err != nil {
		return nil
	}
	var questions []dns.Question
	if hdr.QDCount > 0 {
		if q, err := dns.ParseQuestion(reqBytes, &off); err == nil {
			questions = []dns.Question{q}
		}
	}
	p := dns.Packet{Header: dns.Header{ID: hdr.ID, Flags: hdr.Flags}, Questions: questions}
	b, _ := dns.BuildErrorResponse(p, rcode).Marshal()
	return b
}
