// Package pipeline wires the resolver's fixed resolution order: disabled
// record types, then local records, then rewrite rules, then the response
// cache, then the upstream pool. Each query runs this exact sequence;
// there is no pluggable chain.
package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hydraforge/resolver/internal/cache"
	"github.com/hydraforge/resolver/internal/dns"
	"github.com/hydraforge/resolver/internal/localrecords"
	"github.com/hydraforge/resolver/internal/ports"
	"github.com/hydraforge/resolver/internal/rewrite"
)

// Resolver is the subset of upstream.Pool the pipeline depends on, kept as
// an interface so tests can substitute a fake. ResolveFrom additionally
// reports which upstream server produced the answer, for query-event
// logging and Outcome.Upstream.
type Resolver interface {
	ResolveFrom(ctx context.Context, queryBytes []byte) ([]byte, string, error)
}

// defaultLoopBudget bounds map-to-domain rewrite chains when
// GlobalSettings.RewriteLoopBudget is unset.
const defaultLoopBudget = 4

// defaultDeadline bounds total pipeline time when
// GlobalSettings.PipelineDeadline is unset.
const defaultDeadline = 8 * time.Second

// Pipeline resolves parsed DNS requests against local records, rewrite
// rules, the cache, and an upstream pool, in that fixed order.
type Pipeline struct {
	Local   *localrecords.Store
	Rewrite *rewrite.Engine
	Cache   *cache.Cache
	Pool    Resolver

	Settings ports.GlobalSettings
}

// Outcome describes how a query was resolved, for logging and stats.
type Outcome struct {
	ResponseBytes []byte
	CacheHit      bool
	RewriteRuleID string
	Upstream      string
	ResponseCode  string
}

// Handle resolves req (already parsed and bounds-checked by the caller)
// and returns the wire-format response.
func (p *Pipeline) Handle(ctx context.Context, req dns.Packet, reqBytes []byte) (Outcome, error) {
	deadline := p.Settings.PipelineDeadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	q := req.Questions[0]
	qTypeName := recordTypeName(q.Type)

	if _, disabled := p.Settings.DisabledRecordTypes[qTypeName]; disabled {
		return p.errorOutcome(req, dns.RCodeNXDomain), nil
	}

	budget := p.Settings.RewriteLoopBudget
	if budget <= 0 {
		budget = defaultLoopBudget
	}

	currentName := q.Name
	var chain []string // intermediate names visited via map-to-domain, for CNAME synthesis
	var firedRuleID string

	for hop := 0; ; hop++ {
		if records, nameExists := p.Local.Lookup(currentName, qTypeName); nameExists {
			return p.localOutcome(req, currentName, chain, records)
		}

		m := p.Rewrite.Evaluate(currentName)
		if !m.Matched {
			break
		}
		firedRuleID = m.RuleID
		switch m.Action {
		case ports.ActionBlock:
			o := p.errorOutcome(req, dns.RCodeNXDomain)
			o.RewriteRuleID = firedRuleID
			return o, nil
		case ports.ActionMapToIP:
			rec := ports.LocalRecord{Name: currentName, Type: ipRecordType(m.ActionValue), Value: m.ActionValue, TTL: p.Settings.DefaultTTL, Enabled: true}
			out, err := p.localOutcome(req, currentName, chain, []ports.LocalRecord{rec})
			out.RewriteRuleID = firedRuleID
			return out, err
		case ports.ActionMapToDomain:
			if hop >= budget {
				o := p.errorOutcome(req, dns.RCodeServFail)
				o.RewriteRuleID = firedRuleID
				return o, nil
			}
			chain = append(chain, currentName)
			currentName = dns.NormalizeName(m.ActionValue)
			continue
		default:
			break
		}
		break
	}

	return p.resolveUpstream(ctx, req, reqBytes, currentName, chain, firedRuleID)
}

// ipRecordType reports "A" or "AAAA" depending on whether value parses as
// an IPv4 or IPv6 literal; map-to-ip rules only ever carry an IP literal.
func ipRecordType(value string) string {
	for i := range len(value) {
		if value[i] == ':' {
			return "AAAA"
		}
	}
	return "A"
}

// localOutcome builds a positive NOERROR response from locally-sourced
// records (local-record store or a map-to-ip rewrite), prefixing a CNAME
// for every map-to-domain hop recorded in chain.
func (p *Pipeline) localOutcome(req dns.Packet, finalName string, chain []string, records []ports.LocalRecord) (Outcome, error) {
	if len(records) == 0 {
		// Name is local but has no data of this type: NODATA.
		return p.buildOutcome(req, dns.RCodeNoError, nil), nil
	}
	answers, err := localrecords.ToRecords(finalName, records[0].TTL, records)
	if err != nil {
		return p.buildOutcome(req, dns.RCodeServFail, nil), fmt.Errorf("pipeline: building local answer: %w", err)
	}
	answers = append(cnameChain(req.Questions[0].Name, chain, finalName, p.Settings.DefaultTTL), answers...)
	return p.buildOutcome(req, dns.RCodeNoError, answers), nil
}

// cnameChain synthesizes one CNAME record per map-to-domain hop so a
// recursive-style client sees the full redirect chain from the originally
// queried name down to the name that was actually answered.
func cnameChain(original string, chain []string, finalName string, ttl uint32) []dns.Record {
	if len(chain) == 0 {
		return nil
	}
	hops := append(append([]string{}, chain...), finalName)
	out := make([]dns.Record, 0, len(hops))
	from := original
	for _, to := range hops {
		if from == to {
			continue
		}
		out = append(out, dns.NewCNAMERecord(dns.NewRRHeader(from, dns.ClassIN, ttl), to))
		from = to
	}
	return out
}

// errorOutcome builds a response carrying rcode and no answer records.
func (p *Pipeline) errorOutcome(req dns.Packet, rcode dns.RCode) Outcome {
	return p.buildOutcome(req, rcode, nil)
}

func (p *Pipeline) buildOutcome(req dns.Packet, rcode dns.RCode, answers []dns.Record) Outcome {
	resp := dns.BuildErrorResponse(req, uint16(rcode))
	resp.Answers = answers
	b, err := resp.Marshal()
	if err != nil {
		b, _ = dns.BuildErrorResponse(req, uint16(dns.RCodeServFail)).Marshal()
		return Outcome{ResponseBytes: b, ResponseCode: recordCodeName(dns.RCodeServFail)}
	}
	return Outcome{ResponseBytes: b, ResponseCode: recordCodeName(rcode)}
}

// resolveUpstream consults the cache, falling through to the upstream
// pool (via single-flight dispatch) on a miss.
func (p *Pipeline) resolveUpstream(ctx context.Context, req dns.Packet, reqBytes []byte, queryName string, chain []string, ruleID string) (Outcome, error) {
	q := req.Questions[0]
	fp := cache.NewFingerprint(queryName, q.Type, q.Class)
	txid := req.Header.ID

	if resp, ok := p.Cache.Lookup(fp, txid); ok {
		resp, err := rewriteResponseName(resp, req, chain, queryName)
		if err != nil {
			return Outcome{}, err
		}
		rcode := responseRCode(resp)
		return Outcome{ResponseBytes: resp, CacheHit: true, RewriteRuleID: ruleID, ResponseCode: recordCodeName(rcode)}, nil
	}

	queryBytes, err := buildQuery(req, reqBytes, queryName)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: building upstream query: %w", err)
	}

	var servedBy string
	resp, err, leader := p.Cache.Dispatch(ctx, fp, func(ctx context.Context) ([]byte, error) {
		r, srv, err := p.Pool.ResolveFrom(ctx, queryBytes)
		servedBy = srv
		return r, err
	})
	if err != nil {
		return p.errorOutcome(req, dns.RCodeServFail), nil
	}

	if leader {
		if ttl := cacheableTTL(resp, p.Settings.Cache.DefaultTTL); ttl > 0 {
			maxTTL := p.Settings.Cache.MaxTTL
			if maxTTL > 0 && ttl > maxTTL {
				ttl = maxTTL
			}
			p.Cache.Insert(fp, resp, ttl)
		}
	}

	out, err := rewriteResponseName(resp, req, chain, queryName)
	if err != nil {
		return Outcome{}, err
	}
	rcode := responseRCode(out)
	return Outcome{ResponseBytes: out, RewriteRuleID: ruleID, Upstream: servedBy, ResponseCode: recordCodeName(rcode)}, nil
}

// buildQuery returns the bytes to send upstream: reqBytes unchanged when
// no rewrite redirected the query (preserving any EDNS additionals the
// client sent), or a re-encoded packet with the question name replaced by
// queryName when a map-to-domain rewrite fired.
func buildQuery(req dns.Packet, reqBytes []byte, queryName string) ([]byte, error) {
	if queryName == req.Questions[0].Name {
		return reqBytes, nil
	}
	q := req
	q.Questions = []dns.Question{{Name: queryName, Type: req.Questions[0].Type, Class: req.Questions[0].Class}}
	return q.Marshal()
}

// rewriteResponseName patches the transaction id to match req and, for a
// rewritten query, restores the client's original question name and
// prefixes the CNAME chain that got it there.
func rewriteResponseName(resp []byte, req dns.Packet, chain []string, finalName string) ([]byte, error) {
	patched := patchTransactionID(resp, req.Header.ID)
	if len(chain) == 0 && finalName == req.Questions[0].Name {
		return patched, nil
	}
	parsed, err := dns.ParsePacket(patched)
	if err != nil {
		return patched, nil // best effort: return the upstream bytes unmodified
	}
	prefix := cnameChain(req.Questions[0].Name, chain, finalName, defaultSyntheticTTL(parsed.Answers))
	parsed.Answers = append(prefix, parsed.Answers...)
	parsed.Questions = req.Questions
	out, err := parsed.Marshal()
	if err != nil {
		return patched, nil
	}
	return out, nil
}

func defaultSyntheticTTL(answers []dns.Record) uint32 {
	if len(answers) == 0 {
		return 300
	}
	return answers[0].Header().TTL
}

func patchTransactionID(msg []byte, txid uint16) []byte {
	if len(msg) < 2 {
		return msg
	}
	if msg[0] == byte(txid>>8) && msg[1] == byte(txid) {
		return msg
	}
	out := make([]byte, len(msg))
	copy(out, msg)
	out[0] = byte(txid >> 8)
	out[1] = byte(txid)
	return out
}

func responseRCode(resp []byte) dns.RCode {
	if len(resp) < 4 {
		return dns.RCodeServFail
	}
	flags := binary.BigEndian.Uint16(resp[2:4])
	return dns.RCodeFromFlags(flags)
}

// cacheableTTL decides whether resp should be cached and for how long.
// Only NOERROR (positive, using the minimum answer TTL) and NXDOMAIN
// responses are cached; SERVFAIL and everything else are not. NXDOMAIN
// carries no answer records to derive a TTL from, so it uses defaultTTL
// rather than the answer's own TTL (RFC 2308 SOA-minimum extraction from
// the authority section is out of scope here).
func cacheableTTL(resp []byte, defaultTTL time.Duration) time.Duration {
	p, err := dns.ParsePacket(resp)
	if err != nil {
		return 0
	}
	rcode := dns.RCodeFromFlags(p.Header.Flags)
	switch rcode {
	case dns.RCodeNoError:
		if len(p.Answers) == 0 {
			return 0
		}
		ttl := cache.MinTTL(p.Answers)
		if ttl == 0 {
			return 0
		}
		return time.Duration(ttl) * time.Second
	case dns.RCodeNXDomain:
		if defaultTTL <= 0 {
			defaultTTL = 300 * time.Second
		}
		return defaultTTL
	default:
		return 0
	}
}
