package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydraforge/resolver/internal/ports"
)

// emaAlpha is the smoothing factor for the exponential moving average of
// response time, per spec's fastest-strategy selection.
const emaAlpha = 0.2

// unhealthyThreshold is the number of consecutive failures after which a
// server is marked unhealthy; one success immediately clears it.
const unhealthyThreshold = 3

// member is one upstream server plus its live client and health state.
// Grounded in shape on forwarding_resolver.go's health tracking
// (upstreamFailedAt map), but replaces the 1-hour-timeout recovery model
// with a consecutive-failure counter and EMA response time, per spec.
type member struct {
	srv    ports.UpstreamServer
	client Client

	mu                 sync.Mutex
	emaResponseUs      float64
	hasSample          bool
	consecutiveFailure int
	healthy            bool

	totalQueries atomic.Uint64
	failures     atomic.Uint64
}

func newMember(srv ports.UpstreamServer) (*member, error) {
	c, err := NewClient(srv)
	if err != nil {
		return nil, err
	}
	return &member{srv: srv, client: c, healthy: true}, nil
}

func (m *member) recordResult(elapsed time.Duration, err error) {
	m.totalQueries.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures.Add(1)
		m.consecutiveFailure++
		if m.consecutiveFailure >= unhealthyThreshold {
			m.healthy = false
		}
		return
	}
	m.consecutiveFailure = 0
	m.healthy = true
	us := float64(elapsed.Microseconds())
	if !m.hasSample {
		m.emaResponseUs = us
		m.hasSample = true
	} else {
		m.emaResponseUs = emaAlpha*us + (1-emaAlpha)*m.emaResponseUs
	}
}

func (m *member) snapshot() (emaUs float64, hasSample, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emaResponseUs, m.hasSample, m.healthy
}

func (m *member) stats() ports.UpstreamStatsSnapshot {
	emaUs, _, healthy := m.snapshot()
	return ports.UpstreamStatsSnapshot{
		ServerID:      m.srv.ID,
		TotalQueries:  m.totalQueries.Load(),
		Failures:      m.failures.Load(),
		EMAResponseUs: emaUs,
		Healthy:       healthy,
	}
}

// Pool selects among a set of upstream servers according to a
// ports.Strategy and dispatches queries to the chosen one(s).
type Pool struct {
	strategy ports.Strategy
	members  []*member
	rrIndex  atomic.Uint64
}

// NewPool builds a Pool from the enabled servers in servers, connecting a
// Client for each. Disabled servers are skipped entirely.
func NewPool(strategy ports.Strategy, servers []ports.UpstreamServer) (*Pool, error) {
	p := &Pool{strategy: strategy}
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		m, err := newMember(srv)
		if err != nil {
			return nil, fmt.Errorf("upstream pool: building client for %s: %w", srv.Name, err)
		}
		p.members = append(p.members, m)
	}
	if len(p.members) == 0 {
		return nil, errors.New("upstream pool: no enabled upstream servers configured")
	}
	return p, nil
}

// Close closes every member's client.
func (p *Pool) Close() error {
	var firstErr error
	for _, m := range p.members {
		if err := m.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports a snapshot per upstream server.
func (p *Pool) Stats() []ports.UpstreamStatsSnapshot {
	out := make([]ports.UpstreamStatsSnapshot, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m.stats())
	}
	return out
}

// Resolve dispatches queryBytes according to the pool's strategy and
// returns the first successful raw wire-format answer.
func (p *Pool) Resolve(ctx context.Context, queryBytes []byte) ([]byte, error) {
	resp, _, err := p.ResolveFrom(ctx, queryBytes)
	return resp, err
}

// ResolveFrom is Resolve plus the name of the upstream server that
// produced the answer, for query-event logging.
func (p *Pool) ResolveFrom(ctx context.Context, queryBytes []byte) ([]byte, string, error) {
	switch p.strategy {
	case ports.StrategyFastest:
		return p.resolveFastest(ctx, queryBytes)
	case ports.StrategyRoundRobin:
		return p.resolveRoundRobin(ctx, queryBytes)
	case ports.StrategyRandom:
		return p.resolveRandom(ctx, queryBytes)
	default:
		return p.resolveConcurrent(ctx, queryBytes)
	}
}

// queryMember issues one query against m, timing it for EMA purposes and
// updating health state. Both NOERROR and NXDOMAIN responses count as
// successes here; only transport-level failures count against health. A
// positive m.srv.Timeout bounds the request independently of ctx's own
// deadline, per spec's per-server timeout requirement.
func (p *Pool) queryMember(ctx context.Context, m *member, queryBytes []byte) ([]byte, error) {
	if m.srv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.srv.Timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := m.client.Resolve(ctx, queryBytes)
	m.recordResult(time.Since(start), err)
	return resp, err
}

// healthyMembers returns the subset of p.members currently marked
// healthy, falling back to the full set when none are healthy so a pool
// with every server flagged down still attempts a query instead of
// failing outright with no candidates.
func (p *Pool) healthyMembers() []*member {
	healthy := make([]*member, 0, len(p.members))
	for _, m := range p.members {
		if _, _, ok := m.snapshot(); ok {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) == 0 {
		return p.members
	}
	return healthy
}

// resolveConcurrent fires the query at every healthy enabled member
// simultaneously and returns the first response to complete, regardless
// of its DNS response code — a NOERROR-zero-answers or NXDOMAIN reply is
// as much a "win" as a populated NOERROR. Remaining in-flight queries are
// cancelled.
func (p *Pool) resolveConcurrent(ctx context.Context, queryBytes []byte) ([]byte, string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	members := p.healthyMembers()

	type outcome struct {
		resp []byte
		name string
		err  error
	}
	results := make(chan outcome, len(members))
	for _, m := range members {
		m := m
		go func() {
			resp, err := p.queryMember(ctx, m, queryBytes)
			results <- outcome{resp, m.srv.Name, err}
		}()
	}

	var lastErr error
	for range members {
		o := <-results
		if o.err == nil {
			return o.resp, o.name, nil
		}
		lastErr = o.err
	}
	return nil, "", fmt.Errorf("upstream pool: all upstreams failed: %w", lastErr)
}

// resolveFastest prefers the healthy member with the lowest EMA response
// time. If no member has a sample yet it falls back to the concurrent
// strategy to gather initial timing data.
func (p *Pool) resolveFastest(ctx context.Context, queryBytes []byte) ([]byte, string, error) {
	var best *member
	var bestEma float64
	for _, m := range p.members {
		ema, hasSample, healthy := m.snapshot()
		if !healthy || !hasSample {
			continue
		}
		if best == nil || ema < bestEma {
			best = m
			bestEma = ema
		}
	}
	if best == nil {
		return p.resolveConcurrent(ctx, queryBytes)
	}
	resp, err := p.queryMember(ctx, best, queryBytes)
	if err == nil {
		return resp, best.srv.Name, nil
	}
	return p.resolveConcurrent(ctx, queryBytes)
}

// resolveRoundRobin advances an atomic index modulo the healthy-server
// count, retrying up to min(3, poolSize) times on failure.
func (p *Pool) resolveRoundRobin(ctx context.Context, queryBytes []byte) ([]byte, string, error) {
	members := p.healthyMembers()
	budget := min(3, len(members))
	var lastErr error
	for range budget {
		idx := int((p.rrIndex.Add(1) - 1)) % len(members)
		m := members[idx]
		resp, err := p.queryMember(ctx, m, queryBytes)
		if err == nil {
			return resp, m.srv.Name, nil
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("upstream pool: round-robin exhausted retries: %w", lastErr)
}

// resolveRandom picks a uniformly random healthy member, retrying once
// against a second, distinct member on failure.
func (p *Pool) resolveRandom(ctx context.Context, queryBytes []byte) ([]byte, string, error) {
	members := p.healthyMembers()
	idx := rand.IntN(len(members))
	m := members[idx]
	resp, err := p.queryMember(ctx, m, queryBytes)
	if err == nil {
		return resp, m.srv.Name, nil
	}
	if len(members) == 1 {
		return nil, "", err
	}
	idx2 := (idx + 1 + rand.IntN(len(members)-1)) % len(members)
	m2 := members[idx2]
	resp2, err2 := p.queryMember(ctx, m2, queryBytes)
	if err2 == nil {
		return resp2, m2.srv.Name, nil
	}
	return nil, "", fmt.Errorf("upstream pool: random strategy exhausted retry: %w", err2)
}
