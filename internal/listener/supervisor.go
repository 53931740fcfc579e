package listener

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydraforge/resolver/internal/cache"
	"github.com/hydraforge/resolver/internal/dns"
	"github.com/hydraforge/resolver/internal/localrecords"
	"github.com/hydraforge/resolver/internal/pipeline"
	"github.com/hydraforge/resolver/internal/ports"
	"github.com/hydraforge/resolver/internal/rewrite"
	"github.com/hydraforge/resolver/internal/upstream"
)

// listenerState is a protocol front-end's lifecycle state. Transitions are
// serialized per protocol: Stopped -> Starting -> Running -> Stopping ->
// Stopped, with Failed reachable from Starting on bind/TLS error.
type listenerState int32

const (
	stateStopped listenerState = iota
	stateStarting
	stateRunning
	stateStopping
	stateFailed
)

func (s listenerState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// frontend is what every protocol listener (UDP/TCP/DoH/DoQ) implements.
type frontend interface {
	Run(ctx context.Context, addr string) error
	Stop(timeout time.Duration) error
}

// runningListener tracks one started front-end and its lifecycle state.
type runningListener struct {
	cfg    ports.ListenerConfig
	front  frontend
	stats  *protocolStats
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *runningListener) setState(s listenerState) { r.state.Store(int32(s)) }
func (r *runningListener) getState() listenerState  { return listenerState(r.state.Load()) }

// pipelineHolder lets the shared QueryHandler reference one stable
// listener.Pipeline value while the supervisor swaps the underlying
// *pipeline.Pipeline atomically whenever a new ConfigSnapshot arrives,
// matching the concurrency model's rule that the resolver holds an
// immutable snapshot and publishes updates atomically.
type pipelineHolder struct {
	p atomic.Pointer[pipeline.Pipeline]
}

func (h *pipelineHolder) Handle(ctx context.Context, req dns.Packet, reqBytes []byte) (pipeline.Outcome, error) {
	p := h.p.Load()
	if p == nil {
		return pipeline.Outcome{}, errors.New("listener: pipeline not ready")
	}
	return p.Handle(ctx, req, reqBytes)
}

// Supervisor owns the resolution pipeline and the set of protocol
// front-ends (UDP, DoT, DoH, DoQ), starting, stopping, and restarting each
// as ports.ConfigSnapshot changes arrive from the ConfigProvider. Grounded
// on server/runner.go's context+WaitGroup+grace-period shutdown idiom,
// generalized from a single static startup into a diff-driven restart loop
// keyed by the listener state machine.
type Supervisor struct {
	Config    ports.ConfigProvider
	LogSink   ports.LogSink
	StatsSink ports.StatsSink
	Logger    *slog.Logger
	RateLimit RateLimitSettings

	mu        sync.Mutex
	listeners map[string]*runningListener
	pipeline  pipelineHolder
	handler   *QueryHandler
	limiter   *RateLimiter
}

// Run builds the pipeline from the provider's current snapshot, starts
// every enabled listener, subscribes to further snapshot changes, and
// blocks until ctx is cancelled, at which point every running listener is
// stopped with a grace period.
func (sv *Supervisor) Run(ctx context.Context) error {
	if sv.Logger == nil {
		sv.Logger = slog.Default()
	}
	if sv.Config == nil {
		return errors.New("listener: supervisor requires a ConfigProvider")
	}

	sv.listeners = map[string]*runningListener{}
	sv.limiter = NewRateLimiter(sv.RateLimit)
	sv.handler = &QueryHandler{Logger: sv.Logger, Pipeline: &sv.pipeline, LogSink: sv.LogSink}

	initial := sv.Config.Current()
	sv.rebuildPipeline(initial)
	sv.reconcile(ctx, initial)

	sub := sv.Config.Subscribe(func(next ports.ConfigSnapshot) {
		sv.rebuildPipeline(next)
		sv.reconcile(ctx, next)
	})
	defer sub.Unsubscribe()

	go sv.backgroundLoop(ctx)

	<-ctx.Done()
	sv.stopAll(5 * time.Second)
	return nil
}

// rebuildPipeline constructs a fresh Pipeline from snap (local records,
// rewrite rules, cache, upstream pool) and publishes it atomically. A
// failure to build the upstream pool (e.g. zero enabled servers with an
// unsupported protocol) leaves the previous pipeline in place and is
// logged rather than torn down, so existing queries keep resolving.
func (sv *Supervisor) rebuildPipeline(snap ports.ConfigSnapshot) {
	local := localrecords.New()
	local.Replace(snap.LocalRecords)

	rw := rewrite.New(sv.Logger)
	rw.Replace(snap.RewriteRules)

	maxEntries := snap.Settings.Cache.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c := cache.New(maxEntries)

	enabled := make([]ports.UpstreamServer, 0, len(snap.Upstreams))
	for _, u := range snap.Upstreams {
		if u.Enabled {
			enabled = append(enabled, u)
		}
	}
	pool, err := upstream.NewPool(snap.Settings.Strategy, enabled)
	if err != nil {
		sv.Logger.Error("listener: rebuilding upstream pool failed, keeping previous pipeline", "error", err)
		return
	}

	prev := sv.pipeline.p.Load()
	sv.pipeline.p.Store(&pipeline.Pipeline{
		Local:    local,
		Rewrite:  rw,
		Cache:    c,
		Pool:     pool,
		Settings: snap.Settings,
	})

	// pipelineHolder.Handle loads the pipeline once per query and runs
	// against that reference for the whole resolve, so closing the
	// previous pool's connections needs a short grace period for queries
	// that loaded prev just before the swap above.
	if prev != nil {
		if closer, ok := prev.Pool.(interface{ Close() error }); ok {
			time.AfterFunc(2*time.Second, func() { _ = closer.Close() })
		}
	}
}

// reconcile starts listeners newly enabled, stops ones no longer enabled
// or present, and restarts ones whose bind address/port/TLS material
// changed, per §4.9's diff rules.
func (sv *Supervisor) reconcile(ctx context.Context, snap ports.ConfigSnapshot) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	wanted := map[string]ports.ListenerConfig{}
	for _, lc := range snap.Listeners {
		if !lc.Enabled {
			continue
		}
		wanted[listenerKey(lc)] = lc
	}

	for key, rl := range sv.listeners {
		if _, ok := wanted[key]; !ok {
			sv.stopListenerLocked(key, rl, 5*time.Second)
		}
	}

	for key, lc := range wanted {
		if rl, ok := sv.listeners[key]; ok {
			if bytes.Equal(rl.cfg.TLSCertPEM, lc.TLSCertPEM) && bytes.Equal(rl.cfg.TLSKeyPEM, lc.TLSKeyPEM) {
				continue
			}
			sv.stopListenerLocked(key, rl, 5*time.Second)
		}
		sv.startListenerLocked(ctx, key, lc)
	}
}

func listenerKey(lc ports.ListenerConfig) string {
	return fmt.Sprintf("%s|%s|%d", lc.Protocol, lc.BindAddress, lc.Port)
}

func (sv *Supervisor) startListenerLocked(ctx context.Context, key string, lc ports.ListenerConfig) {
	stats := &protocolStats{protocol: lc.Protocol}
	front, err := sv.buildFrontend(lc, stats)
	rl := &runningListener{cfg: lc, front: front, stats: stats, done: make(chan struct{})}
	sv.listeners[key] = rl

	if err != nil {
		rl.setState(stateFailed)
		close(rl.done)
		sv.Logger.Error("listener: failed to build front-end", "protocol", lc.Protocol, "error", err)
		return
	}

	rl.setState(stateStarting)
	runCtx, cancel := context.WithCancel(ctx)
	rl.cancel = cancel
	addr := net.JoinHostPort(lc.BindAddress, strconv.Itoa(lc.Port))

	go func() {
		defer close(rl.done)
		rl.setState(stateRunning)
		if err := front.Run(runCtx, addr); err != nil && runCtx.Err() == nil {
			rl.setState(stateFailed)
			sv.Logger.Error("listener: front-end exited", "protocol", lc.Protocol, "addr", addr, "error", err)
			return
		}
		rl.setState(stateStopped)
	}()

	sv.Logger.Info("listener: started", "protocol", lc.Protocol, "addr", addr)
}

func (sv *Supervisor) stopListenerLocked(key string, rl *runningListener, timeout time.Duration) {
	rl.setState(stateStopping)
	if rl.cancel != nil {
		rl.cancel()
	}
	if rl.front != nil {
		_ = rl.front.Stop(timeout)
	}
	select {
	case <-rl.done:
	case <-time.After(timeout):
	}
	rl.setState(stateStopped)
	delete(sv.listeners, key)
	sv.Logger.Info("listener: stopped", "protocol", rl.cfg.Protocol)
}

func (sv *Supervisor) stopAll(timeout time.Duration) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for key, rl := range sv.listeners {
		sv.stopListenerLocked(key, rl, timeout)
	}
}

// buildFrontend constructs the concrete listener for lc's protocol. DoT,
// DoH, and DoQ all require certificate material; a TLS listener refuses to
// start (returning an error, which the caller turns into Failed state)
// when TLSConfig is absent or unparseable rather than affecting any other
// listener.
func (sv *Supervisor) buildFrontend(lc ports.ListenerConfig, stats *protocolStats) (frontend, error) {
	switch lc.Protocol {
	case ports.ProtocolUDP:
		return &UDPListener{Handler: sv.handler, Limiter: sv.limiter, Stats: stats}, nil

	case ports.ProtocolDoT:
		tlsCfg, err := lc.TLSConfig("dot")
		if err != nil {
			return nil, fmt.Errorf("dot listener: %w", err)
		}
		if tlsCfg == nil {
			return nil, errors.New("dot listener: certificate and key required")
		}
		return &TCPListener{Handler: sv.handler, Stats: stats, TransportName: "dot", TLSConfig: tlsCfg}, nil

	case ports.ProtocolDoH:
		tlsCfg, err := lc.TLSConfig("h2", "http/1.1")
		if err != nil {
			return nil, fmt.Errorf("doh listener: %w", err)
		}
		if tlsCfg == nil {
			return nil, errors.New("doh listener: certificate and key required")
		}
		return &DoHListener{Handler: sv.handler, Stats: stats, TLSConfig: tlsCfg}, nil

	case ports.ProtocolDoQ:
		tlsCfg, err := lc.TLSConfig("doq")
		if err != nil {
			return nil, fmt.Errorf("doq listener: %w", err)
		}
		if tlsCfg == nil {
			return nil, errors.New("doq listener: certificate and key required")
		}
		return &DoQListener{Handler: sv.handler, Stats: stats, TLSConfig: tlsCfg}, nil

	default:
		return nil, fmt.Errorf("listener: unknown protocol %v", lc.Protocol)
	}
}

// backgroundLoop periodically sweeps expired cache entries and pushes
// operational counters to StatsSink. Grounded on the cadence
// server/runner.go establishes for periodic housekeeping, generalized to
// the supervisor's swappable pipeline.
func (sv *Supervisor) backgroundLoop(ctx context.Context) {
	sweep := time.NewTicker(30 * time.Second)
	stats := time.NewTicker(15 * time.Second)
	defer sweep.Stop()
	defer stats.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if p := sv.pipeline.p.Load(); p != nil {
				p.Cache.Sweep()
			}
		case <-stats.C:
			sv.pushStats()
		}
	}
}

func (sv *Supervisor) pushStats() {
	if sv.StatsSink == nil {
		return
	}
	p := sv.pipeline.p.Load()
	if p == nil {
		return
	}

	if statser, ok := p.Pool.(interface{ Stats() []ports.UpstreamStatsSnapshot }); ok {
		sv.StatsSink.PushUpstreamStats(statser.Stats())
	}

	cs := p.Cache.Stats()
	sv.StatsSink.PushCacheStats(ports.CacheStatsSnapshot{Hits: cs.Hits, Misses: cs.Misses, Entries: cs.Entries, HitRate: cs.HitRate})

	sv.mu.Lock()
	snaps := make([]ports.ListenerStatsSnapshot, 0, len(sv.listeners))
	for _, rl := range sv.listeners {
		snaps = append(snaps, rl.stats.snapshot())
	}
	sv.mu.Unlock()
	sv.StatsSink.PushListenerStats(snaps)
}
