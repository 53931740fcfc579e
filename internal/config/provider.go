package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/hydraforge/resolver/internal/filtering"
	"github.com/hydraforge/resolver/internal/listener"
	"github.com/hydraforge/resolver/internal/logging"
	"github.com/hydraforge/resolver/internal/ports"
)

// defaultBlocklistBasePriority is deliberately large: rewrite.Engine fires
// rules in ascending-priority order, so a blocklist entry needs a higher
// number than any sensibly-numbered admin rule to sort last and let admin
// rules take precedence.
const defaultBlocklistBasePriority = 1_000_000

// subscription implements ports.Subscription for one Subscribe call.
type subscription struct {
	provider *ViperConfigProvider
	id       uint64
}

func (s subscription) Unsubscribe() {
	s.provider.mu.Lock()
	delete(s.provider.subscribers, s.id)
	s.provider.mu.Unlock()
}

// ViperConfigProvider implements ports.ConfigProvider over a viper-backed
// YAML file with HYDRA_-prefixed environment overrides, per
// SPEC_FULL.md's "Configuration" ambient-stack section. It also runs the
// blocklist feeder (internal/filtering) in the background and merges its
// output into every published snapshot, so blocklist refreshes reach the
// resolver through the same Subscribe seam as a config file edit.
type ViperConfigProvider struct {
	v      *viper.Viper
	logger *slog.Logger

	raw     FileConfig
	version atomic.Uint64

	feeder atomic.Pointer[filtering.Feeder]

	mu          sync.Mutex
	subscribers map[uint64]func(ports.ConfigSnapshot)
	nextSubID   uint64

	current     atomic.Pointer[ports.ConfigSnapshot]
	blocklist   atomic.Pointer[[]ports.RewriteRule]
}

// NewProvider loads configuration from path (if non-empty) with HYDRA_
// environment overrides and defaults, builds the initial snapshot, and
// returns a provider ready for Current/Subscribe. logger may be nil.
func NewProvider(path string, logger *slog.Logger) (*ViperConfigProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HYDRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	p := &ViperConfigProvider{
		v:           v,
		logger:      logger,
		subscribers: make(map[uint64]func(ports.ConfigSnapshot)),
	}

	if err := p.reload(); err != nil {
		return nil, err
	}

	p.feeder.Store(p.buildFeeder())
	empty := []ports.RewriteRule{}
	p.blocklist.Store(&empty)

	if path != "" {
		v.OnConfigChange(func(_ fsnotify.Event) {
			if err := p.reload(); err != nil {
				p.logger.Warn("config: failed to reload after file change", "error", err)
				return
			}
			p.feeder.Store(p.buildFeeder())
			p.publish()
		})
		v.WatchConfig()
	}

	return p, nil
}

func (p *ViperConfigProvider) reload() error {
	var fc FileConfig
	if err := p.v.Unmarshal(&fc); err != nil {
		return fmt.Errorf("config: failed to unmarshal config: %w", err)
	}
	if err := validate(fc); err != nil {
		return err
	}
	p.mu.Lock()
	p.raw = fc
	p.mu.Unlock()
	p.storeSnapshot(fc)
	return nil
}

func validate(fc FileConfig) error {
	for _, l := range fc.Listeners {
		if l.Enabled && (l.Port <= 0 || l.Port > 65535) {
			return fmt.Errorf("config: listener port %d out of range", l.Port)
		}
	}
	return nil
}

func (p *ViperConfigProvider) buildFeeder() *filtering.Feeder {
	fc := p.snapshot()
	if !fc.Filtering.Enabled || len(fc.Filtering.Blocklists) == 0 {
		return nil
	}
	sources := make([]filtering.Source, 0, len(fc.Filtering.Blocklists))
	for _, b := range fc.Filtering.Blocklists {
		sources = append(sources, filtering.Source{
			Name:   b.Name,
			URL:    b.URL,
			Path:   b.Path,
			Format: filtering.ParseFormat(b.Format),
		})
	}
	basePriority := fc.Filtering.BasePriority
	if basePriority == 0 {
		basePriority = defaultBlocklistBasePriority
	}
	return filtering.NewFeeder(p.logger, sources, basePriority)
}

func (p *ViperConfigProvider) snapshot() FileConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw
}

func (p *ViperConfigProvider) storeSnapshot(fc FileConfig) {
	rules := []ports.RewriteRule{}
	if bl := p.blocklist.Load(); bl != nil {
		rules = *bl
	}
	snap := toSnapshot(fc, rules, p.version.Add(1))
	p.current.Store(&snap)
}

func (p *ViperConfigProvider) publish() {
	snap := p.Current()
	p.mu.Lock()
	subs := make([]func(ports.ConfigSnapshot), 0, len(p.subscribers))
	for _, f := range p.subscribers {
		subs = append(subs, f)
	}
	p.mu.Unlock()
	for _, f := range subs {
		f(snap)
	}
}

// Current returns the most recently published snapshot.
func (p *ViperConfigProvider) Current() ports.ConfigSnapshot {
	if s := p.current.Load(); s != nil {
		return *s
	}
	return ports.ConfigSnapshot{}
}

// Subscribe registers fn to be called with every future snapshot. The
// returned Subscription's Unsubscribe stops delivery.
func (p *ViperConfigProvider) Subscribe(fn func(ports.ConfigSnapshot)) ports.Subscription {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = fn
	p.mu.Unlock()
	return subscription{provider: p, id: id}
}

// RunBlocklistFeeder starts the background blocklist refresh loop, if
// filtering is enabled, publishing a new snapshot every time the merged
// blocklist domain set changes. It blocks until ctx is cancelled and is
// meant to be run in its own goroutine.
func (p *ViperConfigProvider) RunBlocklistFeeder(ctx context.Context) {
	feeder := p.feeder.Load()
	if feeder == nil {
		return
	}
	interval := parseDuration(p.snapshot().Filtering.RefreshInterval, 24*time.Hour)
	feeder.Start(ctx, interval, func(rules []ports.RewriteRule) {
		p.blocklist.Store(&rules)
		p.storeSnapshot(p.snapshot())
		p.publish()
	})
}

// RateLimitSettings returns the listener supervisor's admission-control
// settings, loaded from the same config file but outside ports.ConfigSnapshot
// since it governs socket admission rather than resolution.
func (p *ViperConfigProvider) RateLimitSettings() listener.RateLimitSettings {
	r := p.snapshot().RateLimit
	return listener.RateLimitSettings{
		CleanupSeconds:   r.CleanupSeconds,
		MaxIPEntries:     r.MaxIPEntries,
		MaxPrefixEntries: r.MaxPrefixEntries,
		GlobalQPS:        r.GlobalQPS,
		GlobalBurst:      r.GlobalBurst,
		PrefixQPS:        r.PrefixQPS,
		PrefixBurst:      r.PrefixBurst,
		IPQPS:            r.IPQPS,
		IPBurst:          r.IPBurst,
	}
}

// LoggingConfig returns the logging.Config parsed from the same file, for
// internal/logging.Configure to build the process-wide *slog.Logger from.
func (p *ViperConfigProvider) LoggingConfig() logging.Config {
	l := p.snapshot().Logging
	return logging.Config{
		Level:            l.Level,
		Structured:       l.Structured,
		StructuredFormat: l.StructuredFormat,
		IncludePID:       l.IncludePID,
		ExtraFields:      l.ExtraFields,
	}
}

// MetricsNamespace returns the configured Prometheus collector namespace,
// defaulting to "hydra".
func (p *ViperConfigProvider) MetricsNamespace() string {
	ns := p.snapshot().Metrics.Namespace
	if ns == "" {
		return "hydra"
	}
	return ns
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listeners", []map[string]any{
		{"protocol": "udp", "bind_address": "0.0.0.0", "port": 53, "enabled": true},
	})
	v.SetDefault("upstreams", []map[string]any{
		{"id": "default", "name": "default", "protocol": "udp", "address": "8.8.8.8:53", "enabled": true, "timeout": "3s"},
	})
	v.SetDefault("global.strategy", "concurrent")
	v.SetDefault("global.cache.default_ttl", "5m")
	v.SetDefault("global.cache.max_ttl", "24h")
	v.SetDefault("global.cache.max_entries", 100000)
	v.SetDefault("global.cache.sweep_interval", "1m")
	v.SetDefault("global.pipeline_deadline", "2s")
	v.SetDefault("global.rewrite_loop_budget", 8)
	v.SetDefault("global.default_ttl", 300)

	v.SetDefault("rate_limit.cleanup_seconds", 60.0)
	v.SetDefault("rate_limit.max_ip_entries", 65536)
	v.SetDefault("rate_limit.max_prefix_entries", 16384)
	v.SetDefault("rate_limit.global_qps", 100000.0)
	v.SetDefault("rate_limit.global_burst", 100000)
	v.SetDefault("rate_limit.prefix_qps", 10000.0)
	v.SetDefault("rate_limit.prefix_burst", 20000)
	v.SetDefault("rate_limit.ip_qps", 5000.0)
	v.SetDefault("rate_limit.ip_burst", 10000)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")

	v.SetDefault("filtering.enabled", false)
	v.SetDefault("filtering.refresh_interval", "24h")
	v.SetDefault("filtering.base_priority", defaultBlocklistBasePriority)

	v.SetDefault("metrics.namespace", "hydra")
}
