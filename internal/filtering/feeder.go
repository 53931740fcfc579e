package filtering

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hydraforge/resolver/internal/ports"
	"github.com/hydraforge/resolver/internal/rewrite"
)

// ParseFormat maps a config string ("auto", "domains", "hosts",
// "adblock") onto a ListFormat, defaulting to FormatAuto for an unknown
// or empty value.
func ParseFormat(s string) ListFormat {
	switch s {
	case "domains":
		return FormatDomains
	case "hosts":
		return FormatHosts
	case "adblock":
		return FormatAdblock
	default:
		return FormatAuto
	}
}

// Source identifies one blocklist: a remote URL or a local file path, in
// one of the supported formats.
type Source struct {
	Name   string
	URL    string
	Path   string
	Format ListFormat
}

// Feeder fetches a set of blocklist Sources and turns their merged,
// deduplicated domains into low-priority block RewriteRules, grounded on
// policy.go's loadBlocklists/refreshLoop idiom but stripped of the
// allow/block evaluation that now lives in the rewrite engine.
type Feeder struct {
	logger  *slog.Logger
	parser  *Parser
	sources []Source

	basePriority int
}

// NewFeeder builds a Feeder over sources. basePriority should be higher
// than any admin-authored rule's priority: rewrite.Engine fires rules in
// ascending-priority order ("lower runs first"), so a blocklist entry
// needs the larger number to sort last and let explicit rules always take
// precedence over it.
func NewFeeder(logger *slog.Logger, sources []Source, basePriority int) *Feeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{logger: logger, parser: NewParser(), sources: sources, basePriority: basePriority}
}

// Rules fetches and parses every configured source, merging all of them
// into one deduplicated domain set, and returns the resulting
// RewriteRules (apex + wildcard per domain, per
// rewrite.FromBlocklistDomains). A source that fails to load is skipped
// and logged; the feeder never fails outright just because one list is
// unreachable.
func (f *Feeder) Rules() []ports.RewriteRule {
	merged := NewDomainTrie()
	for _, src := range f.sources {
		trie, err := f.load(src)
		if err != nil {
			f.logger.Warn("filtering: failed to load blocklist", "name", src.Name, "error", err)
			continue
		}
		merged.Merge(trie)
		f.logger.Info("filtering: loaded blocklist", "name", src.Name, "domains", trie.Size())
	}
	return rewrite.FromBlocklistDomains("blocklists", merged.Domains(), f.basePriority)
}

func (f *Feeder) load(src Source) (*DomainTrie, error) {
	switch {
	case src.URL != "":
		return f.parser.ParseURL(src.URL, src.Format)
	case src.Path != "":
		return f.parser.ParseFile(src.Path, src.Format)
	default:
		return nil, fmt.Errorf("filtering: source %q has neither URL nor Path", src.Name)
	}
}

// Start loads Rules immediately, delivering them via onUpdate, then
// refreshes every interval until ctx is done. interval <= 0 disables the
// periodic refresh (the initial load still happens). Safe to call from a
// background goroutine; Start blocks until ctx is cancelled.
func (f *Feeder) Start(ctx context.Context, interval time.Duration, onUpdate func([]ports.RewriteRule)) {
	onUpdate(f.Rules())
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			onUpdate(f.Rules())
		}
	}
}
