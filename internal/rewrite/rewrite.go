// Package rewrite implements the resolver's rewrite/block rule engine:
// priority-ordered exact, wildcard, and regex patterns that can block a
// query, substitute an IP answer, or redirect it to another domain name.
//
// Matching style is grounded on internal/filtering's PolicyEngine
// (priority/enabled shape, one static rule set swapped in wholesale on
// reload rather than mutated in place — the design this module adopts
// specifically to sidestep the teacher's undefined DomainTrie.Remove, see
// DESIGN.md's "known teacher-repo defects" entry). Regex support has no
// analogue in the teacher and is grounded on stdlib regexp directly, as no
// example repo wires a third-party regex engine for this role.
package rewrite

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hydraforge/resolver/internal/dns"
	"github.com/hydraforge/resolver/internal/ports"
)

// compiledRule pairs a RewriteRule with its precompiled matcher.
type compiledRule struct {
	ports.RewriteRule
	wildcardSuffix string // set when MatchType == MatchWildcard
	regex          *regexp.Regexp
}

// Engine evaluates a name against the current rule set. It is safe for
// concurrent use; Replace swaps the active rule set atomically.
type Engine struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rules []compiledRule

	warnMu  sync.Mutex
	warned  map[string]bool
}

// New builds an empty Engine. logger may be nil.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, warned: make(map[string]bool)}
}

// Replace compiles and installs rules, sorted by ascending Priority (lower
// fires first, ties broken by ID for determinism). Disabled rules are
// dropped. A rule whose regex fails to compile is dropped and logged once
// per rule ID, per spec's "regex compile errors disable the rule rather
// than the engine".
func (e *Engine) Replace(rules []ports.RewriteRule) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		cr := compiledRule{RewriteRule: r}
		switch r.MatchType {
		case ports.MatchWildcard:
			cr.wildcardSuffix = dns.NormalizeName(strings.TrimPrefix(r.Pattern, "*."))
		case ports.MatchRegex:
			re, err := regexp.Compile("^(?:" + r.Pattern + ")$")
			if err != nil {
				e.warnOnce(r.ID, "rewrite: disabling rule with invalid regex", "rule_id", r.ID, "pattern", r.Pattern, "error", err)
				continue
			}
			cr.regex = re
		}
		compiled = append(compiled, cr)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority < compiled[j].Priority
		}
		return compiled[i].ID < compiled[j].ID
	})

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
}

func (e *Engine) warnOnce(key, msg string, args ...any) {
	e.warnMu.Lock()
	defer e.warnMu.Unlock()
	if e.warned[key] {
		return
	}
	e.warned[key] = true
	e.logger.Warn(msg, args...)
}

// Match is the outcome of evaluating a name: which rule fired (if any),
// what action it carries, and the action's parameter value.
type Match struct {
	Matched     bool
	RuleID      string
	Action      ports.RewriteAction
	ActionValue string
}

// Evaluate returns the highest-priority rule matching name, or a zero
// Match if none apply.
func (e *Engine) Evaluate(name string) Match {
	name = dns.NormalizeName(name)

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if ruleMatches(r, name) {
			return Match{Matched: true, RuleID: r.ID, Action: r.Action, ActionValue: r.ActionValue}
		}
	}
	return Match{}
}

func ruleMatches(r compiledRule, name string) bool {
	switch r.MatchType {
	case ports.MatchExact:
		return name == dns.NormalizeName(r.Pattern)
	case ports.MatchWildcard:
		if name == r.wildcardSuffix {
			return false
		}
		return strings.HasSuffix(name, "."+r.wildcardSuffix)
	case ports.MatchRegex:
		return r.regex != nil && r.regex.MatchString(name)
	default:
		return false
	}
}

// FromBlocklistDomains converts plain blocked domains (e.g. parsed by
// internal/filtering's list parser) into low-priority wildcard block
// rules, so blocklist ingestion feeds the same rule engine that admin
// rules populate rather than a separate policy path. Each domain blocks
// itself and every subdomain. Replace fires lower Priority values first,
// so basePriority should be numerically greater than any admin-authored
// rule's Priority for explicit rules to always override a blocklist entry.
func FromBlocklistDomains(listName string, domains []string, basePriority int) []ports.RewriteRule {
	out := make([]ports.RewriteRule, 0, len(domains))
	for _, d := range domains {
		d = dns.NormalizeName(d)
		if d == "" {
			continue
		}
		out = append(out, ports.RewriteRule{
			ID:          "blocklist:" + listName + ":" + d,
			Pattern:     "*." + d,
			MatchType:   ports.MatchWildcard,
			Action:      ports.ActionBlock,
			Priority:    basePriority,
			Enabled:     true,
			Description: "from blocklist " + listName,
		})
		out = append(out, ports.RewriteRule{
			ID:          "blocklist:" + listName + ":" + d + ":apex",
			Pattern:     d,
			MatchType:   ports.MatchExact,
			Action:      ports.ActionBlock,
			Priority:    basePriority,
			Enabled:     true,
			Description: "from blocklist " + listName,
		})
	}
	return out
}
