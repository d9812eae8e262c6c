// Package policy enforces domain allow/block rules, rate limits, and
// action-name pattern blocks on every command the gateway dispatches, per
// spec.md §4.6.
package policy

import (
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// DomainMode selects how Config.DomainList is interpreted.
type DomainMode string

const (
	DomainAllowlist DomainMode = "allowlist"
	DomainBlocklist DomainMode = "blocklist"
	DomainAll       DomainMode = "all"
)

// Config is the process-wide, runtime-mutable policy configuration
// (spec.md §6 defaults applied by NewConfig).
type Config struct {
	DomainMode           DomainMode
	DomainList           []string
	BlockPaymentActions  bool
	BlockDeleteActions   bool
	RequireUserPresent   bool
	MaxCommandsPerSecond int
	MaxCommandsPerMinute int
	LogAllCommands       bool
}

// NewConfig returns the spec.md §6 default policy configuration.
func NewConfig() Config {
	return Config{
		DomainMode:           DomainAll,
		DomainList:           nil,
		BlockPaymentActions:  true,
		BlockDeleteActions:   true,
		RequireUserPresent:   false,
		MaxCommandsPerSecond: 10,
		MaxCommandsPerMinute: 300,
		LogAllCommands:       true,
	}
}

var paymentPatterns = []string{
	"checkout", "payment", "purchase", "buy now", "place order",
	"confirm order", "submit order", "pay $",
}

var deletePatterns = []string{
	"delete", "remove", "clear all", "destroy", "erase",
}

// AuditSink receives one record per policy decision, in addition to the
// unconditional structured log line. Implementations may assert these as
// Datalog facts (see internal/mangle) or drop them.
type AuditSink interface {
	RecordCommand(commandID, commandType, tabID, outcome, reason string, at time.Time)
	RecordRateLimitEvent(commandID, tabID, window string, at time.Time)
	RecordDenied(commandID, commandType, tabID, reason string, at time.Time)
}

// NopAuditSink discards every record.
type NopAuditSink struct{}

func (NopAuditSink) RecordCommand(string, string, string, string, string, time.Time)  {}
func (NopAuditSink) RecordRateLimitEvent(string, string, string, time.Time)           {}
func (NopAuditSink) RecordDenied(string, string, string, string, time.Time)           {}

// Decision is the outcome of evaluating a command against policy.
type Decision struct {
	Allowed bool
	Reason  string
}

// Engine evaluates commands against a mutable Config and a single
// process-wide rate-limit history, per spec.md §9's documented limitation.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	history []time.Time
	audit   AuditSink
}

// NewEngine constructs an Engine. A nil sink is replaced with NopAuditSink.
func NewEngine(cfg Config, audit AuditSink) *Engine {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &Engine{cfg: cfg, audit: audit}
}

// SetConfig replaces the active policy configuration. Rate-limit history is
// preserved across config changes.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// RateLimitCounters reports the current dual-window command counts, for the
// gateway's read-only status surface (spec.md §4.5: "active policy,
// rate-limit counters").
type RateLimitCounters struct {
	LastSecond int `json:"lastSecond"`
	LastMinute int `json:"lastMinute"`
}

// RateLimitStatus prunes the history to the 60s window (as Evaluate would)
// and reports the counts within the last 1s and 60s, without mutating
// anything beyond that pruning.
func (e *Engine) RateLimitStatus(now time.Time) RateLimitCounters {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff60 := now.Add(-60 * time.Second)
	kept := e.history[:0]
	for _, ts := range e.history {
		if ts.After(cutoff60) {
			kept = append(kept, ts)
		}
	}
	e.history = kept

	cutoff1 := now.Add(-1 * time.Second)
	var lastSecond int
	for _, ts := range e.history {
		if ts.After(cutoff1) {
			lastSecond++
		}
	}
	return RateLimitCounters{LastSecond: lastSecond, LastMinute: len(e.history)}
}

// Evaluate runs the ordered checks of spec.md §4.6 against one command and
// appends now to the rate-limit history if (and only if) every check
// passes. commandType is one of the protocol.CommandType values; name is
// the target candidate's name, if known ("" if not).
func (e *Engine) Evaluate(commandID, commandType, tabID, tabURL, name string, now time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d := e.checkDomain(tabURL); !d.Allowed {
		e.deny(commandID, commandType, tabID, d.Reason, now)
		return d
	}
	if d := e.checkRateLimit(tabID, now); !d.Allowed {
		window := "minute"
		if strings.Contains(d.Reason, "per second") {
			window = "second"
		}
		e.audit.RecordRateLimitEvent(commandID, tabID, window, now)
		e.deny(commandID, commandType, tabID, d.Reason, now)
		return d
	}
	if d := e.checkActionNamePattern(commandType, name); !d.Allowed {
		e.deny(commandID, commandType, tabID, d.Reason, now)
		return d
	}

	e.history = append(e.history, now)
	e.audit.RecordCommand(commandID, commandType, tabID, "allowed", "", now)
	if e.cfg.LogAllCommands {
		log.Printf("[policy] allowed commandId=%s type=%s tabId=%s", commandID, commandType, tabID)
	}
	return Decision{Allowed: true}
}

func (e *Engine) deny(commandID, commandType, tabID, reason string, now time.Time) {
	e.audit.RecordDenied(commandID, commandType, tabID, reason, now)
	e.audit.RecordCommand(commandID, commandType, tabID, "denied", reason, now)
	if e.cfg.LogAllCommands {
		log.Printf("[policy] denied commandId=%s type=%s tabId=%s reason=%q", commandID, commandType, tabID, reason)
	}
}

func (e *Engine) checkDomain(tabURL string) Decision {
	switch e.cfg.DomainMode {
	case DomainAll, "":
		return Decision{Allowed: true}
	case DomainAllowlist, DomainBlocklist:
		u, err := url.Parse(tabURL)
		if err != nil || u.Host == "" {
			return Decision{Reason: "Domain not allowed: " + tabURL}
		}
		host := strings.ToLower(u.Hostname())
		matches := matchesAnyDomain(host, e.cfg.DomainList)
		if e.cfg.DomainMode == DomainAllowlist && !matches {
			return Decision{Reason: "Domain not allowed: " + tabURL}
		}
		if e.cfg.DomainMode == DomainBlocklist && matches {
			return Decision{Reason: "Domain not allowed: " + tabURL}
		}
		return Decision{Allowed: true}
	default:
		return Decision{Allowed: true}
	}
}

// matchesAnyDomain reports whether host equals or is a subdomain of any
// entry in list.
func matchesAnyDomain(host string, list []string) bool {
	for _, entry := range list {
		entry = strings.ToLower(entry)
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func (e *Engine) checkRateLimit(tabID string, now time.Time) Decision {
	cutoff60 := now.Add(-60 * time.Second)
	kept := e.history[:0]
	for _, ts := range e.history {
		if ts.After(cutoff60) {
			kept = append(kept, ts)
		}
	}
	e.history = kept
	sort.Slice(e.history, func(i, j int) bool { return e.history[i].Before(e.history[j]) })

	cutoff1 := now.Add(-1 * time.Second)
	var lastSecond int
	for _, ts := range e.history {
		if ts.After(cutoff1) {
			lastSecond++
		}
	}

	if e.cfg.MaxCommandsPerSecond > 0 && lastSecond >= e.cfg.MaxCommandsPerSecond {
		return Decision{Reason: "Rate limit exceeded: too many commands per second"}
	}
	if e.cfg.MaxCommandsPerMinute > 0 && len(e.history) >= e.cfg.MaxCommandsPerMinute {
		return Decision{Reason: "Rate limit exceeded: too many commands per minute"}
	}
	return Decision{Allowed: true}
}

func (e *Engine) checkActionNamePattern(commandType, name string) Decision {
	if name == "" {
		return Decision{Allowed: true}
	}
	if commandType != "click" && commandType != "type" {
		return Decision{Allowed: true}
	}
	lower := strings.ToLower(name)

	if e.cfg.BlockPaymentActions && containsAny(lower, paymentPatterns) {
		return Decision{Reason: "Blocked payment action: " + name}
	}
	if e.cfg.BlockDeleteActions && containsAny(lower, deletePatterns) {
		return Decision{Reason: "Blocked delete action: " + name}
	}
	return Decision{Allowed: true}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
