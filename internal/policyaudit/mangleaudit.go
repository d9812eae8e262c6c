// Package policyaudit adapts internal/policy's AuditSink interface onto an
// internal/mangle Engine, without internal/policy itself depending on
// mangle (policy stays import-cycle-free against internal/config, which
// internal/mangle depends on for its MangleConfig).
package policyaudit

import (
	"context"
	"log"
	"time"

	"actionplane/internal/mangle"
)

// MangleAuditSink asserts policy decisions as Datalog facts into an adapted
// mangle.Engine (command_audit/rate_limit_event/policy_denied), making the
// audit trail queryable rather than just a log line.
type MangleAuditSink struct {
	engine *mangle.Engine
}

// NewMangleAuditSink wraps an already-constructed mangle.Engine.
func NewMangleAuditSink(engine *mangle.Engine) *MangleAuditSink {
	return &MangleAuditSink{engine: engine}
}

func (m *MangleAuditSink) RecordCommand(commandID, commandType, tabID, outcome, reason string, at time.Time) {
	m.assert(mangle.Fact{
		Predicate: "command_audit",
		Args:      []interface{}{commandID, commandType, tabID, outcome, reason},
		Timestamp: at,
	})
}

func (m *MangleAuditSink) RecordRateLimitEvent(commandID, tabID, window string, at time.Time) {
	m.assert(mangle.Fact{
		Predicate: "rate_limit_event",
		Args:      []interface{}{commandID, tabID, window},
		Timestamp: at,
	})
}

func (m *MangleAuditSink) RecordDenied(commandID, commandType, tabID, reason string, at time.Time) {
	m.assert(mangle.Fact{
		Predicate: "policy_denied",
		Args:      []interface{}{commandID, commandType, tabID, reason},
		Timestamp: at,
	})
}

func (m *MangleAuditSink) assert(f mangle.Fact) {
	if m.engine == nil {
		return
	}
	if err := m.engine.AddFacts(context.Background(), []mangle.Fact{f}); err != nil {
		log.Printf("[policy] mangle audit assert failed predicate=%s: %v", f.Predicate, err)
	}
}
