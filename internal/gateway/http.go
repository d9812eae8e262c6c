package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"actionplane/internal/perception"
	"actionplane/internal/policy"
	"actionplane/internal/protocol"
)

// RegisterHTTP mounts the optional HTTP read/control surface of spec.md §6
// on mux: GET /status, GET /tabs, GET /tabs/{tabId}/candidates,
// GET /tabs/{tabId}/search, POST /command, GET/POST /policy, GET /audit.
func (g *Gateway) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/agent", g.ServeAgent)
	mux.HandleFunc("/controller", g.ServeController)
	mux.HandleFunc("/status", g.handleStatus)
	mux.HandleFunc("/tabs", g.handleTabs)
	mux.HandleFunc("/tabs/", g.handleTabSubroute)
	mux.HandleFunc("/command", g.handleCommand)
	mux.HandleFunc("/policy", g.handlePolicy)
	mux.HandleFunc("/audit", g.handleAudit)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.Status())
}

func (g *Gateway) handleTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.World.Tabs())
}

// handleTabSubroute dispatches GET /tabs/{tabId}/candidates and
// GET /tabs/{tabId}/search?q=&role=&tag=.
func (g *Gateway) handleTabSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tabs/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	tabID, action := parts[0], parts[1]

	switch action {
	case "candidates":
		writeJSON(w, g.World.Candidates(tabID))
	case "search":
		q := r.URL.Query()
		filters := protocol.Filters{Role: q.Get("role"), Tag: q.Get("tag")}
		matches := perception.Search(g.World.Candidates(tabID), q.Get("q"), filters)
		writeJSON(w, matches)
	default:
		http.NotFound(w, r)
	}
}

// handleCommand is the equivalent of a controller `act` over HTTP.
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "malformed command: "+err.Error(), http.StatusBadRequest)
		return
	}
	ack := g.ExecuteCommand(context.Background(), cmd)
	writeJSON(w, ack)
}

// auditPredicates lists the facts internal/policyaudit asserts; GET /audit
// surfaces them read-only so the audit trail mangle.Engine.AddFacts builds
// is actually queryable rather than write-only.
var auditPredicates = []string{"command_audit", "rate_limit_event", "policy_denied"}

// handleAudit answers GET /audit?predicate=command_audit with the matching
// facts, or every tracked predicate when predicate is omitted. Returns an
// empty result (not an error) when no audit sink is wired, since the
// absence of mangle is a valid configuration (spec.md §6 mangle.enable).
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	if g.Audit == nil {
		writeJSON(w, map[string]interface{}{})
		return
	}

	if p := r.URL.Query().Get("predicate"); p != "" {
		writeJSON(w, g.Audit.FactsByPredicate(p))
		return
	}

	out := make(map[string]interface{}, len(auditPredicates))
	for _, p := range auditPredicates {
		out[p] = g.Audit.FactsByPredicate(p)
	}
	writeJSON(w, out)
}

func (g *Gateway) handlePolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, "":
		writeJSON(w, g.Policy.Config())
	case http.MethodPost:
		var cfg policy.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "malformed policy config: "+err.Error(), http.StatusBadRequest)
			return
		}
		g.Policy.SetConfig(cfg)
		writeJSON(w, g.Policy.Config())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
