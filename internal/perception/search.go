package perception

import (
	"strings"

	"actionplane/internal/protocol"
)

// matchTier ranks a match's quality; lower is better, per §4.3's
// "exact-name > exact-aria > partial-name > partial-aria > role+text" order.
type matchTier int

const (
	tierExactName matchTier = iota
	tierExactAria
	tierPartialName
	tierPartialAria
	tierPartialID
	tierRoleText
	tierNone
)

// Search implements the candidate search-and-filter semantics of §4.3,
// shared by the in-page query command and the gateway's controller-facing
// query request.
func Search(candidates []protocol.ActionCandidate, q string, filters protocol.Filters) []protocol.ActionCandidate {
	ql := strings.ToLower(strings.TrimSpace(q))

	var matches []protocol.ActionCandidate
	for _, c := range candidates {
		if !passesFilters(c, filters) {
			continue
		}
		if ql == "" || matchTierOf(c, ql) != tierNone {
			matches = append(matches, c)
		}
	}
	return matches
}

// Best returns the single highest-quality match for q among candidates
// passing filters, or false if none match.
func Best(candidates []protocol.ActionCandidate, q string, filters protocol.Filters) (protocol.ActionCandidate, bool) {
	ql := strings.ToLower(strings.TrimSpace(q))

	bestTier := tierNone
	var best protocol.ActionCandidate
	found := false

	for _, c := range candidates {
		if !passesFilters(c, filters) {
			continue
		}
		tier := matchTierOf(c, ql)
		if tier == tierNone {
			continue
		}
		if !found || tier < bestTier {
			bestTier = tier
			best = c
			found = true
		}
	}
	return best, found
}

func passesFilters(c protocol.ActionCandidate, f protocol.Filters) bool {
	if f.Role != "" && c.Role != f.Role {
		return false
	}
	if f.Tag != "" && c.Tag != f.Tag {
		return false
	}
	if f.Visible != nil && *f.Visible != !c.Occluded {
		return false
	}
	if f.Enabled != nil && *f.Enabled != !c.State.Disabled {
		return false
	}
	return true
}

func matchTierOf(c protocol.ActionCandidate, ql string) matchTier {
	if ql == "" {
		return tierExactName
	}

	name := strings.ToLower(c.Name)
	aria := strings.ToLower(c.Aria)
	id := strings.ToLower(c.ID)

	if name == ql {
		return tierExactName
	}
	if aria == ql {
		return tierExactAria
	}
	if strings.Contains(name, ql) {
		return tierPartialName
	}
	if strings.Contains(aria, ql) {
		return tierPartialAria
	}
	if strings.Contains(id, ql) {
		return tierPartialID
	}

	if role, text, ok := splitRoleText(ql); ok {
		if strings.ToLower(c.Role) == role && (strings.Contains(name, text) || strings.Contains(aria, text)) {
			return tierRoleText
		}
	}

	return tierNone
}

// splitRoleText splits q on the first whitespace into a candidate role and
// remaining text, e.g. "button sign in" -> ("button", "sign in").
func splitRoleText(q string) (role, text string, ok bool) {
	idx := strings.IndexAny(q, " \t")
	if idx < 0 {
		return "", "", false
	}
	return q[:idx], strings.TrimSpace(q[idx+1:]), true
}
