package routing

import (
	"io"
	"log/slog"
	"strings"

	"opsbridge/internal/domain"
)

// discardLogger returns a no-op logger for routers created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Rule maps request text onto an agent id. A rule matches when any of its
// keywords occurs in the lowercased request text; a rule with no keywords
// matches everything.
type Rule struct {
	Name     string   // rule identifier for logs
	Keywords []string // lowercase substrings, any hit matches
	AgentID  string
}

// Matches reports whether the rule applies to the given request text.
func (r Rule) Matches(requestText string) bool {
	if len(r.Keywords) == 0 {
		return true
	}
	text := strings.ToLower(requestText)
	for _, kw := range r.Keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// RuleRouter resolves a request to exactly one agent using an ordered rule
// table. The first matching rule wins; when nothing matches, the configured
// fallback agent is used. Route reads only its arguments and the immutable
// rule table, so concurrent calls need no locking.
type RuleRouter struct {
	rules      []Rule
	fallbackID string
	logger     *slog.Logger
}

var _ domain.TaskRouter = (*RuleRouter)(nil)

// NewRuleRouter creates a router over the given ordered rules. fallbackID may
// be empty, in which case an unmatched request fails.
func NewRuleRouter(rules []Rule, fallbackID string) *RuleRouter {
	return &RuleRouter{rules: rules, fallbackID: fallbackID, logger: discardLogger()}
}

// NewRuleRouterWithLogger creates a RuleRouter with debug logging.
func NewRuleRouterWithLogger(rules []Rule, fallbackID string, logger *slog.Logger) *RuleRouter {
	return &RuleRouter{rules: rules, fallbackID: fallbackID, logger: logger}
}

// Route returns the descriptor the request should be dispatched to.
// It fails with ErrNoAgentAvailable when the snapshot is empty, when the
// first matching rule names an agent absent from the snapshot, or when no
// rule matches and there is no (or an absent) fallback.
func (r *RuleRouter) Route(requestText string, agents []domain.AgentDescriptor) (domain.AgentDescriptor, error) {
	if len(agents) == 0 {
		return domain.AgentDescriptor{}, domain.ErrNoAgentAvailable
	}

	byID := make(map[string]domain.AgentDescriptor, len(agents))
	for _, desc := range agents {
		byID[desc.ID] = desc
	}

	for _, rule := range r.rules {
		if !rule.Matches(requestText) {
			continue
		}
		desc, ok := byID[rule.AgentID]
		if !ok {
			// A matched rule is authoritative: an absent target is a
			// routing failure, not a reason to try later rules.
			r.logger.Warn("routing rule names unknown agent", "rule", rule.Name, "agent_id", rule.AgentID)
			return domain.AgentDescriptor{}, domain.ErrNoAgentAvailable
		}
		r.logger.Debug("routing rule matched", "rule", rule.Name, "agent_id", desc.ID)
		return desc, nil
	}

	if r.fallbackID != "" {
		if desc, ok := byID[r.fallbackID]; ok {
			r.logger.Debug("no rule matched, using fallback", "agent_id", desc.ID)
			return desc, nil
		}
		r.logger.Warn("fallback agent not in snapshot", "agent_id", r.fallbackID)
	}
	return domain.AgentDescriptor{}, domain.ErrNoAgentAvailable
}

// StaticRouter always routes to one agent id. Useful for single-agent
// deployments and tests.
type StaticRouter struct {
	agentID string
	logger  *slog.Logger
}

var _ domain.TaskRouter = (*StaticRouter)(nil)

// NewStaticRouter creates a router that always routes to agentID.
func NewStaticRouter(agentID string) *StaticRouter {
	return &StaticRouter{agentID: agentID, logger: discardLogger()}
}

// Route returns the static target, or ErrNoAgentAvailable when it is not in
// the snapshot.
func (r *StaticRouter) Route(_ string, agents []domain.AgentDescriptor) (domain.AgentDescriptor, error) {
	for _, desc := range agents {
		if desc.ID == r.agentID {
			return desc, nil
		}
	}
	return domain.AgentDescriptor{}, domain.ErrNoAgentAvailable
}
