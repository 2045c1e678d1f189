package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateReasoner(cfg, ve)
	validateExecutor(cfg, ve)
	validateConversation(cfg, ve)
	validateRetention(cfg, ve)
	validateAgents(cfg, ve)
	validateRouting(cfg, ve)
	validateTools(cfg, ve)
	validateRemote(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not host:port: %v", cfg.Server.Addr, err)
	}

	switch cfg.Server.Auth.Type {
	case "", "static":
	default:
		ve.Add("server.auth.type %q is invalid (want: static or empty)", cfg.Server.Auth.Type)
	}
	if cfg.Server.Auth.Type == "static" && len(cfg.Server.Auth.Tokens) == 0 {
		ve.Add("server.auth.tokens must not be empty when auth type is static")
	}
	for i, t := range cfg.Server.Auth.Tokens {
		if t.Token == "" {
			ve.Add("server.auth.tokens[%d] (%s): token must not be empty", i, t.Name)
		}
	}

	if cfg.Server.RateLimit.Enabled {
		if cfg.Server.RateLimit.RequestsPerMinute <= 0 {
			ve.Add("server.rate_limit.requests_per_minute must be > 0 when enabled")
		}
		if cfg.Server.RateLimit.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when enabled")
		}
	}
}

var validReasonerTypes = map[string]bool{
	"openai":  true,
	"bedrock": true,
}

func validateReasoner(cfg *Config, ve *ValidationError) {
	if cfg.Reasoner.Type == "" {
		ve.Add("reasoner.type must not be empty")
		return
	}
	if !validReasonerTypes[cfg.Reasoner.Type] {
		ve.Add("reasoner.type %q is invalid (want: openai, bedrock)", cfg.Reasoner.Type)
	}
	if cfg.Reasoner.Model == "" {
		ve.Add("reasoner.model must not be empty")
	}
	if cfg.Reasoner.Type == "bedrock" && cfg.Reasoner.Region == "" {
		ve.Add("reasoner.region is required for the bedrock reasoner")
	}
	if cfg.Reasoner.MaxTokens < 0 {
		ve.Add("reasoner.max_tokens must be >= 0")
	}
	if cfg.Reasoner.Temperature < 0 || cfg.Reasoner.Temperature > 2 {
		ve.Add("reasoner.temperature must be in [0, 2]")
	}
	if cfg.Reasoner.TokenBudget < 0 {
		ve.Add("reasoner.token_budget must be >= 0")
	}
}

func validateExecutor(cfg *Config, ve *ValidationError) {
	if cfg.Executor.MaxIterations <= 0 {
		ve.Add("executor.max_iterations must be > 0")
	}
	if cfg.Executor.ReasoningTimeout <= 0 {
		ve.Add("executor.reasoning_timeout must be > 0")
	}
	if cfg.Executor.ClarificationTimeout <= 0 {
		ve.Add("executor.clarification_timeout must be > 0")
	}
	if cfg.Executor.EventBuffer <= 0 {
		ve.Add("executor.event_buffer must be > 0")
	}
	if cfg.Executor.SystemPrompt == "" {
		ve.Add("executor.system_prompt must not be empty")
	}
}

func validateConversation(cfg *Config, ve *ValidationError) {
	if cfg.Conversation.MaxHistory <= 0 {
		ve.Add("conversation.max_history must be > 0")
	}
	if cfg.Conversation.IdleTTL <= 0 {
		ve.Add("conversation.idle_ttl must be > 0")
	}
}

func validateRetention(cfg *Config, ve *ValidationError) {
	if cfg.Retention.TaskTTL <= 0 {
		ve.Add("retention.task_ttl must be > 0")
	}
	if cfg.Retention.SweepSchedule == "" {
		ve.Add("retention.sweep_schedule must not be empty")
		return
	}
	if _, derr := time.ParseDuration(cfg.Retention.SweepSchedule); derr == nil {
		return
	}
	if _, cerr := cron.ParseStandard(cfg.Retention.SweepSchedule); cerr != nil {
		ve.Add("retention.sweep_schedule %q is neither a duration nor a cron expression", cfg.Retention.SweepSchedule)
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.ID == "" {
			ve.Add("agents[%d].id must not be empty", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("agents[%d]: duplicate agent id %q", i, a.ID)
		}
		seen[a.ID] = true

		if a.Name == "" {
			ve.Add("agents[%d] (%s): name must not be empty", i, a.ID)
		}
		if len(a.Capabilities) == 0 {
			ve.Add("agents[%d] (%s): capabilities must not be empty", i, a.ID)
		}
		if !a.Local && a.Endpoint == "" {
			ve.Add("agents[%d] (%s): endpoint is required for remote agents", i, a.ID)
		}
	}
}

func validateRouting(cfg *Config, ve *ValidationError) {
	declared := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		declared[a.ID] = true
	}

	if cfg.Routing.Fallback != "" && !declared[cfg.Routing.Fallback] {
		ve.Add("routing.fallback %q does not match any declared agent", cfg.Routing.Fallback)
	}

	for i, r := range cfg.Routing.Rules {
		if r.AgentID == "" {
			ve.Add("routing.rules[%d] (%s): agent_id must not be empty", i, r.Name)
			continue
		}
		if !declared[r.AgentID] {
			ve.Add("routing.rules[%d] (%s): agent_id %q does not match any declared agent", i, r.Name, r.AgentID)
		}
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.InventoryEnabled && cfg.Tools.InventoryDB == "" {
		ve.Add("tools.inventory_db must not be empty when inventory is enabled")
	}
	if !cfg.Tools.MCPEnabled {
		return
	}
	for i, s := range cfg.Tools.MCPServers {
		if s.Name == "" {
			ve.Add("tools.mcp_servers[%d].name must not be empty", i)
		}
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("tools.mcp_servers[%d] (%s): command is required for stdio transport", i, s.Name)
			}
		case "http":
			if s.URL == "" {
				ve.Add("tools.mcp_servers[%d] (%s): url is required for http transport", i, s.Name)
			}
		default:
			ve.Add("tools.mcp_servers[%d] (%s): transport %q is invalid (want: stdio, http)", i, s.Name, s.Transport)
		}
	}
}

func validateRemote(cfg *Config, ve *ValidationError) {
	if cfg.Remote.ConnTimeout < 0 {
		ve.Add("remote.conn_timeout must be >= 0")
	}
	if cfg.Remote.RespTimeout < 0 {
		ve.Add("remote.resp_timeout must be >= 0")
	}
	if cfg.Remote.CircuitBreaker.Enabled {
		if cfg.Remote.CircuitBreaker.MaxFailures == 0 {
			ve.Add("remote.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cfg.Remote.CircuitBreaker.Timeout <= 0 {
			ve.Add("remote.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}
