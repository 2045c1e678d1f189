package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Host         HostConfig         `yaml:"host"`
	Server       ServerConfig       `yaml:"server"`
	Reasoner     ReasonerConfig     `yaml:"reasoner"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Conversation ConversationConfig `yaml:"conversation"`
	Retention    RetentionConfig    `yaml:"retention"`
	Agents       []AgentConfig      `yaml:"agents"`
	Routing      RoutingConfig      `yaml:"routing"`
	Tools        ToolsConfig        `yaml:"tools"`
	Remote       RemoteConfig       `yaml:"remote"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

// HostConfig identifies this bridge instance in its discovery document.
type HostConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ServerConfig holds the envelope server settings.
type ServerConfig struct {
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	MDNS      bool            `yaml:"mdns"`
}

// AuthConfig holds server authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or "" (open)
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single server auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// RateLimitConfig holds per-client request rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// ReasonerConfig holds settings for the external reasoning backend.
type ReasonerConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai" or "bedrock"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
	TokenBudget int           `yaml:"token_budget"` // 0 = count-based truncation only
}

// PoolConfig holds HTTP connection pool settings for outbound clients.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ExecutorConfig holds task lifecycle settings.
type ExecutorConfig struct {
	MaxIterations        int           `yaml:"max_iterations"`
	ReasoningTimeout     time.Duration `yaml:"reasoning_timeout"`
	ClarificationTimeout time.Duration `yaml:"clarification_timeout"`
	EventBuffer          int           `yaml:"event_buffer"`
	SystemPrompt         string        `yaml:"system_prompt"`
}

// ConversationConfig holds conversation store settings.
type ConversationConfig struct {
	MaxHistory int           `yaml:"max_history"`
	IdleTTL    time.Duration `yaml:"idle_ttl"`
}

// RetentionConfig holds retention sweep settings. The schedule accepts a cron
// expression or a duration string.
type RetentionConfig struct {
	TaskTTL       time.Duration `yaml:"task_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// AgentConfig declares one specialist agent registered at startup.
type AgentConfig struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description,omitempty"`
	Capabilities []string          `yaml:"capabilities"`
	Endpoint     string            `yaml:"endpoint,omitempty"`
	Local        bool              `yaml:"local"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

// RoutingConfig holds the ordered routing rule table.
type RoutingConfig struct {
	Fallback string              `yaml:"fallback,omitempty"`
	Rules    []RoutingRuleConfig `yaml:"rules"`
}

// RoutingRuleConfig maps request keywords onto an agent id. Rules are
// evaluated in declaration order; the first match wins.
type RoutingRuleConfig struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	AgentID  string   `yaml:"agent_id"`
}

// ToolsConfig holds specialist toolset settings.
type ToolsConfig struct {
	SysMetricsEnabled bool `yaml:"sysmetrics_enabled"`
	SecurityEnabled   bool `yaml:"security_enabled"`
	CostEnabled       bool `yaml:"cost_enabled"`

	InventoryEnabled bool   `yaml:"inventory_enabled"`
	InventoryDB      string `yaml:"inventory_db"`

	ContainerEnabled bool   `yaml:"container_enabled"`
	ContainerHost    string `yaml:"container_host"` // "unix://..." socket or "http://host:port"

	// MCP (Model Context Protocol) bridge.
	MCPEnabled bool        `yaml:"mcp_enabled"`
	MCPServers []MCPServer `yaml:"mcp_servers,omitempty"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// RemoteConfig holds settings for dispatching to remote agent endpoints.
type RemoteConfig struct {
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for remote dispatch.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.opsbridge/data. Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".opsbridge", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Host: HostConfig{
			Name:        "opsbridge",
			Description: "capability-routed task bridge for operations agents",
		},
		Server: ServerConfig{
			Addr: ":8080",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Reasoner: ReasonerConfig{
			Name:        "openai",
			Type:        "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Executor: ExecutorConfig{
			MaxIterations:        10,
			ReasoningTimeout:     60 * time.Second,
			ClarificationTimeout: 5 * time.Minute,
			EventBuffer:          64,
			SystemPrompt: "You are an operations assistant. Use the available " +
				"tools to answer infrastructure, security, cost, and inventory " +
				"questions. Ask for clarification when a request is ambiguous.",
		},
		Conversation: ConversationConfig{
			MaxHistory: 50,
			IdleTTL:    time.Hour,
		},
		Retention: RetentionConfig{
			TaskTTL:       30 * time.Minute,
			SweepSchedule: "5m",
		},
		Tools: ToolsConfig{
			SysMetricsEnabled: true,
			SecurityEnabled:   true,
			CostEnabled:       true,
			InventoryEnabled:  false,
			InventoryDB:       filepath.Join(dataDir, "inventory.db"),
			ContainerEnabled:  false,
			ContainerHost:     "unix:///var/run/docker.sock",
		},
		Remote: RemoteConfig{
			ConnTimeout: 10 * time.Second,
			RespTimeout: 120 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error: defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("OPSBRIDGE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps OPSBRIDGE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSBRIDGE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OPSBRIDGE_SERVER_MDNS"); v == "true" {
		cfg.Server.MDNS = true
	}
	if v := os.Getenv("OPSBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("OPSBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("OPSBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("OPSBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("OPSBRIDGE_REASONER_TYPE"); v != "" {
		cfg.Reasoner.Type = v
	}
	if v := os.Getenv("OPSBRIDGE_REASONER_MODEL"); v != "" {
		cfg.Reasoner.Model = v
	}
	if v := os.Getenv("OPSBRIDGE_REASONER_BASE_URL"); v != "" {
		cfg.Reasoner.BaseURL = v
	}
	if v := os.Getenv("OPSBRIDGE_REASONER_API_KEY"); v != "" {
		cfg.Reasoner.APIKey = v
	}
	if v := os.Getenv("OPSBRIDGE_REASONER_REGION"); v != "" {
		cfg.Reasoner.Region = v
	}
	if v := os.Getenv("OPSBRIDGE_EXECUTOR_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Executor.MaxIterations = n
		}
	}
	if v := os.Getenv("OPSBRIDGE_EXECUTOR_REASONING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Executor.ReasoningTimeout = d
		}
	}
	if v := os.Getenv("OPSBRIDGE_EXECUTOR_CLARIFICATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Executor.ClarificationTimeout = d
		}
	}
	if v := os.Getenv("OPSBRIDGE_CONVERSATION_MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Conversation.MaxHistory = n
		}
	}
	if v := os.Getenv("OPSBRIDGE_RETENTION_TASK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Retention.TaskTTL = d
		}
	}
	if v := os.Getenv("OPSBRIDGE_RETENTION_SWEEP_SCHEDULE"); v != "" {
		cfg.Retention.SweepSchedule = v
	}
	if v := os.Getenv("OPSBRIDGE_TOOLS_INVENTORY_ENABLED"); v == "true" {
		cfg.Tools.InventoryEnabled = true
	}
	if v := os.Getenv("OPSBRIDGE_TOOLS_INVENTORY_DB"); v != "" {
		cfg.Tools.InventoryDB = v
	}
	if v := os.Getenv("OPSBRIDGE_TOOLS_CONTAINER_ENABLED"); v == "true" {
		cfg.Tools.ContainerEnabled = true
	}
	if v := os.Getenv("OPSBRIDGE_TOOLS_CONTAINER_HOST"); v != "" {
		cfg.Tools.ContainerHost = v
	}
	if v := os.Getenv("OPSBRIDGE_TOOLS_MCP_ENABLED"); v == "true" {
		cfg.Tools.MCPEnabled = true
	}
	if v := os.Getenv("OPSBRIDGE_ROUTING_FALLBACK"); v != "" {
		cfg.Routing.Fallback = v
	}
	if v := os.Getenv("OPSBRIDGE_ROUTING_RULE_KEYWORDS"); v != "" {
		// Emergency single-rule override, mostly for smoke tests:
		// "<agent_id>:kw1,kw2".
		if parts := strings.SplitN(v, ":", 2); len(parts) == 2 {
			cfg.Routing.Rules = append([]RoutingRuleConfig{{
				Name:     "env-override",
				AgentID:  parts[0],
				Keywords: splitAndTrim(parts[1], ","),
			}}, cfg.Routing.Rules...)
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secret-bearing fields and
// decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Reasoner.APIKey, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Reasoner.APIKey, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("reasoner api_key: %w", err)
		}
		cfg.Reasoner.APIKey = decrypted
	}

	for i := range cfg.Server.Auth.Tokens {
		tok := cfg.Server.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("server auth token %s: %w", cfg.Server.Auth.Tokens[i].Name, err)
			}
			cfg.Server.Auth.Tokens[i].Token = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
