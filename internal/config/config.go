package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DetectorCfg holds the entity detection service credentials.
type DetectorCfg struct {
	Endpoint string `yaml:"endpoint"` // MEDASK_LANGUAGE_ENDPOINT
	Key      string `yaml:"key"`      // MEDASK_LANGUAGE_KEY
	Domain   string `yaml:"domain"`   // detection domain, default "phi"
	Language string `yaml:"language"` // document language, default "en"
}

// GateCfg holds the redaction gate policy.
type GateCfg struct {
	Mode      string  `yaml:"mode"`      // "redact" or "reject", default "redact" (MEDASK_MODE)
	Threshold float64 `yaml:"threshold"` // minimum span confidence, default 0.8 (MEDASK_THRESHOLD)
}

// AgentCfg holds the hosted agent service credentials.
type AgentCfg struct {
	Endpoint           string `yaml:"endpoint"`             // MEDASK_AGENT_ENDPOINT
	Key                string `yaml:"key"`                  // MEDASK_AGENT_KEY
	APIVersion         string `yaml:"api_version"`          // MEDASK_AGENT_API_VERSION
	AgentID            string `yaml:"agent_id"`             // MEDASK_AGENT_ID (created on first use if empty)
	Model              string `yaml:"model"`                // MEDASK_AGENT_MODEL
	SearchConnectionID string `yaml:"search_connection_id"` // MEDASK_AGENT_SEARCH_CONNECTION
}

// SearchCfg holds the web search service credentials.
type SearchCfg struct {
	Endpoint string `yaml:"endpoint"` // MEDASK_SEARCH_ENDPOINT
	Key      string `yaml:"key"`      // MEDASK_SEARCH_KEY
	Count    int    `yaml:"count"`    // results per query, default 5
}

// CompletionCfg holds the OpenAI-compatible completion service credentials.
type CompletionCfg struct {
	BaseURL string `yaml:"base_url"` // MEDASK_OPENAI_BASE_URL
	Key     string `yaml:"key"`      // MEDASK_OPENAI_KEY
	Model   string `yaml:"model"`    // MEDASK_OPENAI_MODEL
}

// RouteCfg holds fallback chain settings.
type RouteCfg struct {
	AttemptTimeout string `yaml:"attempt_timeout"` // Go duration per backend attempt, default "30s" (MEDASK_ATTEMPT_TIMEOUT)
}

// ServerCfg holds HTTP server settings.
type ServerCfg struct {
	ListenAddr string `yaml:"listen_addr"` // default :8080 (PORT overrides the port)
}

// Cfg holds all runtime configuration.
type Cfg struct {
	Detector   DetectorCfg   `yaml:"detector"`
	Gate       GateCfg       `yaml:"gate"`
	Agent      AgentCfg      `yaml:"agent"`
	Search     SearchCfg     `yaml:"search"`
	Completion CompletionCfg `yaml:"completion"`
	Route      RouteCfg      `yaml:"route"`
	Server     ServerCfg     `yaml:"server"`
}

// Load reads .env (if present), then the optional YAML file at path, then
// environment variables. Later sources win. An empty path falls back to
// MEDASK_CONFIG; no file at all is fine.
func Load(path string) (*Cfg, error) {
	// Best-effort: load .env from current directory
	_ = godotenv.Load()

	cfg := defaults()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("MEDASK_CONFIG"))
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Cfg {
	return &Cfg{
		Detector: DetectorCfg{Domain: "phi", Language: "en"},
		Gate:     GateCfg{Mode: "redact", Threshold: 0.8},
		Search:   SearchCfg{Count: 5},
		Route:    RouteCfg{AttemptTimeout: "30s"},
		Server:   ServerCfg{ListenAddr: ":8080"},
	}
}

func applyEnv(c *Cfg) {
	setStr(&c.Detector.Endpoint, "MEDASK_LANGUAGE_ENDPOINT")
	setStr(&c.Detector.Key, "MEDASK_LANGUAGE_KEY")
	setStr(&c.Detector.Domain, "MEDASK_LANGUAGE_DOMAIN")

	setStr(&c.Gate.Mode, "MEDASK_MODE")
	if raw := strings.TrimSpace(os.Getenv("MEDASK_THRESHOLD")); raw != "" {
		var f float64
		if _, err := fmt.Sscanf(raw, "%f", &f); err == nil {
			c.Gate.Threshold = f
		}
	}

	setStr(&c.Agent.Endpoint, "MEDASK_AGENT_ENDPOINT")
	setStr(&c.Agent.Key, "MEDASK_AGENT_KEY")
	setStr(&c.Agent.APIVersion, "MEDASK_AGENT_API_VERSION")
	setStr(&c.Agent.AgentID, "MEDASK_AGENT_ID")
	setStr(&c.Agent.Model, "MEDASK_AGENT_MODEL")
	setStr(&c.Agent.SearchConnectionID, "MEDASK_AGENT_SEARCH_CONNECTION")

	setStr(&c.Search.Endpoint, "MEDASK_SEARCH_ENDPOINT")
	setStr(&c.Search.Key, "MEDASK_SEARCH_KEY")

	setStr(&c.Completion.BaseURL, "MEDASK_OPENAI_BASE_URL")
	setStr(&c.Completion.Key, "MEDASK_OPENAI_KEY")
	setStr(&c.Completion.Model, "MEDASK_OPENAI_MODEL")

	setStr(&c.Route.AttemptTimeout, "MEDASK_ATTEMPT_TIMEOUT")

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.Server.ListenAddr = ":" + port
	}
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate checks that the redaction gate can run and at least one answer
// backend has credentials.
func (c *Cfg) Validate() error {
	if c.Detector.Endpoint == "" || c.Detector.Key == "" {
		return fmt.Errorf("config: entity detector requires MEDASK_LANGUAGE_ENDPOINT and MEDASK_LANGUAGE_KEY")
	}
	switch strings.ToLower(strings.TrimSpace(c.Gate.Mode)) {
	case "redact", "reject":
	default:
		return fmt.Errorf("config: unknown mode %q (want redact or reject)", c.Gate.Mode)
	}
	if c.Gate.Threshold < 0 || c.Gate.Threshold > 1 {
		return fmt.Errorf("config: threshold %v out of range [0, 1]", c.Gate.Threshold)
	}
	if d, err := time.ParseDuration(c.Route.AttemptTimeout); err != nil || d <= 0 {
		return fmt.Errorf("config: attempt_timeout %q is not a positive duration", c.Route.AttemptTimeout)
	}
	if !c.AgentConfigured() && !c.CompletionConfigured() {
		return fmt.Errorf("config: no answer backend configured (set agent or completion credentials)")
	}
	return nil
}

// AgentConfigured reports whether the agent backend has credentials.
func (c *Cfg) AgentConfigured() bool {
	return c.Agent.Endpoint != "" && c.Agent.Key != ""
}

// SearchConfigured reports whether the web search service has credentials.
func (c *Cfg) SearchConfigured() bool {
	return c.Search.Endpoint != "" && c.Search.Key != ""
}

// CompletionConfigured reports whether the completion service has credentials.
func (c *Cfg) CompletionConfigured() bool {
	return c.Completion.BaseURL != "" && c.Completion.Key != ""
}

// AttemptTimeoutDuration returns the parsed per-backend attempt timeout.
func (c *Cfg) AttemptTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Route.AttemptTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
