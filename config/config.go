// Package config is the process-wide config registry: loaded once from a JSON
// document, it exposes provider credentials and per-role model bindings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provider describes one upstream LLM/embedding endpoint.
type Provider struct {
	Name    string `json:"name"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// VectorConfig selects the embedding/rerank provider and model names.
type VectorConfig struct {
	Provider       string `json:"provider"`
	EmbeddingModel string `json:"embedding_model"`
	RerankModel    string `json:"rerank_model"`
}

// Role binds a named capability (e.g. "narrator", "director", "reflex") to a
// model, a provider, an optional fallback, and its system prompt.
type Role struct {
	Key             string  `json:"key"`
	Model           string  `json:"model"`
	Provider        string  `json:"provider"`
	Temperature     float64 `json:"temperature"`
	MaxTokens       int     `json:"max_tokens"`
	Prompt          string  `json:"prompt"`
	FallbackModel   string  `json:"fallback_model"`
	FallbackProvider string `json:"fallback_provider"`
}

// RoleBinding is the resolved, ready-to-use form of a Role: provider
// credentials already looked up, prompt already unquoted.
type RoleBinding struct {
	Model            string
	APIKey           string
	BaseURL          string
	Temperature      float64
	MaxTokens        int
	Prompt           string
	FallbackModel    string
	FallbackAPIKey   string
	FallbackBaseURL  string
	HasFallback      bool
}

// document is the on-disk JSON shape: providers/vector/roles plus any
// upper-case top-level key, which becomes a process global (matching the
// source system's `for key, value in data.items(): if key.isupper(): ...`
// convention).
type document struct {
	Providers map[string]Provider `json:"providers"`
	Vector    VectorConfig        `json:"vector"`
	Roles     []Role              `json:"roles"`
	Globals   map[string]any      `json:"-"`
}

// Config is the loaded, typed configuration surface for the whole process.
type Config struct {
	HTTP      HTTPConfig
	Features  FeatureFlags
	Scheduler SchedulerConfig
	Harvester HarvesterConfig
	Redis     RedisConfig
	Storage   StorageConfig

	Vector VectorConfig

	providers map[string]Provider
	roles     map[string]RoleBinding

	// Globals holds any upper-case top-level JSON key verbatim, for ad-hoc
	// process-wide values that don't warrant a dedicated struct field.
	Globals map[string]any
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// FeatureFlags holds feature flag settings.
type FeatureFlags struct {
	HTTPServerEnabled         bool
	GraphVisualizationEnabled bool
	HarvesterEnabled          bool
}

// SchedulerConfig governs the memory compressor's trigger thresholds.
type SchedulerConfig struct {
	Enabled                     bool
	CheckInterval               time.Duration
	FirstSummarizationThreshold int           // messages before the first MICRO (default: 5)
	SubsequentMessageThreshold  int           // messages before a subsequent MICRO (default: 5)
	MicroPerMacro               int           // MICRO nodes folded into one MACRO (default: 10)
	SubsequentTimeThreshold     time.Duration
	LastActivityThreshold       time.Duration
	SummaryModel                string
	DisableLogs                 bool
}

// HarvesterConfig governs the knowledge harvester worker.
type HarvesterConfig struct {
	Enabled       bool
	QueueBuffer   int
	MaxResults    int
	Whitelist     []string
	Blacklist     []string
	FetchTimeout  time.Duration
	SearchTimeout time.Duration
}

// RedisConfig governs the optional hot cache.
type RedisConfig struct {
	Enabled bool
	Addr    string
	DB      int
	Password string
	TTL     time.Duration
}

// StorageConfig governs on-disk paths for the relational store and graph files.
type StorageConfig struct {
	CoreDBPath     string
	RulesDBPath    string
	GraphDir       string
	VectorCacheDir string
}

// Load loads configuration: a JSON document first (if present at path, or at
// the AGENTIZE_CONFIG_PATH / ./config.json default), then environment
// variables as a secondary override layer.
func Load(path string) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Enabled: getEnvBool("AGENTIZE_HTTP_ENABLED", false),
			Host:    getEnvString("AGENTIZE_HTTP_HOST", "0.0.0.0"),
			Port:    getEnvInt("AGENTIZE_HTTP_PORT", 8080),
		},
		Features: FeatureFlags{
			HTTPServerEnabled:         getEnvBool("AGENTIZE_FEATURE_HTTP", false),
			GraphVisualizationEnabled: getEnvBool("AGENTIZE_FEATURE_GRAPH", true),
			HarvesterEnabled:          getEnvBool("AGENTIZE_FEATURE_HARVESTER", true),
		},
		Scheduler: loadSchedulerConfig(),
		Harvester: HarvesterConfig{
			Enabled:       getEnvBool("AGENTIZE_HARVESTER_ENABLED", true),
			QueueBuffer:   getEnvInt("AGENTIZE_HARVESTER_QUEUE", 256),
			MaxResults:    getEnvInt("AGENTIZE_HARVESTER_MAX_RESULTS", 6),
			Whitelist:     []string{"wikipedia.org", "britannica.com"},
			Blacklist:     []string{"pinterest.com"},
			FetchTimeout:  30 * time.Second,
			SearchTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("AGENTIZE_REDIS_ENABLED", true),
			Addr:     getEnvString("AGENTIZE_REDIS_ADDR", "localhost:6379"),
			DB:       getEnvInt("AGENTIZE_REDIS_DB", 0),
			Password: getEnvString("AGENTIZE_REDIS_PASSWORD", ""),
			TTL:      time.Duration(getEnvInt("AGENTIZE_REDIS_TTL_SECONDS", 3600)) * time.Second,
		},
		Storage: StorageConfig{
			CoreDBPath:     getEnvString("AGENTIZE_CORE_DB", "./data/chat_core.db"),
			RulesDBPath:    getEnvString("AGENTIZE_RULES_DB", "./data/rules_preset.db"),
			GraphDir:       getEnvString("AGENTIZE_GRAPH_DIR", "./data/graph"),
			VectorCacheDir: getEnvString("AGENTIZE_VECTOR_CACHE_DIR", "./data/vector_cache"),
		},
		providers: map[string]Provider{},
		roles:     map[string]RoleBinding{},
		Globals:   map[string]any{},
	}

	if path == "" {
		path = getEnvString("AGENTIZE_CONFIG_PATH", "./config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.providers = doc.Providers
	cfg.Vector = doc.Vector

	for key, v := range raw {
		if key != "" && strings.ToUpper(key) == key {
			var value any
			if err := json.Unmarshal(v, &value); err == nil {
				cfg.Globals[key] = value
			}
		}
	}

	for _, role := range doc.Roles {
		provider := cfg.providers[role.Provider]
		binding := RoleBinding{
			Model:       role.Model,
			APIKey:      provider.APIKey,
			BaseURL:     provider.BaseURL,
			Temperature: role.Temperature,
			MaxTokens:   role.MaxTokens,
			Prompt:      cleanPromptContent(role.Prompt),
		}
		if binding.Temperature == 0 {
			binding.Temperature = 0.7
		}
		if binding.MaxTokens == 0 {
			binding.MaxTokens = 8192
		}
		if role.FallbackProvider != "" && role.FallbackModel != "" {
			if fb, ok := cfg.providers[role.FallbackProvider]; ok {
				binding.HasFallback = true
				binding.FallbackModel = role.FallbackModel
				binding.FallbackAPIKey = fb.APIKey
				binding.FallbackBaseURL = fb.BaseURL
			}
		}
		cfg.roles[role.Key] = binding
	}

	return cfg, nil
}

// Role looks up a resolved role binding by key (e.g. "narrator", "director").
func (c *Config) Role(key string) (RoleBinding, bool) {
	r, ok := c.roles[key]
	return r, ok
}

// Provider looks up a raw provider entry by key.
func (c *Config) Provider(key string) (Provider, bool) {
	p, ok := c.providers[key]
	return p, ok
}

// cleanPromptContent mirrors the source system's convention of allowing a
// prompt to be wrapped in triple-quotes in the JSON document for readability.
func cleanPromptContent(text string) string {
	if text == "" {
		return ""
	}
	const quote = `"""`
	if strings.HasPrefix(text, quote) && strings.HasSuffix(text, quote) && len(text) >= 2*len(quote) {
		return strings.TrimSpace(text[len(quote) : len(text)-len(quote)])
	}
	return strings.TrimSpace(text)
}

func loadSchedulerConfig() SchedulerConfig {
	checkIntervalMinutes := getEnvInt("AGENTIZE_SCHEDULER_CHECK_INTERVAL_MINUTES", 5)
	subsequentTimeThresholdMinutes := getEnvInt("AGENTIZE_SCHEDULER_SUBSEQUENT_TIME_THRESHOLD_MINUTES", 60)
	lastActivityThresholdMinutes := getEnvInt("AGENTIZE_SCHEDULER_LAST_ACTIVITY_THRESHOLD_MINUTES", 60)

	enabled := true
	if envVal := os.Getenv("AGENTIZE_SCHEDULER_ENABLED"); envVal != "" {
		if enabledVal, err := strconv.ParseBool(envVal); err == nil {
			enabled = enabledVal
		}
	}

	return SchedulerConfig{
		Enabled:                     enabled,
		CheckInterval:               time.Duration(checkIntervalMinutes) * time.Minute,
		FirstSummarizationThreshold: getEnvInt("AGENTIZE_SCHEDULER_FIRST_THRESHOLD", 5),
		SubsequentMessageThreshold:  getEnvInt("AGENTIZE_SCHEDULER_SUBSEQUENT_MESSAGE_THRESHOLD", 5),
		MicroPerMacro:               getEnvInt("AGENTIZE_SCHEDULER_MICRO_PER_MACRO", 10),
		SubsequentTimeThreshold:     time.Duration(subsequentTimeThresholdMinutes) * time.Minute,
		LastActivityThreshold:       time.Duration(lastActivityThresholdMinutes) * time.Minute,
		SummaryModel:                getEnvString("AGENTIZE_SCHEDULER_SUMMARY_MODEL", "gpt-4o-mini"),
		DisableLogs:                 getEnvBool("AGENTIZE_SCHEDULER_DISABLE_LOGS", false),
	}
}

// GetAddress returns the HTTP server address.
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
