// Package config loads and hot-reloads the process configuration from
// YAML, environment variables, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/corpusqa/corpusqa/internal/providers"
)

// Config is the full configuration surface.
type Config struct {
	Server       ServerConfig                 `mapstructure:"server" yaml:"server"`
	Corpus       CorpusConfig                 `mapstructure:"corpus" yaml:"corpus"`
	Retrieval    RetrievalConfig              `mapstructure:"retrieval" yaml:"retrieval"`
	Rerank       RerankConfig                 `mapstructure:"rerank" yaml:"rerank"`
	PaperFinder  PaperFinderConfig            `mapstructure:"paper_finder" yaml:"paper_finder"`
	Pipeline     PipelineConfig               `mapstructure:"pipeline" yaml:"pipeline"`
	Tasks        TasksConfig                  `mapstructure:"tasks" yaml:"tasks"`
	Trace        TraceConfig                  `mapstructure:"trace" yaml:"trace"`
	Cache        CacheConfig                  `mapstructure:"cache" yaml:"cache"`
	LLMProviders map[string]LLMProviderConfig `mapstructure:"llm_providers" yaml:"llm_providers"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// CorpusConfig points at the paper index API.
type CorpusConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
}

// RetrievalConfig sizes the two search arms.
type RetrievalConfig struct {
	NRetrieval     int `mapstructure:"n_retrieval" yaml:"n_retrieval"`
	NKeywordSearch int `mapstructure:"n_keyword_srch" yaml:"n_keyword_srch"`
}

// RerankConfig selects and tunes the passage scorer.
type RerankConfig struct {
	Service         string `mapstructure:"service" yaml:"service"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey          string `mapstructure:"api_key" yaml:"api_key"`
	Model           string `mapstructure:"model" yaml:"model"`
	BatchSize       int    `mapstructure:"batch_size" yaml:"batch_size"`
	MaxInflight     int    `mapstructure:"max_inflight" yaml:"max_inflight"`
	ClientTimeoutMs int    `mapstructure:"client_timeout_ms" yaml:"client_timeout_ms"`
}

// PaperFinderConfig tunes passage-to-paper aggregation.
type PaperFinderConfig struct {
	NRerank          int     `mapstructure:"n_rerank" yaml:"n_rerank"`
	ContextThreshold float64 `mapstructure:"context_threshold" yaml:"context_threshold"`
	PassagesPerPaper int     `mapstructure:"passages_per_paper" yaml:"passages_per_paper"`
}

// PipelineConfig selects the models driving each stage. Provider names
// refer to llm_providers entries; model names are passed through to the
// provider. Empty stage models fall back to the main llm.
type PipelineConfig struct {
	Provider      string `mapstructure:"provider" yaml:"provider"`
	LLM           string `mapstructure:"llm" yaml:"llm"`
	FallbackLLM   string `mapstructure:"fallback_llm" yaml:"fallback_llm"`
	DecomposerLLM string `mapstructure:"decomposer_llm" yaml:"decomposer_llm"`
	TablesLLM     string `mapstructure:"tables_llm" yaml:"tables_llm"`
	MaxLLMWorkers int    `mapstructure:"max_llm_workers" yaml:"max_llm_workers"`
	RateLimitRPM  int    `mapstructure:"rate_limit_rpm" yaml:"rate_limit_rpm"`
	RateLimitITPM int    `mapstructure:"rate_limit_itpm" yaml:"rate_limit_itpm"`
	RateLimitOTPM int    `mapstructure:"rate_limit_otpm" yaml:"rate_limit_otpm"`
	Validate      bool   `mapstructure:"validate" yaml:"validate"`
}

// TasksConfig bounds task admission and lifetime.
type TasksConfig struct {
	MaxConcurrent  int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	TTLSeconds     int `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
}

// Timeout returns the per-task wall clock as a duration.
func (t TasksConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// TTL returns the terminal-task retention as a duration.
func (t TasksConfig) TTL() time.Duration {
	return time.Duration(t.TTLSeconds) * time.Second
}

// TraceConfig selects where per-task traces go.
type TraceConfig struct {
	Mode     string `mapstructure:"mode" yaml:"mode"`
	Location string `mapstructure:"location" yaml:"location"`
}

// CacheConfig tunes the model-call cache.
type CacheConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	LLMCacheDir string `mapstructure:"llm_cache_dir" yaml:"llm_cache_dir"`
	MaxEntries  int    `mapstructure:"max_entries" yaml:"max_entries"`
}

// LLMProviderConfig is one provider entry. API keys use ${ENV_VAR}
// references resolved at registry build time.
type LLMProviderConfig struct {
	Type    string `mapstructure:"type" yaml:"type"`
	Model   string `mapstructure:"model" yaml:"model"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads the initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and the config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("server", defaults.Server)
	viper.SetDefault("corpus", defaults.Corpus)
	viper.SetDefault("retrieval", defaults.Retrieval)
	viper.SetDefault("rerank", defaults.Rerank)
	viper.SetDefault("paper_finder", defaults.PaperFinder)
	viper.SetDefault("pipeline", defaults.Pipeline)
	viper.SetDefault("tasks", defaults.Tasks)
	viper.SetDefault("trace", defaults.Trace)
	viper.SetDefault("cache", defaults.Cache)
	viper.SetDefault("llm_providers", defaults.LLMProviders)

	// Environment variables with CORPUSQA_ prefix
	viper.SetEnvPrefix("CORPUSQA")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.corpusqa")
	}

	// The config file is optional; defaults cover everything.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ToProviderRegistryConfig converts the provider entries for
// providers.Registry, resolving ${ENV_VAR} references in API keys.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{
		LLMProviders: make(map[string]providers.LLMProviderConfig),
	}

	for name, llm := range c.LLMProviders {
		cfg.LLMProviders[name] = providers.LLMProviderConfig{
			Type:    llm.Type,
			Model:   llm.Model,
			APIKey:  ResolveEnvVars(llm.APIKey),
			BaseURL: llm.BaseURL,
			Enabled: llm.Enabled,
		}
	}

	return cfg
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# corpusqa configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENROUTER_API_KEY=xxx OPENAI_API_KEY=xxx S2_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
