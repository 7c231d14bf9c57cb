// Package config owns the single JSON configuration document: loading,
// env expansion, validation, live reload, and runtime mutation with
// save-back (the surface the external editor consumes).
package config

import (
	"fmt"
	"strings"
)

// Role names bound to pipeline stages. Every role resolves to a provider,
// a model, and a system prompt.
const (
	RoleReflex      = "reflex"
	RoleDirector    = "director"
	RoleNarrator    = "narrator"
	RoleDraft       = "draft"
	RoleCritic      = "critic"
	RoleHistorian   = "historian"
	RoleStatus      = "status"
	RoleSociologist = "sociologist"
	RoleSeeker      = "seeker"
	RoleExtractor   = "extractor"
)

// WellKnownRoles lists every role the pipeline consumes.
var WellKnownRoles = []string{
	RoleReflex, RoleDirector, RoleNarrator, RoleDraft, RoleCritic,
	RoleHistorian, RoleStatus, RoleSociologist, RoleSeeker, RoleExtractor,
}

// Config is the whole configuration document.
type Config struct {
	Providers     map[string]ProviderConfig `yaml:"providers" json:"providers"`
	Fallback      FallbackConfig            `yaml:"fallback" json:"fallback"`
	Vector        VectorConfig              `yaml:"vector" json:"vector"`
	Roles         map[string]RoleConfig     `yaml:"roles" json:"roles"`
	Storage       StorageConfig             `yaml:"storage" json:"storage"`
	Cache         CacheConfig               `yaml:"cache" json:"cache"`
	Harvester     HarvesterConfig           `yaml:"harvester" json:"harvester"`
	Server        ServerConfig              `yaml:"server" json:"server"`
	Observability ObservabilityConfig       `yaml:"observability" json:"observability"`
}

// ProviderConfig holds credentials for one remote chat-completion provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model,omitempty"`
	// Type selects the wire protocol: "openai" (default) or "gemini".
	Type string `yaml:"type" json:"type,omitempty"`
}

// FallbackConfig names the provider+model used when the primary generation
// call exhausts its retries. Streaming never falls back.
type FallbackConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// VectorConfig points at the embedding and rerank service.
type VectorConfig struct {
	APIKey         string `yaml:"api_key" json:"api_key"`
	BaseURL        string `yaml:"base_url" json:"base_url"`
	EmbeddingModel string `yaml:"embedding_model" json:"embedding_model"`
	RerankModel    string `yaml:"rerank_model" json:"rerank_model"`
}

// RoleConfig binds one pipeline role to a provider, model, and prompt.
// A role with LocalPath runs on the local llama.cpp provider instead.
type RoleConfig struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Model       string  `yaml:"model" json:"model"`
	Prompt      string  `yaml:"prompt" json:"prompt"`
	LocalPath   string  `yaml:"local_path" json:"local_path,omitempty"`
	Temperature float64 `yaml:"temperature" json:"temperature,omitempty"`
}

// StorageConfig locates the durable stores.
type StorageConfig struct {
	DataDir  string            `yaml:"data_dir" json:"data_dir"`
	ChatDSN  string            `yaml:"chat_dsn" json:"chat_dsn,omitempty"`
	RulesDSN string            `yaml:"rules_dsn" json:"rules_dsn,omitempty"`
	Vector   VectorStoreConfig `yaml:"vector" json:"vector"`
}

// VectorStoreConfig selects the vector backend. chromem is embedded and
// needs no endpoint; qdrant and pinecone are the remote options.
type VectorStoreConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Host    string `yaml:"host" json:"host,omitempty"`
	Port    int    `yaml:"port" json:"port,omitempty"`
	APIKey  string `yaml:"api_key" json:"api_key,omitempty"`
	UseTLS  bool   `yaml:"use_tls" json:"use_tls,omitempty"`
	Index   string `yaml:"index" json:"index,omitempty"`
}

// CacheConfig tunes the hot session cache.
type CacheConfig struct {
	Enabled      *bool `yaml:"enabled" json:"enabled,omitempty"`
	TTLSeconds   int   `yaml:"ttl_seconds" json:"ttl_seconds"`
	HistoryLimit int   `yaml:"history_limit" json:"history_limit"`
}

// IsEnabled treats an absent flag as on.
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HarvesterConfig tunes the background knowledge harvester.
type HarvesterConfig struct {
	Enabled    *bool  `yaml:"enabled" json:"enabled,omitempty"`
	MaxResults int    `yaml:"max_results" json:"max_results"`
	Proxy      string `yaml:"proxy" json:"proxy,omitempty"`
}

// IsEnabled treats an absent flag as on.
func (c HarvesterConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ServerConfig is the HTTP bind address.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// ObservabilityConfig switches tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// TracingConfig configures the otel tracer provider.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Exporter string `yaml:"exporter" json:"exporter,omitempty"` // stdout | otlp
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
}

// MetricsConfig configures the prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// SetDefaults fills every absent subtree so downstream code never checks
// for zero values.
func (c *Config) SetDefaults() {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	if c.Roles == nil {
		c.Roles = map[string]RoleConfig{}
	}
	if c.Vector.EmbeddingModel == "" {
		c.Vector.EmbeddingModel = "BAAI/bge-m3"
	}
	if c.Vector.RerankModel == "" {
		c.Vector.RerankModel = "BAAI/bge-reranker-v2-m3"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.Vector.Backend == "" {
		c.Storage.Vector.Backend = "chromem"
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 3600
	}
	if c.Cache.HistoryLimit <= 0 {
		c.Cache.HistoryLimit = 20
	}
	if c.Harvester.MaxResults <= 0 {
		c.Harvester.MaxResults = 6
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8000
	}
	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = "stdout"
	}
}

// Validate rejects documents the pipeline cannot run on.
func (c *Config) Validate() error {
	for name, p := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("provider with empty name")
		}
		switch p.Type {
		case "", "openai", "gemini":
		default:
			return fmt.Errorf("provider %q: unknown type %q", name, p.Type)
		}
		if p.Type != "gemini" && p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", name)
		}
	}

	for role, rc := range c.Roles {
		if rc.LocalPath != "" {
			continue // local roles do not need a provider
		}
		if rc.Provider == "" {
			return fmt.Errorf("role %q: provider is required", role)
		}
		if _, ok := c.Providers[rc.Provider]; !ok {
			return fmt.Errorf("role %q: unknown provider %q", role, rc.Provider)
		}
	}

	if c.Fallback.Provider != "" {
		if _, ok := c.Providers[c.Fallback.Provider]; !ok {
			return fmt.Errorf("fallback: unknown provider %q", c.Fallback.Provider)
		}
	}

	switch c.Storage.Vector.Backend {
	case "chromem", "qdrant":
	case "pinecone":
		if c.Storage.Vector.APIKey == "" {
			return fmt.Errorf("storage.vector: pinecone requires api_key")
		}
	default:
		return fmt.Errorf("storage.vector: unknown backend %q", c.Storage.Vector.Backend)
	}

	return nil
}

// Role returns the binding for a role, falling back to the narrator binding
// so a sparsely configured document still runs every stage.
func (c *Config) Role(name string) RoleConfig {
	if rc, ok := c.Roles[name]; ok {
		return rc
	}
	return c.Roles[RoleNarrator]
}
