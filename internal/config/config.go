package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds the full safety-layer configuration. Every orchestrator
// instance receives its own copy; there is no ambient global state.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Auth        AuthConfig        `koanf:"auth"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	Safety      SafetyConfig      `koanf:"safety"`
	Consistency ConsistencyConfig `koanf:"consistency"`
	Audit       AuditConfig       `koanf:"audit"`
	Alerts      AlertsConfig      `koanf:"alerts"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSAllowAll    bool          `koanf:"cors_allow_all"`
}

type LoggingConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

type AuthConfig struct {
	// JWTSecret verifies bearer tokens minted by the external auth system.
	JWTSecret    string `koanf:"jwt_secret"`
	JWTSecretEnv string `koanf:"jwt_secret_env"`
}

// GatewayConfig describes the external LLM service. Endpoint empty means the
// gateway is unconfigured and the layer runs in degraded local-only mode.
type GatewayConfig struct {
	Endpoint     string        `koanf:"endpoint"`
	APIKeyEnv    string        `koanf:"api_key_env"`
	APIVersion   string        `koanf:"api_version"`
	Deployment   string        `koanf:"deployment"`
	CallTimeout  time.Duration `koanf:"call_timeout"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	BreakerTrips uint32        `koanf:"breaker_trips"`
	BreakerReset time.Duration `koanf:"breaker_reset"`
}

// SafetyConfig carries the decision thresholds. The exact weights are
// deliberately configuration, not constants.
type SafetyConfig struct {
	PIIConfidenceFloor     float64       `koanf:"pii_confidence_floor"`
	HallucinationThreshold float64       `koanf:"hallucination_threshold"`
	DefaultMaskingLevel    string        `koanf:"default_masking_level"`
	MediumRiskThreshold    float64       `koanf:"medium_risk_threshold"`
	HighRiskThreshold      float64       `koanf:"high_risk_threshold"`
	CriticalRiskThreshold  float64       `koanf:"critical_risk_threshold"`
	DirectIdentifierRisk   float64       `koanf:"direct_identifier_risk"`
	StrongIdentifierRisk   float64       `koanf:"strong_identifier_risk"`
	IndirectIdentifierRisk float64       `koanf:"indirect_identifier_risk"`
	EnableAutoRewrite      bool          `koanf:"enable_auto_rewrite"`
	CheckBudget            time.Duration `koanf:"check_budget"`
	WorkflowBudget         time.Duration `koanf:"workflow_budget"`
}

type ConsistencyConfig struct {
	ConsistentThreshold float64 `koanf:"consistent_threshold"`
	ReviewThreshold     float64 `koanf:"review_threshold"`
	SessionCacheSize    int     `koanf:"session_cache_size"`
}

type AuditConfig struct {
	Path string `koanf:"path"`
	// ChainAnchor seeds the hash chain's genesis value per deployment.
	ChainAnchor string `koanf:"chain_anchor"`
}

type AlertsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	FilePath   string `koanf:"file_path"`
	WebhookURL string `koanf:"webhook_url"`
	QueueSize  int    `koanf:"queue_size"`
	Workers    int    `koanf:"workers"`
}

// Load builds the config from defaults, an optional YAML file, and
// SAFEGUARD_-prefixed environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("SAFEGUARD_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "SAFEGUARD_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" && cfg.Auth.JWTSecretEnv != "" {
		cfg.Auth.JWTSecret = os.Getenv(cfg.Auth.JWTSecretEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Auth:    AuthConfig{JWTSecretEnv: "SAFEGUARD_JWT_SECRET"},
		Gateway: GatewayConfig{
			APIKeyEnv:    "AZURE_OPENAI_API_KEY",
			APIVersion:   "2024-02-01",
			Deployment:   "gpt-4.1-mini",
			CallTimeout:  6 * time.Second,
			RetryBackoff: 500 * time.Millisecond,
			BreakerTrips: 5,
			BreakerReset: 30 * time.Second,
		},
		Safety: SafetyConfig{
			PIIConfidenceFloor:     0.5,
			HallucinationThreshold: 0.4,
			DefaultMaskingLevel:    "standard",
			MediumRiskThreshold:    0.3,
			HighRiskThreshold:      0.6,
			CriticalRiskThreshold:  0.8,
			DirectIdentifierRisk:   0.6,
			StrongIdentifierRisk:   0.8,
			IndirectIdentifierRisk: 0.4,
			EnableAutoRewrite:      true,
			CheckBudget:            10 * time.Second,
			WorkflowBudget:         30 * time.Second,
		},
		Consistency: ConsistencyConfig{
			ConsistentThreshold: 0.8,
			ReviewThreshold:     0.6,
			SessionCacheSize:    256,
		},
		Audit: AuditConfig{
			Path:        "data/audit.db",
			ChainAnchor: "safeguard-audit-v1",
		},
		Alerts: AlertsConfig{
			QueueSize: 256,
			Workers:   2,
		},
	}
}
