// Package config resolves the fixed set of named flags the core reads.
// The resolved configuration is a read-only input, consumed once per
// policy evaluation; no component reads ambient configuration directly.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/shiftnote-labs/shiftnote/core/pkg/policy"
)

// Config is the full configuration surface.
type Config struct {
	ExecutionMode string         `yaml:"execution_mode" json:"execution_mode"`
	Profile       policy.Profile `yaml:"profile" json:"profile"`

	AuthRequired          bool   `yaml:"auth_required" json:"auth_required"`
	SecureContextRequired bool   `yaml:"secure_context_required" json:"secure_context_required"`
	AuthSecretEnv         string `yaml:"auth_secret_env" json:"auth_secret_env"`

	Capture CaptureConfig `yaml:"capture" json:"capture"`
	Vault   VaultConfig   `yaml:"vault" json:"vault"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	View    ViewConfig    `yaml:"view" json:"view"`
	Refine  RefineConfig  `yaml:"refine" json:"refine"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
}

type CaptureConfig struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	Provider      string  `yaml:"provider" json:"provider"`
	ChunkMs       int64   `yaml:"chunk_ms" json:"chunk_ms"`
	OverlapMs     int64   `yaml:"overlap_ms" json:"overlap_ms"`
	VADThreshold  float64 `yaml:"vad_threshold" json:"vad_threshold"`
	MaxRetries    int     `yaml:"max_retries" json:"max_retries"`
	ModelBundle   string  `yaml:"model_bundle" json:"model_bundle"`
	MaxSegments   int     `yaml:"max_segments" json:"max_segments"`
	MaxTotalChars int     `yaml:"max_total_chars" json:"max_total_chars"`
}

type VaultConfig struct {
	Path             string   `yaml:"path" json:"path"`
	MemoryOnly       bool     `yaml:"memory_only" json:"memory_only"`
	TTL              Duration `yaml:"ttl" json:"ttl"`
	SweepInterval    Duration `yaml:"sweep_interval" json:"sweep_interval"`
	AutosaveDebounce Duration `yaml:"autosave_debounce" json:"autosave_debounce"`
}

type StoreConfig struct {
	Path     string   `yaml:"path" json:"path"`
	TTL      Duration `yaml:"ttl" json:"ttl"`
	AuditCap int      `yaml:"audit_cap" json:"audit_cap"`
	AuditTTL Duration `yaml:"audit_ttl" json:"audit_ttl"`
}

type ViewConfig struct {
	LockAfter  Duration `yaml:"lock_after" json:"lock_after"`
	PurgeAfter Duration `yaml:"purge_after" json:"purge_after"`
	RevealHold Duration `yaml:"reveal_hold" json:"reveal_hold"`
	RevealFor  Duration `yaml:"reveal_for" json:"reveal_for"`
}

type RefineConfig struct {
	URL      string `yaml:"url" json:"url"`
	Model    string `yaml:"model" json:"model"`
	Required bool   `yaml:"required" json:"required"`
	Retries  int    `yaml:"retries" json:"retries"`
}

type SyncConfig struct {
	Configured bool   `yaml:"configured" json:"configured"`
	Sink       string `yaml:"sink" json:"sink"` // "s3" or "gcs"
	Bucket     string `yaml:"bucket" json:"bucket"`
}

// PolicyStatic is the configuration slice the policy evaluator reads.
// Every caller that evaluates policy derives it from here so provider
// selection and gating cannot diverge.
func (c *Config) PolicyStatic() policy.Static {
	return policy.Static{
		Mode:                  policy.ExecutionMode(c.ExecutionMode),
		Profile:               c.Profile,
		AuthRequired:          c.AuthRequired,
		SecureContextRequired: c.SecureContextRequired,
		ConfiguredProvider:    policy.Provider(c.Capture.Provider),
		RemoteSyncConfigured:  c.Sync.Configured,
	}
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		ExecutionMode:         string(policy.ModeLocalOnly),
		Profile:               policy.Profile{Name: "ward-default"},
		AuthRequired:          true,
		SecureContextRequired: true,
		AuthSecretEnv:         "SHIFTNOTE_AUTH_SECRET",
		Capture: CaptureConfig{
			Enabled:       true,
			Provider:      string(policy.ProviderLocalBatch),
			ChunkMs:       30_000,
			OverlapMs:     800,
			VADThreshold:  0.05,
			MaxRetries:    2,
			MaxSegments:   400,
			MaxTotalChars: 60_000,
		},
		Vault: VaultConfig{
			Path:             "shiftnote-vault.db",
			TTL:              Duration(24 * time.Hour),
			SweepInterval:    Duration(60 * time.Second),
			AutosaveDebounce: Duration(700 * time.Millisecond),
		},
		Store: StoreConfig{
			Path:     "shiftnote-store.db",
			TTL:      Duration(30 * 24 * time.Hour),
			AuditCap: 5000,
			AuditTTL: Duration(90 * 24 * time.Hour),
		},
		View: ViewConfig{
			LockAfter:  Duration(90 * time.Second),
			PurgeAfter: Duration(15 * time.Minute),
			RevealHold: Duration(380 * time.Millisecond),
			RevealFor:  Duration(8 * time.Second),
		},
		Refine: RefineConfig{Retries: 2},
	}
}

// Load reads a YAML configuration file over the defaults and validates it
// against the embedded schema. Environment variables override a small set
// of deployment-specific values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Validate(raw); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if mode := os.Getenv("SHIFTNOTE_EXECUTION_MODE"); mode != "" {
		cfg.ExecutionMode = mode
	}
	if bucket := os.Getenv("SHIFTNOTE_SYNC_BUCKET"); bucket != "" {
		cfg.Sync.Bucket = bucket
	}

	return cfg, nil
}

// Validate checks a raw YAML document against the configuration schema
// before it is unmarshalled.
func Validate(rawYAML []byte) error {
	var doc any
	if err := yaml.Unmarshal(rawYAML, &doc); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	schema, err := jsonschema.CompileString("config.schema.json", configSchema)
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	if err := schema.Validate(normalizeYAML(doc)); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// normalizeYAML converts yaml.v3's map[string]any documents into the
// plain-JSON shapes the schema validator expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
