// Package common holds the configuration and component wiring shared by the
// sealbid binaries.
//
// Configuration is read from YAML and layered over DefaultConfig, so a file
// only needs the settings that differ:
//
//	http:
//	  listen: ":8080"
//	  metrics: ":9090"
//	  cors_origins: ["https://app.example"]
//	ledger:
//	  primary_url: "https://rpc-primary.example"
//	  fallback_url: "https://rpc-fallback.example"
//	postgres:
//	  host: localhost
//	  port: 5432
//	  user: sealbid
//	  database: sealbid
//	proof:
//	  verifier_url: "http://verifier:8081"
//	content:
//	  s3:
//	    bucket: listings
//	    region: us-east-1
//	webhook:
//	  secret: "change-me"
package common

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flashbots/sealbid/ledger"
	"github.com/flashbots/sealbid/ratelimit"
	"github.com/flashbots/sealbid/services"
	"github.com/flashbots/sealbid/store"
	"github.com/flashbots/sealbid/txbuilder"
)

type Config struct {
	HTTP        HTTPConfig            `yaml:"http"`
	Log         LogConfig             `yaml:"log"`
	Ledger      LedgerConfig          `yaml:"ledger"`
	Postgres    *store.PostgresConfig `yaml:"postgres"`
	Proof       ProofConfig           `yaml:"proof"`
	Content     ContentConfig         `yaml:"content"`
	Webhook     WebhookConfig         `yaml:"webhook"`
	Auth        AuthConfig            `yaml:"auth"`
	PriorityFee PriorityFeeConfig     `yaml:"priority_fee"`
	Reconcile   ReconcileConfig       `yaml:"reconcile"`

	// RateLimits overrides the built-in policies by kind
	// (bid_submission, auction_creation, proof_verification, api).
	RateLimits map[string]RateLimitPolicy `yaml:"rate_limits"`
}

type HTTPConfig struct {
	Listen           string        `yaml:"listen"`
	Metrics          string        `yaml:"metrics"`
	EnablePprof      bool          `yaml:"enable_pprof"`
	DrainDuration    time.Duration `yaml:"drain_duration"`
	ShutdownDuration time.Duration `yaml:"shutdown_duration"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	CORSOrigins      []string      `yaml:"cors_origins"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type LedgerConfig struct {
	PrimaryURL     string        `yaml:"primary_url"`
	FallbackURL    string        `yaml:"fallback_url"`
	ProgramID      string        `yaml:"program_id"`
	FeeCollector   string        `yaml:"fee_collector"`
	HealthInterval time.Duration `yaml:"health_interval"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

type ProofConfig struct {
	VerifierURL string        `yaml:"verifier_url"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheSize   int           `yaml:"cache_size"`
}

// ContentConfig selects the listing metadata store. Without an S3 section
// documents are kept in memory.
type ContentConfig struct {
	S3 *S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

type AuthConfig struct {
	SessionHeader string `yaml:"session_header"`
}

type PriorityFeeConfig struct {
	Default string `yaml:"default"`
}

type ReconcileConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	BacklogLimit int `yaml:"backlog_limit"`
}

type RateLimitPolicy struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Listen:           ":8080",
			Metrics:          ":9090",
			DrainDuration:    5 * time.Second,
			ShutdownDuration: 10 * time.Second,
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     services.DefaultConfirmTimeout + 15*time.Second,
		},
		Log: LogConfig{Level: "info"},
		Ledger: LedgerConfig{
			HealthInterval: ledger.DefaultHealthInterval,
			ConfirmTimeout: services.DefaultConfirmTimeout,
			MaxRetries:     ledger.DefaultMaxRetries,
		},
		Proof: ProofConfig{
			Timeout:   10 * time.Second,
			CacheSize: 1024,
		},
		Auth:        AuthConfig{SessionHeader: "X-Actor"},
		PriorityFee: PriorityFeeConfig{Default: string(txbuilder.PriorityMedium)},
		Reconcile: ReconcileConfig{
			MaxAttempts:  services.DefaultMaxAttempts,
			BacklogLimit: services.DefaultBacklogLimit,
		},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Ledger.PrimaryURL == "" {
		errs = append(errs, errors.New("ledger.primary_url is required"))
	}
	if c.Ledger.FallbackURL == "" {
		errs = append(errs, errors.New("ledger.fallback_url is required"))
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, errors.New("webhook.secret is required"))
	}
	if c.Proof.VerifierURL == "" {
		errs = append(errs, errors.New("proof.verifier_url is required"))
	}
	if _, err := txbuilder.ParsePriorityTier(c.PriorityFee.Default); err != nil {
		errs = append(errs, fmt.Errorf("priority_fee.default: %w", err))
	}
	if c.Content.S3 != nil && c.Content.S3.Bucket == "" {
		errs = append(errs, errors.New("content.s3.bucket is required"))
	}
	for kind, p := range c.RateLimits {
		if _, ok := ratelimit.DefaultPolicies[ratelimit.Kind(kind)]; !ok {
			errs = append(errs, fmt.Errorf("rate_limits: unknown kind %q", kind))
		} else if p.Limit <= 0 || p.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s: limit and window must be positive", kind))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) ratePolicies() map[ratelimit.Kind]ratelimit.Policy {
	out := make(map[ratelimit.Kind]ratelimit.Policy, len(c.RateLimits))
	for kind, p := range c.RateLimits {
		out[ratelimit.Kind(kind)] = ratelimit.Policy{Limit: p.Limit, Window: p.Window}
	}
	return out
}
