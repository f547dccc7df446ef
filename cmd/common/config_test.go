package common

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/sealbid/ratelimit"
	"github.com/flashbots/sealbid/txbuilder"
)

const sampleConfig = `
http:
  listen: ":9000"
  cors_origins: ["https://app.example"]
ledger:
  primary_url: "http://primary.invalid"
  fallback_url: "http://fallback.invalid"
  confirm_timeout: 20s
proof:
  verifier_url: "http://verifier.invalid"
webhook:
  secret: "s3cret"
priority_fee:
  default: high
rate_limits:
  api:
    limit: 10
    window: 30s
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealbid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":9000", cfg.HTTP.Listen)
	require.Equal(t, []string{"https://app.example"}, cfg.HTTP.CORSOrigins)
	require.Equal(t, 20*time.Second, cfg.Ledger.ConfirmTimeout)
	require.Equal(t, "high", cfg.PriorityFee.Default)

	// Untouched sections keep their defaults.
	def := DefaultConfig()
	require.Equal(t, def.HTTP.Metrics, cfg.HTTP.Metrics)
	require.Equal(t, def.Ledger.MaxRetries, cfg.Ledger.MaxRetries)
	require.Equal(t, def.Reconcile, cfg.Reconcile)
	require.Equal(t, "X-Actor", cfg.Auth.SessionHeader)
	require.Nil(t, cfg.Postgres)
	require.Nil(t, cfg.Content.S3)

	require.Equal(t, map[ratelimit.Kind]ratelimit.Policy{
		ratelimit.KindAPI: {Limit: 10, Window: 30 * time.Second},
	}, cfg.ratePolicies())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = ParseConfig([]byte("http: [not, a, map]"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	err := DefaultConfig().Validate()
	require.Error(t, err)
	for _, want := range []string{"ledger.primary_url", "ledger.fallback_url", "webhook.secret", "proof.verifier_url"} {
		require.ErrorContains(t, err, want)
	}

	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	cfg.PriorityFee.Default = "urgent"
	cfg.RateLimits["downloads"] = RateLimitPolicy{Limit: 1, Window: time.Second}
	cfg.RateLimits["api"] = RateLimitPolicy{Limit: 0, Window: time.Second}
	cfg.Content.S3 = &S3Config{}
	err = cfg.Validate()
	require.ErrorContains(t, err, "priority_fee.default")
	require.ErrorContains(t, err, `unknown kind "downloads"`)
	require.ErrorContains(t, err, "rate_limits.api")
	require.ErrorContains(t, err, "content.s3.bucket")
}

func TestNewBuilder(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	b, err := newBuilder(cfg)
	require.NoError(t, err)
	require.NotNil(t, b)

	cfg.Ledger.ProgramID = "not-base58-0OIl"
	_, err = newBuilder(cfg)
	require.ErrorContains(t, err, "ledger.program_id")

	cfg.Ledger.ProgramID = txbuilder.DefaultProgramID.String()
	cfg.Ledger.FeeCollector = "0"
	_, err = newBuilder(cfg)
	require.ErrorContains(t, err, "ledger.fee_collector")
}

func TestNewService_InMemory(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	cfg.HTTP.Metrics = ""

	svc, err := NewService(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer svc.Close()
	require.NotNil(t, svc.Server)
	require.True(t, svc.Server.IsReady())
	require.False(t, svc.Pool.OnFallback())
}
