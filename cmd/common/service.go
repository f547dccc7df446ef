package common

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/flashbots/sealbid/api/httpserver"
	build "github.com/flashbots/sealbid/common"
	"github.com/flashbots/sealbid/content"
	"github.com/flashbots/sealbid/crypto"
	"github.com/flashbots/sealbid/ledger"
	"github.com/flashbots/sealbid/metrics"
	"github.com/flashbots/sealbid/proof"
	"github.com/flashbots/sealbid/ratelimit"
	"github.com/flashbots/sealbid/services"
	"github.com/flashbots/sealbid/store"
	"github.com/flashbots/sealbid/txbuilder"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.JSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h).With("service", build.PackageName, "version", build.Version)
}

// Service is a fully wired sealbid process.
type Service struct {
	Server     *httpserver.BaseServer
	Pool       *ledger.Pool
	Lifecycle  *services.Lifecycle
	Reconciler *services.Reconciler

	log *slog.Logger
	db  *sql.DB
}

// NewService connects the storage backends and builds every component
// from cfg. The caller must Close the service.
func NewService(ctx context.Context, cfg *Config, log *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	svc := &Service{log: log}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	m, err := metrics.New(build.PackageName, cfg.HTTP.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var (
		st      store.Store
		counter ratelimit.Counter
	)
	if cfg.Postgres != nil {
		svc.db, err = store.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if st, err = store.NewPostgresStore(ctx, svc.db); err != nil {
			return nil, err
		}
		if counter, err = ratelimit.NewPostgresCounter(ctx, svc.db); err != nil {
			return nil, err
		}
	} else {
		log.Warn("no postgres configured, mirror state is kept in memory")
		st = store.NewInMemoryStore()
		counter = ratelimit.NewMemoryCounter()
	}

	docs, err := newContentStore(ctx, cfg.Content)
	if err != nil {
		return nil, err
	}

	svc.Pool, err = ledger.NewPool(ledger.PoolConfig{
		Primary:        ledger.NewClient(ledger.ClientConfig{URL: cfg.Ledger.PrimaryURL, ConfirmTimeout: cfg.Ledger.ConfirmTimeout}),
		Fallback:       ledger.NewClient(ledger.ClientConfig{URL: cfg.Ledger.FallbackURL, ConfirmTimeout: cfg.Ledger.ConfirmTimeout}),
		HealthInterval: cfg.Ledger.HealthInterval,
		MaxRetries:     cfg.Ledger.MaxRetries,
		Log:            log,
		Metrics:        m.Collectors,
	})
	if err != nil {
		return nil, err
	}

	builder, err := newBuilder(cfg)
	if err != nil {
		return nil, err
	}

	proofs, err := proof.NewGateway(proof.GatewayConfig{
		Verifier:  proof.NewHTTPVerifier(proof.HTTPVerifierConfig{URL: cfg.Proof.VerifierURL, Timeout: cfg.Proof.Timeout}),
		CacheSize: cfg.Proof.CacheSize,
		Log:       log,
		Metrics:   m.Collectors,
	})
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		Counter:  counter,
		Policies: cfg.ratePolicies(),
		Metrics:  m.Collectors,
	})
	svc.Lifecycle = services.NewLifecycle(st, log)

	orch, err := services.NewOrchestrator(services.OrchestratorConfig{
		Store:          st,
		Pool:           svc.Pool,
		Builder:        builder,
		Proofs:         proofs,
		Limiter:        limiter,
		Content:        docs,
		Lifecycle:      svc.Lifecycle,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout,
		Log:            log,
		Metrics:        m.Collectors,
	})
	if err != nil {
		return nil, err
	}
	svc.Reconciler, err = services.NewReconciler(services.ReconcilerConfig{
		Store:        st,
		Lifecycle:    svc.Lifecycle,
		Secret:       []byte(cfg.Webhook.Secret),
		MaxAttempts:  cfg.Reconcile.MaxAttempts,
		BacklogLimit: cfg.Reconcile.BacklogLimit,
		Log:          log,
		Metrics:      m.Collectors,
	})
	if err != nil {
		return nil, err
	}

	handler, err := httpserver.NewAuctionHandler(httpserver.AuctionHandlerConfig{
		Auctions:    orch,
		Events:      svc.Reconciler,
		Limiter:     limiter,
		ActorHeader: cfg.Auth.SessionHeader,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}
	svc.Server, err = httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTP.Listen,
		MetricsAddr:              cfg.HTTP.Metrics,
		Metrics:                  m,
		CORSOrigins:              cfg.HTTP.CORSOrigins,
		ActorHeader:              cfg.Auth.SessionHeader,
		EnablePprof:              cfg.HTTP.EnablePprof,
		Log:                      log,
		DrainDuration:            cfg.HTTP.DrainDuration,
		GracefulShutdownDuration: cfg.HTTP.ShutdownDuration,
		ReadTimeout:              cfg.HTTP.ReadTimeout,
		WriteTimeout:             cfg.HTTP.WriteTimeout,
	}, handler)
	if err != nil {
		return nil, err
	}

	ok = true
	return svc, nil
}

func newContentStore(ctx context.Context, cfg ContentConfig) (content.Store, error) {
	if cfg.S3 == nil {
		return content.NewMemoryStore(), nil
	}
	return content.NewS3Store(ctx, content.S3Config{
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Prefix:    cfg.S3.Prefix,
	})
}

func newBuilder(cfg *Config) (*txbuilder.Builder, error) {
	var bcfg txbuilder.Config
	var err error
	if cfg.Ledger.ProgramID != "" {
		if bcfg.ProgramID, err = crypto.NewPublicKeyFromString(cfg.Ledger.ProgramID); err != nil {
			return nil, fmt.Errorf("ledger.program_id: %w", err)
		}
	}
	if cfg.Ledger.FeeCollector != "" {
		if bcfg.FeeCollector, err = crypto.NewPublicKeyFromString(cfg.Ledger.FeeCollector); err != nil {
			return nil, fmt.Errorf("ledger.fee_collector: %w", err)
		}
	}
	if bcfg.Priority, err = txbuilder.ParsePriorityTier(strings.ToLower(cfg.PriorityFee.Default)); err != nil {
		return nil, err
	}
	return txbuilder.New(bcfg), nil
}

// Run serves until ctx is cancelled, then drains and shuts the server down.
func (s *Service) Run(ctx context.Context) error {
	s.Server.RunInBackground()

	// The health probe returns once ctx is cancelled.
	err := s.Pool.Run(ctx)

	s.Server.Shutdown()
	return err
}

func (s *Service) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Error("closing database", "err", err)
		}
	}
}
