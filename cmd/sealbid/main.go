// Command sealbid runs the sealed-bid auction mirror.
//
// The service builds unsigned ledger transactions for auction and bid
// actions, verifies bid proofs before anything is stored, and keeps a
// relational mirror of the ledger in sync from signed event batches.
//
// # Configuration File
//
// See package cmd/common for the full layout. Flags override the file:
//
//	go run ./cmd/sealbid --config=sealbid.yaml
//	go run ./cmd/sealbid --config=sealbid.yaml --listen=:8081 --log-json
//
// # Endpoints
//
//   - POST /v1/auctions, /v1/auctions/{id}/bids, cancel, reveal, settle, refund
//   - GET /v1/auctions/{id}, /v1/auctions/{id}/ranking
//   - GET /v1/transactions/{signature}
//   - POST /v1/events (HMAC signed)
//   - /livez, /readyz, /drain, /undrain; /metrics on the metrics address
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flashbots/sealbid/cmd/common"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		listen      = flag.String("listen", "", "HTTP listen address")
		metricsAddr = flag.String("metrics", "", "Metrics listen address")
		primaryURL  = flag.String("primary-url", "", "Primary ledger RPC endpoint")
		fallbackURL = flag.String("fallback-url", "", "Fallback ledger RPC endpoint")
		verifierURL = flag.String("verifier-url", "", "Proof verifier service URL")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logJSON     = flag.Bool("log-json", false, "Log in JSON format")
		pprof       = flag.Bool("pprof", false, "Enable pprof endpoints")
	)
	flag.Parse()

	isFlagSet := func(name string) bool {
		found := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		return found
	}

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	applyFlagOverrides(cfg, *listen, *metricsAddr, *primaryURL, *fallbackURL,
		*verifierURL, *logLevel, *logJSON, *pprof, isFlagSet("metrics"))

	// The webhook secret may also come from the environment.
	if secret := os.Getenv("SEALBID_WEBHOOK_SECRET"); secret != "" {
		cfg.Webhook.Secret = secret
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func applyFlagOverrides(cfg *common.Config, listen, metricsAddr, primaryURL, fallbackURL,
	verifierURL, logLevel string, logJSON, pprof, metricsExplicit bool) {

	if listen != "" {
		cfg.HTTP.Listen = listen
	}
	if metricsExplicit {
		cfg.HTTP.Metrics = metricsAddr // empty disables the listener
	}
	if primaryURL != "" {
		cfg.Ledger.PrimaryURL = primaryURL
	}
	if fallbackURL != "" {
		cfg.Ledger.FallbackURL = fallbackURL
	}
	if verifierURL != "" {
		cfg.Proof.VerifierURL = verifierURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logJSON {
		cfg.Log.JSON = true
	}
	if pprof {
		cfg.HTTP.EnablePprof = true
	}
}

func run(ctx context.Context, cfg *common.Config) error {
	log := common.NewLogger(cfg.Log)

	svc, err := common.NewService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	log.Info("sealbid starting", "listen", cfg.HTTP.Listen, "primary", cfg.Ledger.PrimaryURL, "fallback", cfg.Ledger.FallbackURL)
	return svc.Run(ctx)
}
