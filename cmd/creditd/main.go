package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kivzcu/openwebui-credit-system/internal/config"
	"github.com/kivzcu/openwebui-credit-system/internal/credit"
	"github.com/kivzcu/openwebui-credit-system/internal/health"
	"github.com/kivzcu/openwebui-credit-system/internal/httpserver"
	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
	ledgerpg "github.com/kivzcu/openwebui-credit-system/internal/ledger/postgres"
	ledgersql "github.com/kivzcu/openwebui-credit-system/internal/ledger/sqlite"
	"github.com/kivzcu/openwebui-credit-system/internal/logging"
	"github.com/kivzcu/openwebui-credit-system/internal/metrics"
	"github.com/kivzcu/openwebui-credit-system/internal/pricing"
	"github.com/kivzcu/openwebui-credit-system/internal/ratelimit"
	"github.com/kivzcu/openwebui-credit-system/internal/reset"
	"github.com/kivzcu/openwebui-credit-system/internal/upstream"
	"github.com/kivzcu/openwebui-credit-system/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to the settings file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, int64(cfg.LogMaxSizeMB)*1024*1024, cfg.LogMaxBackups)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[creditd] ")
		defer rot.Close()
	}

	log.Printf("[INFO] creditd %s starting", version.FullInfo())

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open ledger store: %v", err)
	}
	defer store.Close()
	log.Printf("[INFO] creditd: ledger backend %s ready", cfg.StorageBackend)

	ctx := context.Background()
	if cfg.PricingSeedPath != "" {
		seed, err := pricing.LoadSeedFile(cfg.PricingSeedPath)
		if err != nil {
			log.Fatalf("load pricing seed: %v", err)
		}
		added, err := pricing.Seed(ctx, store, seed)
		if err != nil {
			log.Fatalf("apply pricing seed: %v", err)
		}
		if added > 0 {
			log.Printf("[INFO] creditd: seeded %d model prices from %s", added, cfg.PricingSeedPath)
		}
	}

	engine := reset.NewEngine(store)
	service := credit.NewService(store, pricing.NewResolver(store), engine)

	var syncer *upstream.Syncer
	if cfg.UpstreamDBPath != "" {
		syncer = upstream.NewSyncer(store, cfg.DefaultGroupCredits)
		if _, err := syncer.Sync(ctx, cfg.UpstreamDBPath); err != nil {
			log.Printf("[WARN] creditd: startup sync failed: %v", err)
		}
	}

	if cfg.ResetEnabled {
		scheduler := reset.NewScheduler(engine, cfg.ResetCheckInterval)
		scheduler.Start(ctx)
		defer scheduler.Stop()
	} else {
		log.Printf("[INFO] creditd: automatic resets disabled by configuration")
	}

	apiServer := httpserver.New(service, syncer, cfg.UpstreamDBPath)
	if pinger, ok := store.(health.Pinger); ok {
		apiServer.SetHealthChecker(health.NewChecker(pinger, cfg.UpstreamDBPath))
	}
	apiServer.SetMetrics(metrics.NewCollector())
	if cfg.RateLimitBurst > 0 {
		apiServer.SetRateLimiter(ratelimit.NewLimiter(
			float64(cfg.RateLimitBurst), float64(cfg.RateLimitPerSecond)))
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[INFO] creditd: admin API listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openStore(cfg config.Config) (ledger.Store, error) {
	if cfg.StorageBackend == "postgres" {
		return ledgerpg.New(cfg.PostgresDSN, cfg.PostgresMaxOpen, cfg.PostgresMaxIdle, cfg.PostgresLifetimeMinutes)
	}
	return ledgersql.New(cfg.LedgerPath)
}
