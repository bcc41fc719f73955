package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nyxlight/backend/internal/access"
	"github.com/nyxlight/backend/internal/api"
	"github.com/nyxlight/backend/internal/audit"
	"github.com/nyxlight/backend/internal/auth"
	"github.com/nyxlight/backend/internal/config"
	"github.com/nyxlight/backend/internal/docpipe"
	"github.com/nyxlight/backend/internal/dpo"
	"github.com/nyxlight/backend/internal/erp"
	"github.com/nyxlight/backend/internal/ledger"
	"github.com/nyxlight/backend/internal/llm"
	"github.com/nyxlight/backend/internal/monitoring"
	"github.com/nyxlight/backend/internal/notify"
	"github.com/nyxlight/backend/internal/pipeline"
	"github.com/nyxlight/backend/internal/safety"
	"github.com/nyxlight/backend/internal/scheduler"
	"github.com/nyxlight/backend/internal/sessions"
	"github.com/nyxlight/backend/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	// .env is optional; NYX_* variables override both it and the YAML.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("data dirs: %v", err)
	}

	st, err := store.Open(cfg.Store.Path, cfg.Store.MaxConns, cfg.Store.BusyTimeoutMs)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	trail := audit.NewTrail(st)
	led := ledger.New(st)
	overseer := safety.NewOverseer(cfg.Safety.MaxCashEUR, cfg.Safety.KmRateEUR)
	notifier := notify.NewManager()
	pipe := pipeline.New(st, led, trail, overseer, notifier)

	ctx := context.Background()
	if err := pipe.Restore(ctx); err != nil {
		log.Fatalf("pipeline restore: %v", err)
	}

	vault := auth.NewVault(st, trail, cfg.Auth.MaxFailures, cfg.Auth.LockoutMin)
	if n, err := st.CountUsers(ctx); err == nil && n == 0 {
		// First boot: an admin account the office changes on day one.
		if err := vault.CreateUser(ctx, "admin", "promijeni-me", "Administrator", auth.RoleAdmin); err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
		log.Println("[MAIN] kreiran početni admin račun (admin / promijeni-me)")
	}

	metrics := monitoring.NewMetrics()

	provider := llm.NewHTTPProvider(cfg.LLM.BackendURL, cfg.LLM.Model)
	queue := llm.NewQueue(provider,
		cfg.LLM.MaxConcurrent, cfg.LLM.QueueMax, cfg.LLM.RatePerMinute, cfg.LLM.TimeoutSeconds)
	queue.Observe(metrics)

	builder := dpo.NewBuilder(st, cfg.Data.DPODir)
	sched := scheduler.New()
	scheduler.RegisterDefaultJobs(sched, st, builder,
		cfg.Data.BackupsDir, cfg.Data.BackupKeep, cfg.Data.AuditKeepDays)
	if cfg.Scheduler.Enabled {
		sched.Start()
		defer sched.Stop()
	}

	app := &api.App{
		Config:    cfg,
		Vault:     vault,
		Tokens:    auth.NewTokenManager(cfg.Auth.TokenSecret, cfg.Auth.TokenTTLMin),
		Access:    access.NewController(cfg.Server.APIPort, cfg.Server.LLMPort),
		Sessions:  sessions.NewManager(cfg.Sessions.MaxSessions, cfg.Sessions.IdleMinutes),
		Pipeline:  pipe,
		Docs:      docpipe.NewPipeline(nil),
		Queue:     queue,
		Notify:    notifier,
		Trail:     trail,
		Ledger:    led,
		Overseer:  overseer,
		Scheduler: sched,
		Emitter:   &erp.FileEmitter{Dir: cfg.Data.ExportsDir},
		Metrics:   metrics,
	}
	server := api.NewServer(app)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server: %v", err)
	case sig := <-sigCh:
		log.Printf("[MAIN] primljen signal %s, gasim", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[MAIN] shutdown: %v", err)
		}
	}
}
