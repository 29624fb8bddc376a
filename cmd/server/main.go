package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	escrowhandler "vestra/internal/escrow/handler"
	escrowmetrics "vestra/internal/escrow/metrics"
	escrowservice "vestra/internal/escrow/service"
	"vestra/internal/escrow/store/ledger"
	"vestra/internal/jwttoken"
	"vestra/internal/platform/config"
	"vestra/internal/platform/httpserver"
	"vestra/internal/platform/logger"
	platformmetrics "vestra/internal/platform/metrics"
	"vestra/internal/platform/postgres"
	"vestra/internal/platform/redis"
	poolhandler "vestra/internal/pool/handler"
	poolmetrics "vestra/internal/pool/metrics"
	poolservice "vestra/internal/pool/service"
	"vestra/internal/pool/store/registry"
	"vestra/internal/stats"
	httptransport "vestra/internal/transport/http"
	"vestra/migrations"
	audit "vestra/pkg/platform/audit"
	auditmemory "vestra/pkg/platform/audit/store/memory"
	auditpostgres "vestra/pkg/platform/audit/store/postgres"
	auditworker "vestra/pkg/platform/audit/worker"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores. With no Postgres DSN the process runs entirely in memory,
	// which is how local development and most tests run.
	var (
		ledgerStore   escrowservice.Store
		registryStore poolservice.Store
		auditStore    audit.Store
	)
	if cfg.Postgres.DSN != "" {
		db, err := postgres.Open(cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrations.Apply(ctx, db); err != nil {
			return err
		}
		ledgerStore = ledger.NewPostgres(db)
		registryStore = registry.NewPostgres(db)
		auditStore = auditpostgres.New(db)
		log.Info("using postgres stores")
	} else {
		ledgerStore = ledger.NewInMemory()
		registryStore = registry.NewInMemory()
		auditStore = auditmemory.New()
		log.Info("using in-memory stores")
	}

	cache, err := redis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	publisher := audit.NewChannelPublisher(cfg.AuditBufferSize)
	worker := auditworker.New(auditStore, publisher.Inbox(), log)

	escrowMetrics := escrowmetrics.New()
	escrowSvc, err := escrowservice.New(ledgerStore,
		escrowservice.WithLogger(log),
		escrowservice.WithMetrics(escrowMetrics),
		escrowservice.WithAuditPublisher(publisher),
	)
	if err != nil {
		return err
	}

	poolMetrics := poolmetrics.New()
	poolSvc, err := poolservice.New(registryStore, escrowSvc,
		poolservice.WithLogger(log),
		poolservice.WithMetrics(poolMetrics),
		poolservice.WithAuditPublisher(publisher),
		poolservice.WithActivationThreshold(cfg.ActivationThreshold),
	)
	if err != nil {
		return err
	}

	statsSvc := stats.New(escrowSvc, poolSvc, cache, config.StatsCacheTTL, log)

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)
	httpMetrics := platformmetrics.New()

	router := httptransport.NewRouter(
		escrowhandler.New(escrowSvc, statsSvc, log, httpMetrics, jwtService),
		poolhandler.New(poolSvc, statsSvc, log, httpMetrics, jwtService),
	)

	srv := httpserver.New(cfg.Server.Addr, router)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := worker.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting vestra", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
