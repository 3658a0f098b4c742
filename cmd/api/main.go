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

	"consult-platform/internal/audit"
	"consult-platform/internal/auth"
	"consult-platform/internal/billing"
	"consult-platform/internal/calls"
	"consult-platform/internal/config"
	"consult-platform/internal/directory"
	"consult-platform/internal/httpapi"
	"consult-platform/internal/registry"
	"consult-platform/internal/reporting"
	"consult-platform/internal/signaling"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"
	"consult-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	overdraft, err := billing.ParseOverdraftPolicy(cfg.Calls.OverdraftPolicy)
	if err != nil {
		log.Error("billing policy invalid", "err", err)
		os.Exit(1)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	walletSvc := wallet.NewService(wallet.NewPostgresRepo(db))
	dirSvc := directory.NewService(directory.NewPostgresRepo(db), walletSvc, directory.Options{
		SignupBonusTokens: cfg.Calls.SignupBonusTokens,
	}, log)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	conns := registry.New(log)
	router := signaling.NewRouter(conns, log)
	ws := signaling.NewHandler(conns, router, dirSvc, signaling.Options{
		AllowedOrigins:  cfg.Signaling.AllowedOrigins,
		MaxMessageBytes: cfg.Signaling.MaxMessageBytes,
		PingInterval:    cfg.Signaling.PingInterval,
		WriteTimeout:    cfg.Signaling.WriteTimeout,
	}, log)

	store := calls.NewPostgresStore(db)
	var slots calls.SlotLimiter
	if cfg.Calls.MaxConcurrentPerCaller > 0 {
		slots = calls.NewRedisSlots(rdb, cfg.Calls.MaxConcurrentPerCaller, cfg.Calls.SlotTTL)
	}
	lifecycle := calls.NewLifecycle(store, dirSvc, walletSvc, router, slots, auditSvc, calls.Options{
		Overdraft:   overdraft,
		RingTimeout: cfg.Calls.RingTimeout,
	}, log)
	defer lifecycle.Close()

	h := httpapi.Handlers{
		Auth:       authManager,
		Directory:  dirSvc,
		Wallet:     walletSvc,
		Calls:      lifecycle,
		Reports:    reporting.NewService(reporting.NewSourceRepo(store, walletSvc)),
		Audit:      auditSvc,
		ICEServers: cfg.ICEServers,
	}

	checks := map[string]httpapi.Check{
		"postgres": func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
		"redis":    func(ctx context.Context) error { return utils.PingRedis(ctx, rdb, 2*time.Second) },
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(httpapi.ClientIP())

	registerRoutes(r, h, auth.RequireAccessToken(authManager), ws.Serve, checks)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "overdraft_policy", overdraft)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "signaling_connections", ws.Active())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Error("signaling shutdown failed", "err", err, "signaling_connections", ws.Active())
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
