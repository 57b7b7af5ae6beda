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

	"voicelink/internal/auth"
	"voicelink/internal/config"
	"voicelink/internal/history"
	"voicelink/internal/httpapi"
	"voicelink/internal/store"
	"voicelink/internal/transport"
	"voicelink/pkg/logger"
	"voicelink/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local convenience; real deployments inject env directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
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

	var adapter store.Adapter
	switch cfg.StoreBackend() {
	case "memory":
		adapter = store.NewMemory()
	default:
		adapter = store.NewRedis(rdb, log)
	}

	// The capture source is host-specific and injected at build time for
	// deployments that originate media here. Without one, calls report
	// device-unavailable on media acquisition.
	engine := transport.NewPionEngine(nil, log)

	hist := history.NewService(history.NewPostgresRepo(db))

	iceServers := []transport.ICEServer{{URLs: cfg.STUNURLs()}}
	if cfg.ICE.TURNURL != "" {
		iceServers = append(iceServers, transport.ICEServer{
			URLs:       []string{cfg.ICE.TURNURL},
			Username:   cfg.ICE.TURNUsername,
			Credential: cfg.ICE.TURNCredential,
		})
	}

	hub := httpapi.NewHub(httpapi.HubConfig{
		ICEServers:       iceServers,
		Audio:            transport.DefaultAudioConstraints(),
		RingTimeout:      cfg.Call.RingTimeout,
		WorkspaceCallCap: cfg.Call.WorkspaceCallCap,
	}, adapter, engine, rdb, log).WithHistory(hist)
	defer hub.Shutdown()

	handlers := httpapi.Handlers{
		Auth:    authManager,
		Hub:     hub,
		History: hist,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, handlers, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("signald listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.StoreBackend())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
