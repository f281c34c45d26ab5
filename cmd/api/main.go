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

	"receptionist-platform/internal/billing"
	"receptionist-platform/internal/calendar"
	"receptionist-platform/internal/config"
	"receptionist-platform/internal/speech"
	"receptionist-platform/internal/store"
	"receptionist-platform/internal/streamtoken"
	"receptionist-platform/internal/summary"
	"receptionist-platform/internal/tools"
	"receptionist-platform/pkg/logger"
	"receptionist-platform/pkg/utils"

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

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	tokens, err := streamtoken.NewManager(cfg.Stream)
	if err != nil {
		log.Error("stream token init failed", "err", err)
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

	st := store.NewService(db)

	googleTokens := calendar.NewRefreshingTokenSource(log, st, cfg.Google.ClientID, cfg.Google.ClientSecret)
	scheduler := calendar.NewService(log, googleTokens)
	dispatcher := tools.NewDispatcher(log, scheduler, st)
	summaries := summary.NewGenerator(log, cfg.Speech)
	finalizer := billing.NewService(log, st, summaries)
	dialer := speech.NewDialer(cfg.Speech)

	a := &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		rdb:        rdb,
		store:      st,
		tokens:     tokens,
		dialer:     dialer,
		dispatcher: dispatcher,
		finalizer:  finalizer,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, a)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// No ReadTimeout/WriteTimeout: media stream websockets stay open
		// for the length of a phone call.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
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
