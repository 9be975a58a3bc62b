package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/natefinch/lumberjack.v2"

	"gitea.jw6.us/james/calsync/internal/api"
	appauth "gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/calendar"
	"gitea.jw6.us/james/calsync/internal/changes"
	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/crypto"
	"gitea.jw6.us/james/calsync/internal/delta"
	"gitea.jw6.us/james/calsync/internal/http"
	"gitea.jw6.us/james/calsync/internal/links"
	"gitea.jw6.us/james/calsync/internal/push"
	"gitea.jw6.us/james/calsync/internal/remote"
	"gitea.jw6.us/james/calsync/internal/scheduler"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/syncer"
)

func main() {
	log.Println("Starting CalSync server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		defer rotator.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	sealer, err := crypto.NewSealer(cfg.Session.Secret)
	if err != nil {
		log.Fatalf("failed to initialize token sealing: %v", err)
	}
	stor := store.New(pool, sealer)

	authService, err := appauth.NewService(ctx, cfg, stor)
	if err != nil {
		log.Fatalf("failed to initialize auth service: %v", err)
	}

	clients := remote.NewFactory(remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.Remote.Timeout,
		Rate:    cfg.Remote.Rate,
		Burst:   cfg.Remote.Burst,
	}, authService, stor.Users)

	queue := push.New(stor, clients)
	linkManager := links.New(stor, queue)
	tracker := changes.New(stor, linkManager, changes.NewRegistry(calendar.NewEntity(stor)))
	calendarService := calendar.NewService(stor, clients, tracker, linkManager)
	calendarService.RegisterHooks(queue)
	authService.OnConnect(calendarService.ReloadOptions)

	puller := delta.NewPuller(stor, cfg.Sync.PullStaleAfter)
	puller.Register(calendar.PullDomain, calendarService)
	orchestrator := syncer.New(stor, puller, tracker, queue, calendarService, cfg.Sync.Enabled)

	apiHandler := api.NewHandler(cfg, stor, calendarService, orchestrator)
	r := httpserver.NewRouter(cfg, stor, authService, apiHandler)

	jobList := []scheduler.Job{
		{Name: "token_refresh", Interval: cfg.Sync.TokenRefreshInterval, Run: authService.RefreshAll},
	}
	if cfg.Sync.Enabled {
		jobList = append(jobList,
			scheduler.Job{Name: "push", Interval: cfg.Sync.PushInterval, Run: func(ctx context.Context) error {
				_, err := queue.ProcessAll(ctx)
				return err
			}},
			scheduler.Job{Name: "pull", Interval: cfg.Sync.PullInterval, Run: orchestrator.RunCycle},
		)
	} else {
		log.Println("[WARN] APP_SYNC_ENABLED is off. Scheduled push and pull are disabled.")
	}
	jobs := scheduler.New(jobList...)
	jobs.Start(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	jobs.Wait()
}
