package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PortNumber53/crosspost/internal/billing"
	"github.com/PortNumber53/crosspost/internal/config"
	"github.com/PortNumber53/crosspost/internal/handlers"
	"github.com/PortNumber53/crosspost/internal/media"
	"github.com/PortNumber53/crosspost/internal/middleware"
	"github.com/PortNumber53/crosspost/internal/platforms"
	"github.com/PortNumber53/crosspost/internal/posts"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/PortNumber53/crosspost/internal/workers"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := run(defaultDeps()); err != nil {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}

// deps are the process-level side effects, replaced in tests.
type deps struct {
	getenv         func(string) string
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(db *sql.DB, sourceURL string) error
	listenAndServe func(*http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	stopCh         chan os.Signal
}

func defaultDeps() deps {
	return deps{
		getenv:         os.Getenv,
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		listenAndServe: func(s *http.Server) error { return s.ListenAndServe() },
		notify:         signal.Notify,
	}
}

func migrateUp(db *sql.DB, sourceURL string) error {
	if db == nil {
		return errors.New("migrate: nil database")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate: init driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate: create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

func buildRouter(h *handlers.Handler, cfg config.Config) http.Handler {
	r := mux.NewRouter()
	handlers.RegisterRoutes(r, h, middleware.NewAuthenticator(cfg.JWTSecret))

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func run(d deps) error {
	if d.getenv == nil {
		d.getenv = os.Getenv
	}
	cfg, err := config.Load(d.getenv)
	if err != nil {
		return err
	}
	if d.openDB == nil {
		return errors.New("openDB dependency is required")
	}
	if d.listenAndServe == nil {
		return errors.New("listenAndServe dependency is required")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := d.openDB("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(rootCtx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if d.migrateUp != nil {
		if err := d.migrateUp(db, cfg.MigrationsPath); err != nil {
			return err
		}
		log.Println("Database is up-to-date")
	}

	st := store.New(db)
	hub := handlers.NewHub()

	var mediaStore media.Store
	if cfg.MediaEnabled() {
		s3, err := media.NewS3Store(rootCtx, cfg.Media)
		if err != nil {
			return fmt.Errorf("media store: %w", err)
		}
		mediaStore = s3
		log.Printf("[Media] staging uploads to bucket=%s", cfg.Media.Bucket)
	} else {
		log.Printf("[Media] disabled, MEDIA_S3_BUCKET is not set")
	}

	orch := &posts.Orchestrator{
		Store:     st,
		Platforms: platforms.NewDefaultRegistry(&http.Client{Timeout: cfg.PlatformTimeout}, d.getenv),
		Media:     mediaStore,
		Notifier:  hub,
	}
	orch.EnsureDefaults()

	var charger billing.Charger = billing.NoopCharger{}
	if cfg.StripeSecretKey != "" {
		charger = billing.NewStripeCharger(cfg.StripeSecretKey, nil)
	} else {
		log.Printf("[Billing] STRIPE_SECRET_KEY not set, renewal charges are skipped")
	}
	mgr := &billing.Manager{Store: st, Charger: charger, Notifier: hub}
	mgr.EnsureDefaults()

	if cfg.WebhookSecret == "" {
		log.Printf("[Billing][Webhook] PAYSTACK_SECRET_KEY not set, all webhooks will be rejected")
	}
	webhooks := &billing.WebhookProcessor{Secret: cfg.WebhookSecret, Manager: mgr}
	webhooks.EnsureDefaults()

	rec := &workers.Reconciler{Passes: mgr, ResetSpec: cfg.ResetSpec, GraceSpec: cfg.GraceSpec}
	if cfg.ReconcileOnRun {
		if err := rec.RunOnce(rootCtx); err != nil {
			log.Printf("[Reconciler] startup pass error: %v", err)
		}
	}
	if err := rec.Start(rootCtx); err != nil {
		return err
	}
	defer rec.Stop()

	h := handlers.New(handlers.Deps{
		DB:       db,
		Store:    st,
		Posts:    orch,
		Billing:  mgr,
		Webhooks: webhooks,
		Hub:      hub,
	})

	srv := &http.Server{
		Handler:      buildRouter(h, cfg),
		Addr:         ":" + cfg.Port,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
		if d.notify != nil {
			d.notify(stop, os.Interrupt, syscall.SIGTERM)
		}
	}
	go func() {
		select {
		case <-stop:
		case <-rootCtx.Done():
			return
		}
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", cfg.Port)
	if err := d.listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
