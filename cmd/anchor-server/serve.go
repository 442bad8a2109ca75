package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mrwolf/anchor-server/internal/api"
	"github.com/mrwolf/anchor-server/internal/audit"
	"github.com/mrwolf/anchor-server/internal/catalog"
	"github.com/mrwolf/anchor-server/internal/config"
	"github.com/mrwolf/anchor-server/internal/db"
	"github.com/mrwolf/anchor-server/internal/engine"
	"github.com/mrwolf/anchor-server/internal/feedback"
	"github.com/mrwolf/anchor-server/internal/notify"
	"github.com/mrwolf/anchor-server/internal/ranker"
	"github.com/mrwolf/anchor-server/internal/risk"
	"github.com/mrwolf/anchor-server/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and background scheduler",
	RunE:  runServe,
}

// sinks holds the notifiers built from configuration plus what needs closing
type sinks struct {
	notifier notify.Notifier
	hub      *notify.Hub
	redis    *redis.Client
}

func (s *sinks) Close() {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
	}
}

func buildSinks(ctx context.Context, cfg *config.Config) (*sinks, error) {
	s := &sinks{}
	var list []notify.Notifier

	for _, name := range cfg.Notifiers {
		switch name {
		case "log":
			list = append(list, notify.LogNotifier{})
		case "webhook":
			list = append(list, notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookToken))
		case "redis":
			s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			rn := notify.NewRedisNotifier(s.redis, cfg.RedisChannel)
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := rn.Ping(pingCtx); err != nil {
				log.Printf("WARNING: Redis unreachable at %s: %v", cfg.RedisAddr, err)
			}
			cancel()
			list = append(list, rn)
		case "websocket":
			s.hub = notify.NewHub()
			list = append(list, s.hub)
		default:
			return nil, fmt.Errorf("unknown notifier %q", name)
		}
	}

	if len(list) == 1 {
		s.notifier = list[0]
	} else {
		s.notifier = notify.NewMulti(list...)
	}
	return s, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Println("Starting anchor-server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	loc := cfg.Location()
	clock := clockwork.NewRealClock()

	// Open database
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		log.Println("Closing database...")
		if err := database.Close(); err != nil {
			log.Printf("Database close error: %v", err)
		}
	}()

	auditLog, err := audit.New(cfg.AuditPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	log.Printf("Loaded %d interventions across %d categories", cat.Len(), len(cat.Categories()))

	out, err := buildSinks(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer out.Close()

	notifications := notify.NewScheduler(database, out.notifier, auditLog, clock, notify.Config{
		Location:      loc,
		NotifyTimeout: cfg.NotifyTimeout,
		RetryBackoff:  cfg.RetryBackoff,
	})

	eng := engine.New(engine.Deps{
		DB:       database,
		Catalog:  cat,
		Scorer:   risk.NewScorer(risk.DefaultConfig()),
		Ranker:   ranker.New(),
		Feedback: feedback.New(database, clock),
		Notify:   notifications,
		Audit:    auditLog,
		Clock:    clock,
	}, engine.Config{
		Location:         loc,
		AvailableMinutes: cfg.AvailableMinutes,
		MaxSignalAge:     cfg.MaxSignalAge,
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = eng.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Create and start scheduler
	sched, err := scheduler.New(eng, scheduler.Config{
		Location:         loc,
		PassInterval:     cfg.PassInterval,
		DispatchInterval: cfg.DispatchInterval,
		Clock:            clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Create router
	deps := api.Deps{Engine: eng, Clock: clock}
	if out.hub != nil {
		deps.Stream = out.hub
	}
	router := api.NewRouter(cfg, deps)

	api.Version = Version
	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s (timezone %s, notifiers %s)", addr, loc, out.notifier.Name())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-done:
	case err := <-serveErr:
		log.Printf("Server error: %v", err)
	}
	log.Println("Shutting down gracefully...")

	// Give ongoing requests 10 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping scheduler...")
	if err := sched.Stop(); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	eng.Wait()

	log.Println("Shutdown complete")
	return nil
}
