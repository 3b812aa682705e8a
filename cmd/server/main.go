package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentdeck/internal/agent"
	"agentdeck/internal/logging"
	"agentdeck/internal/realtime"
	"agentdeck/internal/runconfig"
	"agentdeck/internal/store"
	"agentdeck/internal/watcher"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port          int
	AgentCommand  string
	QueueCapacity int
	StopGraceSecs int
	ScrollbackCap int
	LogLevel      string
}

func loadConfig() Config {
	cfg := Config{
		Port:          8420,
		AgentCommand:  "claude",
		QueueCapacity: 32,
		StopGraceSecs: 5,
		ScrollbackCap: 512,
		LogLevel:      "info",
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("AGENT_COMMAND"); v != "" {
		cfg.AgentCommand = v
	}
	if v := os.Getenv("QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueCapacity = n
		}
	}
	if v := os.Getenv("STOP_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StopGraceSecs = n
		}
	}
	if v := os.Getenv("SCROLLBACK_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScrollbackCap = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

func main() {
	// Missing .env is fine; the environment still applies.
	godotenv.Load()
	cfg := loadConfig()

	log := logging.New(cfg.LogLevel)
	defer log.Sync()

	hub := realtime.NewHub(logging.Named(log, "hub"))
	recorder := store.NewMemoryRecorder()

	agents := agent.NewManager(agent.Options{
		Command:       cfg.AgentCommand,
		QueueCapacity: cfg.QueueCapacity,
		StopGrace:     time.Duration(cfg.StopGraceSecs) * time.Second,
		Recorder:      recorder,
		Hub:           hub,
		Logger:        logging.Named(log, "agent"),
	})

	runs := runconfig.NewSupervisor(runconfig.Options{
		Hub:           hub,
		StopGrace:     time.Duration(cfg.StopGraceSecs) * time.Second,
		ScrollbackCap: cfg.ScrollbackCap,
		Logger:        logging.Named(log, "runconfig"),
	})

	fileWatch := watcher.New(hub, logging.Named(log, "watcher"))

	rtServer := realtime.NewServer(hub, agents, runs, logging.Named(log, "realtime"))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rtServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		fileWatch.Close()
		agents.StopAll()
		runs.StopAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
