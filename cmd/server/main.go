package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pagewatch/pagewatch/internal/api"
	"github.com/pagewatch/pagewatch/internal/config"
	"github.com/pagewatch/pagewatch/internal/geo"
	"github.com/pagewatch/pagewatch/internal/hub"
	"github.com/pagewatch/pagewatch/internal/session"
	"github.com/pagewatch/pagewatch/internal/store"
)

func main() {
	cfgPath := flag.String("config", "configs/server.yaml", "Path to server YAML config")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}
	listen := cfg.Listen
	if *addr != "" {
		listen = *addr
	}

	// ── Visit store ───────────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create store directory", "dir", dir, "err", err)
			os.Exit(1)
		}
	}
	visitLog, err := store.Open(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open visit store", "err", err)
		os.Exit(1)
	}
	defer visitLog.Close()

	// ── Geo enrichment ────────────────────────────────────────────────────────
	var resolver *geo.Resolver
	if cfg.Geo.Enabled {
		var provider geo.Provider
		switch cfg.Geo.Provider {
		case "maxmind":
			mm, err := geo.OpenMaxMind(cfg.Geo.Database)
			if err != nil {
				slog.Error("failed to open geo database", "err", err)
				os.Exit(1)
			}
			defer mm.Close()
			provider = mm
		default:
			provider = geo.NewIPAPI(cfg.Geo.Endpoint, cfg.Geo.Token)
		}
		resolver = geo.NewResolver(
			provider,
			time.Duration(cfg.Geo.CacheTTLHours)*time.Hour,
			time.Duration(cfg.Geo.TimeoutMs)*time.Millisecond,
		)
		slog.Info("geo enrichment enabled", "provider", cfg.Geo.Provider)
	}

	// ── Sessions and realtime hub ─────────────────────────────────────────────
	sessions := session.NewManager(cfg.AdminPassword, time.Duration(cfg.Session.TTLHours)*time.Hour)
	broadcast := hub.New(sessions.Validate)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := config.Validate(newCfg); err != nil {
			slog.Warn("hot-reload skipped: config invalid", "err", err)
			return
		}
		sessions.SetPassword(newCfg.AdminPassword)
		slog.Info("config hot-reloaded", "anonymize", newCfg.Anonymize)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(visitLog, resolver, broadcast, sessions, loader)
	srv := &http.Server{
		Addr:        listen,
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", listen, "anonymize", cfg.Anonymize)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	broadcast.Shutdown()
	slog.Info("goodbye")
}
