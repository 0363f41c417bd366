// Package app wires configuration, storage, dispatch and the HTTP
// surface together and runs them until the context is cancelled.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	mailrun "github.com/lbeckman/mailrun"
	"github.com/lbeckman/mailrun/internal/config"
	"github.com/lbeckman/mailrun/internal/db"
	"github.com/lbeckman/mailrun/internal/dispatch"
	"github.com/lbeckman/mailrun/internal/handler"
	"github.com/lbeckman/mailrun/internal/transport"
)

func Run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, mailrun.MigrationFS); err != nil {
		return err
	}
	slog.Info("database ready")

	client := transport.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass,
		cfg.SMTPTimeout, cfg.SendsPerSecond)
	if client.Enabled() {
		slog.Info("smtp enabled", "host", cfg.SMTPHost, "rate", cfg.SendsPerSecond)
	} else {
		slog.Warn("smtp not configured, dispatch will fail to connect")
	}

	engine := dispatch.NewEngine(database, cfg, client)
	go tickLoop(ctx, engine, cfg.TickInterval)

	// Tracking endpoints get hit by mail clients in bursts; generous per-IP
	// budget, just enough to stop replay hammering.
	trackingRL := handler.NewRateLimiter(10, 30)
	defer trackingRL.Stop()

	h := handler.New(database, cfg)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.Routes(trackingRL),
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		srv.Shutdown(context.Background())
	}()

	slog.Info("server starting", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// tickLoop fires one dispatch tick immediately and then on every
// interval until the context ends. Each tick evaluates the dispatch
// window that starts at its own wall-clock moment.
func tickLoop(ctx context.Context, engine *dispatch.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func(now time.Time) {
		if err := engine.Tick(ctx, now); err != nil {
			slog.Error("dispatch tick", "error", err)
		}
	}

	tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tick(now)
		}
	}
}
