// Command tick runs a single dispatch tick and exits. Intended for
// cron-style invocation where the long-running server is not wanted.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	mailrun "github.com/lbeckman/mailrun"
	"github.com/lbeckman/mailrun/internal/config"
	"github.com/lbeckman/mailrun/internal/db"
	"github.com/lbeckman/mailrun/internal/dispatch"
	"github.com/lbeckman/mailrun/internal/transport"
)

func main() {
	godotenv.Load()
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(database, mailrun.MigrationFS); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}

	client := transport.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass,
		cfg.SMTPTimeout, cfg.SendsPerSecond)
	engine := dispatch.NewEngine(database, cfg, client)

	if err := engine.Tick(ctx, time.Now()); err != nil {
		slog.Error("dispatch tick", "error", err)
		os.Exit(1)
	}
}
