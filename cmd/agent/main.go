// Command kterminus-agent runs the agent-side tunnel: it dials the
// orchestrator over SSH, registers, and spawns a PTY per SessionCreate.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kterminus/orchestrator/internal/agent"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	addr := os.Getenv("KTERMINUS_ORCHESTRATOR_ADDR")
	if addr == "" {
		addr = "127.0.0.1:2202"
	}

	cfg := agent.DefaultConfig(addr)
	cfg.MachineID = os.Getenv("KTERMINUS_MACHINE_ID")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("agent starting", "orchestrator_addr", addr)
	tunnel := agent.New(cfg)
	tunnel.Run(ctx)
	slog.Info("agent stopped")
}
