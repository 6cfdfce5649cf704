// Command orchestrator runs the k-Terminus session orchestrator: the SSH
// reverse-tunnel server, connection pool, health monitor, session
// manager, and local control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kterminus/orchestrator/internal/audit"
	"github.com/kterminus/orchestrator/internal/authstore"
	"github.com/kterminus/orchestrator/internal/config"
	"github.com/kterminus/orchestrator/internal/control"
	"github.com/kterminus/orchestrator/internal/domain"
	"github.com/kterminus/orchestrator/internal/health"
	"github.com/kterminus/orchestrator/internal/identity"
	"github.com/kterminus/orchestrator/internal/ops"
	"github.com/kterminus/orchestrator/internal/pool"
	"github.com/kterminus/orchestrator/internal/session"
	"github.com/kterminus/orchestrator/internal/sshserver"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	store, err := authstore.New(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("authstore: %w", err)
	}

	signer, hostKeyFP, err := store.HostKey()
	if err != nil {
		return fmt.Errorf("host key: %w", err)
	}
	slog.Info("host key loaded", "fingerprint", hostKeyFP)

	ipcToken, err := store.IPCToken()
	if err != nil {
		return fmt.Errorf("ipc auth token: %w", err)
	}

	if err := store.WritePID(os.Getpid()); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer store.RemovePID()

	auditLog, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer auditLog.Close()

	epoch := domain.NewEpochID()
	startedAt := time.Now()

	bus := control.NewBus(epoch)

	// Lifecycle events (connect/disconnect/session create/close) are
	// persisted to the audit log as they're broadcast; every broadcaster
	// (session manager, SSH server, health monitor) publishes through this
	// decorator instead of the bare bus.
	auditedBus := audit.NewAuditingPublisher(bus, auditLog)

	// pool and session manager have a construction cycle: the pool needs
	// a sweeper to tear down sessions on eviction/replacement, and the
	// session manager needs the pool to look up live connections. The
	// pool is built with a nil sweeper and wired up once the manager
	// exists.
	connPool := pool.New(cfg.Admission.MaxConnections, nil)
	sessions := session.New(connPool, auditedBus, cfg.Admission.MaxSessionsPerMachine)
	connPool.SetSweeper(sessions)

	verifier := identity.NewCachingVerifier(identity.LoopbackVerifier{HostKeyFingerprint: hostKeyFP})

	sshSrv, err := sshserver.New(sshserver.Config{
		BindAddress:     cfg.BindAddress,
		OutboundBufSize: cfg.ControlPlane.GeneralBufferSize,
		ProtocolVersion: "1.0",
	}, signer, hostKeyFP, verifier, connPool, sessions, auditedBus)
	if err != nil {
		return fmt.Errorf("ssh server: %w", err)
	}

	monitor := health.New(connPool, sessions, auditedBus, cfg.Health.Interval, cfg.Health.Timeout, epoch, startedAt)

	pairingCode, err := control.GenerateRandomString(cfg.ControlPlane.PairingCodeLength)
	if err != nil {
		return fmt.Errorf("pairing code: %w", err)
	}

	controlSrv := control.New(control.Config{
		BindAddress:       "127.0.0.1",
		Port:              cfg.ControlPlane.Port,
		AuthToken:         ipcToken,
		PairingCode:       pairingCode,
		GeneralBufferSize: cfg.ControlPlane.GeneralBufferSize,
		SessionOutputSize: cfg.ControlPlane.SessionOutputSize,
		AuthDeadline:      cfg.ControlPlane.AuthDeadline,
		MaxRequestsPerSec: cfg.ControlPlane.MaxRequestsPerSec,
	}, sessions, connPool, bus, auditLog)

	opsSrv := ops.New(epoch, startedAt, connPool, sessions)
	httpSrv := &http.Server{
		Addr:         "127.0.0.1:9090",
		Handler:      opsSrv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	go func() { errCh <- sshSrv.Run(ctx) }()
	go func() { errCh <- controlSrv.Run(ctx) }()
	go monitor.Run(ctx)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops http server: %w", err)
		}
	}()

	slog.Info("orchestrator started",
		"ssh_addr", cfg.BindAddress,
		"control_port", cfg.ControlPlane.Port,
		"epoch_id", epoch,
		"pairing_code", pairingCode,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops http server shutdown", "error", err)
	}

	slog.Info("orchestrator stopped")
	return nil
}
