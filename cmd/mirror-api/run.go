package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apiserver "github.com/forgemirror/forgemirror/internal/api_server"
	"github.com/forgemirror/forgemirror/internal/batch"
	"github.com/forgemirror/forgemirror/internal/client"
	"github.com/forgemirror/forgemirror/internal/config"
	"github.com/forgemirror/forgemirror/internal/recovery"
	"github.com/forgemirror/forgemirror/internal/service"
	"github.com/forgemirror/forgemirror/internal/store"
	"github.com/forgemirror/forgemirror/pkg/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the mirror api",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logger := initLogger(cfg.Service.LogLevel)
		defer func() { _ = logger.Sync() }()

		zap.S().Info("Starting mirror service")
		defer zap.S().Info("Mirror service stopped")

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		if err := s.InitialMigration(); err != nil {
			zap.S().Fatalf("running initial migration: %v", err)
		}

		gate := batch.NewShutdownGate()
		clock := clockwork.NewRealClock()
		operator := client.NewGitea(cfg.Gitea)
		mirrorService := service.NewMirrorService(s, operator, nil, gate, clock, cfg)

		registry := recovery.NewHandlerRegistry(mirrorService.ResumeHandlers()...)
		scanner := recovery.NewScanner(s.Job(), registry, recovery.NewState(), recoveryConfig(cfg), clock)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		// flip the gate before the servers die so in-flight batches stop
		// picking up items and their jobs stay resumable
		go func() {
			<-ctx.Done()
			gate.Begin()
		}()

		recovery.RunOnStartup(ctx, scanner, cfg.Recovery.StartupTimeout, false)

		if cfg.Recovery.RescanInterval > 0 {
			go scanner.RunPeriodic(ctx, cfg.Recovery.RescanInterval)
		}

		listener, err := newListener(cfg.Service.Address)
		if err != nil {
			zap.S().Fatalf("creating listener: %s", err)
		}

		server := apiserver.New(cfg, scanner, listener)
		if err := server.Run(ctx); err != nil {
			zap.S().Fatalf("Error running server: %s", err)
		}

		return nil
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}

func initLogger(level string) *zap.Logger {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger := log.InitLog(lvl)
	zap.ReplaceGlobals(logger)
	return logger
}

func recoveryConfig(cfg *config.Config) recovery.Config {
	return recovery.Config{
		Cooldown:            cfg.Recovery.Cooldown,
		InactivityThreshold: cfg.Recovery.InactivityThreshold,
		StalenessThreshold:  cfg.Recovery.StalenessThreshold,
		HardCeiling:         cfg.Recovery.HardCeiling,
		ScanAttempts:        cfg.Recovery.ScanAttempts,
		ScanRetryDelay:      cfg.Recovery.ScanRetryDelay,
	}
}
