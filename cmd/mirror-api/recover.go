package main

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgemirror/forgemirror/internal/batch"
	"github.com/forgemirror/forgemirror/internal/client"
	"github.com/forgemirror/forgemirror/internal/config"
	"github.com/forgemirror/forgemirror/internal/recovery"
	"github.com/forgemirror/forgemirror/internal/service"
	"github.com/forgemirror/forgemirror/internal/store"
)

var (
	recoverForce     bool
	recoverTimeoutMs int64
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one recovery scan and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logger := initLogger(cfg.Service.LogLevel)
		defer func() { _ = logger.Sync() }()

		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		gate := batch.NewShutdownGate()
		clock := clockwork.NewRealClock()
		operator := client.NewGitea(cfg.Gitea)
		mirrorService := service.NewMirrorService(s, operator, nil, gate, clock, cfg)

		registry := recovery.NewHandlerRegistry(mirrorService.ResumeHandlers()...)
		scanner := recovery.NewScanner(s.Job(), registry, recovery.NewState(), recoveryConfig(cfg), clock)

		timeout := time.Duration(recoverTimeoutMs) * time.Millisecond
		recovery.RunOnStartup(context.Background(), scanner, timeout, recoverForce)

		// recovery is fail-open: a failed scan is reported through logs and
		// metrics, never as a non-zero exit
		return nil
	},
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverForce, "force", false, "Run even within the scan cooldown window")
	recoverCmd.Flags().Int64Var(&recoverTimeoutMs, "timeout-ms", 120000, "Overall scan timeout in milliseconds (minimum 1000)")
}
