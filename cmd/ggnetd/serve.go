package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/itcaffenet/ggnet/internal/config"
)

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "run the ggnet session orchestration engine in the foreground",
	RunE:  runServe,
}

func init() {
	root.AddCommand(cmdServe)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	level, err := capnslog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return &configError{err}
	}
	capnslog.SetGlobalLogLevel(level)

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report := eng.preflight.Run(ctx)
	for _, c := range report.Checks {
		if c.OK {
			plog.Infof("preflight: %s ok: %s", c.Name, c.Message)
		} else {
			plog.Errorf("preflight: %s FAILED: %s", c.Name, c.Message)
		}
	}
	if !report.Green {
		return &startupError{err: errPreflightRed}
	}

	if err := eng.workers[0].ReclaimStale(); err != nil {
		plog.Errorf("reclaiming stale conversion claims: %v", err)
	}
	eng.orch.RecoverOnStartup(ctx)
	eng.reconcileStartupState()

	for _, w := range eng.workers {
		go w.Run(ctx)
	}

	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer heartbeatTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeatTicker.C:
				eng.orch.CheckTimeouts(ctx)
			}
		}
	}()

	plog.Infof("ggnetd serving (storage=%s tftp=%s)", cfg.StorageDir, cfg.TFTPRoot)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	plog.Info("shutting down")
	cancel()
	return nil
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errPreflightRed = sentinelError("preflight checks failed; refusing to start (strict mode)")
