package main

import (
	"path/filepath"
	"time"

	"github.com/itcaffenet/ggnet/internal/audit"
	"github.com/itcaffenet/ggnet/internal/bootfiles"
	"github.com/itcaffenet/ggnet/internal/config"
	"github.com/itcaffenet/ggnet/internal/conversion"
	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/eventbus"
	"github.com/itcaffenet/ggnet/internal/imagestore"
	"github.com/itcaffenet/ggnet/internal/iscsi"
	"github.com/itcaffenet/ggnet/internal/orchestrator"
	"github.com/itcaffenet/ggnet/internal/preflight"
	"github.com/itcaffenet/ggnet/internal/processrunner"
	"github.com/itcaffenet/ggnet/internal/store"
)

// engine bundles every constructed component, wired once at process
// startup and torn down in reverse order at shutdown (spec.md §5: "No
// global mutable state... aside from explicitly constructed singletons").
type engine struct {
	cfg       *config.Config
	store     *store.Store
	bus       *eventbus.Bus
	auditLog  *audit.Log
	images    *imagestore.Store
	runner    *processrunner.Runner
	iscsi     *iscsi.Adapter
	boot      *bootfiles.Generator
	preflight *preflight.Checker
	orch      *orchestrator.Orchestrator
	workers   []*conversion.Worker
}

func newEngine(cfg *config.Config) (*engine, error) {
	st, err := store.Open(cfg.StateStoreDSN)
	if err != nil {
		return nil, &startupError{err}
	}

	bus := eventbus.New(256)

	auditLog, err := audit.Open(filepath.Join(filepath.Dir(cfg.StateStoreDSN), "audit.log"))
	if err != nil {
		return nil, &startupError{err}
	}

	images, err := imagestore.New(st, bus, cfg.StagingDir, cfg.StorageDir)
	if err != nil {
		return nil, &startupError{err}
	}

	runner, err := processrunner.New([]string{cfg.ISCSICLIProgram, "qemu-img", "systemctl"})
	if err != nil {
		return nil, &startupError{err}
	}

	iscsiAdapter, err := iscsi.New(runner, cfg.ISCSICLIProgram, filepath.Join(cfg.StorageDir, "..", "iscsi-saved.yaml"))
	if err != nil {
		return nil, &startupError{err}
	}

	boot := bootfiles.New(cfg.TFTPRoot, cfg.DHCPFragmentDir, cfg.ServerIP)

	checker := preflight.New(st, bus, cfg.StorageDir, runner, cfg.ISCSICLIProgram, cfg.DHCPFragmentDir, cfg.TFTPRoot)

	orch := orchestrator.New(st, bus, auditLog, images, iscsiAdapter, boot, runner, checker, orchestrator.Config{
		DHCPReloadProgram: cfg.DHCPReloadCommand,
		DHCPReloadArgs:    []string{"restart", "dhcpd"},
		DHCPReloadTimeout: 10 * time.Second,
		IQNAuthority:      cfg.IQNAuthority,
		HeartbeatTimeout:  cfg.SessionHeartbeatTimeout,
	})

	workers := make([]*conversion.Worker, 0, cfg.ConversionWorkers)
	for i := 0; i < cfg.ConversionWorkers; i++ {
		workers = append(workers, conversion.New(st, bus, runner, cfg.ConversionTimeout))
	}

	return &engine{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		auditLog:  auditLog,
		images:    images,
		runner:    runner,
		iscsi:     iscsiAdapter,
		boot:      boot,
		preflight: checker,
		orch:      orch,
		workers:   workers,
	}, nil
}

func (e *engine) close() {
	e.auditLog.Close()
}

// reconcileStartupState runs the iSCSI Adapter's Reconcile (spec.md §4.4)
// and the Boot-file Generator's Prune (spec.md §4.5) against the State
// Store's current view, alongside orchestrator.RecoverOnStartup. Both
// operate on State Store rows the orchestrator's own crash-recovery pass
// doesn't inspect: Reconcile diffs the full Target table (not just ACTIVE
// sessions' targets) against the manager, and Prune removes boot artifacts
// left behind for machines with no non-terminal session.
func (e *engine) reconcileStartupState() {
	staleTargetIDs := e.iscsi.Reconcile(e.store.ListTargets())
	for _, id := range staleTargetIDs {
		if _, err := e.store.UpdateTarget(id, func(t *domain.Target) { t.Status = domain.TargetError }); err != nil {
			plog.Errorf("reconcile: marking target %s ERROR: %v", id, err)
		} else {
			plog.Warningf("reconcile: target %s is ACTIVE in the state store but absent from the iSCSI manager; marked ERROR", id)
		}
	}

	activeMACs := make(map[string]bool)
	for _, sess := range e.store.ListSessions() {
		if sess.Status.IsTerminal() {
			continue
		}
		if machine, err := e.store.GetMachine(sess.MachineID); err == nil {
			activeMACs[machine.MACAddress] = true
		}
	}
	knownMACs := make([]string, 0, len(e.store.ListMachines()))
	for _, m := range e.store.ListMachines() {
		knownMACs = append(knownMACs, m.MACAddress)
	}
	if err := e.boot.Prune(knownMACs, activeMACs); err != nil {
		plog.Errorf("reconcile: pruning stale boot files: %v", err)
	}
}
