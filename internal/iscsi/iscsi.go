// Package iscsi implements the iSCSI Adapter (spec.md §4.4): it drives a
// targetcli-style administrative CLI through the Process Runner to build
// and tear down fileio backstore / target / TPG / LUN / ACL objects, and
// persists a saved-config snapshot of what it believes the manager holds.
//
// All manager calls are serialized behind adapterMu, grounded in the
// teacher's single-mutex treatment of shared, CLI-mutated config files
// (mantle/platform/cluster.go's machine-lock pattern, generalized here to a
// single process-wide lock since the underlying CLI itself is not
// concurrency-safe).
package iscsi

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
	"gopkg.in/yaml.v2"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
	"github.com/itcaffenet/ggnet/internal/processrunner"
)

var plog = capnslog.NewPackageLogger("github.com/itcaffenet/ggnet", "iscsi")

// cliTimeout bounds every individual targetcli invocation (spec.md §6: "iSCSI
// CLI call timeout (seconds)").
const cliTimeout = 15 * time.Second

// Status is the result of GetStatus.
type Status struct {
	Exists              bool
	BackstoreOK         bool
	ACLOK               bool
	ConnectedInitiators []string
}

// savedTarget is the adapter's own record of one target it created, enough
// to reconstruct or tear it down without re-deriving anything from the
// State Store.
type savedTarget struct {
	IQN           string `yaml:"iqn"`
	BackstoreName string `yaml:"backstore_name"`
	ImagePath     string `yaml:"image_path"`
	LUNID         int    `yaml:"lun_id"`
	InitiatorIQN  string `yaml:"initiator_iqn"`
}

type savedConfig struct {
	Targets map[string]savedTarget `yaml:"targets"` // keyed by IQN
}

// Adapter is the iSCSI Adapter.
type Adapter struct {
	runner     *processrunner.Runner
	cliProgram string
	configPath string

	adapterMu sync.Mutex
	cfg       savedConfig
}

// New returns an Adapter backed by cliProgram (an allow-listed Process
// Runner program name, typically "targetcli"), persisting its saved-config
// snapshot at configPath.
func New(runner *processrunner.Runner, cliProgram, configPath string) (*Adapter, error) {
	a := &Adapter{runner: runner, cliProgram: cliProgram, configPath: configPath, cfg: savedConfig{Targets: map[string]savedTarget{}}}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &a.cfg); err != nil {
			return nil, ggneterr.Wrap(ggneterr.IOError, err, "iscsi: parsing saved config")
		}
	} else if !os.IsNotExist(err) {
		return nil, ggneterr.Wrap(ggneterr.IOError, err, "iscsi: reading saved config")
	}
	if a.cfg.Targets == nil {
		a.cfg.Targets = map[string]savedTarget{}
	}
	return a, nil
}

func (a *Adapter) saveConfig() error {
	data, err := yaml.Marshal(a.cfg)
	if err != nil {
		return ggneterr.Wrap(ggneterr.IOError, err, "iscsi: marshaling saved config")
	}
	tmp := a.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return ggneterr.Wrap(ggneterr.IOError, err, "iscsi: writing saved config")
	}
	if err := os.Rename(tmp, a.configPath); err != nil {
		return ggneterr.Wrap(ggneterr.IOError, err, "iscsi: renaming saved config into place")
	}
	return nil
}

// step runs one CLI invocation, returning a *ggneterr.ISCSIStepError on
// failure.
func (a *Adapter) step(ctx context.Context, op, stepName string, args []string) error {
	_, err := a.runner.Run(ctx, a.cliProgram, args, cliTimeout)
	if err != nil {
		plog.Warningf("iscsi step %s/%s failed: %v", op, stepName, err)
		return ggneterr.NewISCSIError(op, stepName, err)
	}
	return nil
}

// CreateTarget builds a target for (machine, image) in order: backstore ->
// target/IQN -> TPG/portal -> LUN -> ACL, rolling back every completed step
// on failure (spec.md §4.4). If a target with the same iqn is already
// recorded with the same backstore path, it is adopted instead of rebuilt.
func (a *Adapter) CreateTarget(ctx context.Context, machine domain.Machine, image domain.Image, iqn, initiatorIQN string, lunID int) (*domain.Target, error) {
	a.adapterMu.Lock()
	defer a.adapterMu.Unlock()

	backstoreName := "ggnet-" + string(machine.ID)

	if existing, ok := a.cfg.Targets[iqn]; ok && existing.ImagePath == image.StoragePath {
		plog.Infof("adopting existing iscsi target %s", iqn)
		return &domain.Target{
			MachineID:     machine.ID,
			ImageID:       image.ID,
			IQN:           iqn,
			LUNID:         existing.LUNID,
			InitiatorIQN:  existing.InitiatorIQN,
			BackstoreName: existing.BackstoreName,
			ImagePath:     existing.ImagePath,
			Status:        domain.TargetActive,
		}, nil
	}

	type completedStep struct {
		name    string
		rollback []string
	}
	var completed []completedStep
	rollbackAll := func() {
		for i := len(completed) - 1; i >= 0; i-- {
			cs := completed[i]
			if _, err := a.runner.Run(context.Background(), a.cliProgram, cs.rollback, cliTimeout); err != nil {
				plog.Warningf("rollback of step %s failed (continuing): %v", cs.name, err)
			}
		}
	}

	backstoreArgs := []string{"backstores/fileio", "create", backstoreName, image.StoragePath}
	if err := a.step(ctx, "create", "backstore", backstoreArgs); err != nil {
		rollbackAll()
		return nil, err
	}
	completed = append(completed, completedStep{"backstore", []string{"backstores/fileio", "delete", backstoreName}})

	targetArgs := []string{"iscsi", "create", iqn}
	if err := a.step(ctx, "create", "target", targetArgs); err != nil {
		rollbackAll()
		return nil, err
	}
	completed = append(completed, completedStep{"target", []string{"iscsi", "delete", iqn}})

	tpgArgs := []string{"iscsi", iqn + "/tpg1", "portals/create"}
	if err := a.step(ctx, "create", "tpg", tpgArgs); err != nil {
		rollbackAll()
		return nil, err
	}
	completed = append(completed, completedStep{"tpg", []string{"iscsi", iqn + "/tpg1/portals", "delete"}})

	lunArgs := []string{"iscsi", iqn + "/tpg1/luns", "create", fmt.Sprintf("/backstores/fileio/%s", backstoreName)}
	if err := a.step(ctx, "create", "lun", lunArgs); err != nil {
		rollbackAll()
		return nil, err
	}
	completed = append(completed, completedStep{"lun", []string{"iscsi", fmt.Sprintf("%s/tpg1/luns/lun%d", iqn, lunID), "delete"}})

	aclArgs := []string{"iscsi", iqn + "/tpg1/acls", "create", initiatorIQN}
	if err := a.step(ctx, "create", "acl", aclArgs); err != nil {
		rollbackAll()
		return nil, err
	}
	completed = append(completed, completedStep{"acl", []string{"iscsi", iqn + "/tpg1/acls", "delete", initiatorIQN}})

	a.cfg.Targets[iqn] = savedTarget{
		IQN:           iqn,
		BackstoreName: backstoreName,
		ImagePath:     image.StoragePath,
		LUNID:         lunID,
		InitiatorIQN:  initiatorIQN,
	}
	if err := a.saveConfig(); err != nil {
		rollbackAll()
		delete(a.cfg.Targets, iqn)
		return nil, err
	}

	return &domain.Target{
		MachineID:     machine.ID,
		ImageID:       image.ID,
		IQN:           iqn,
		LUNID:         lunID,
		InitiatorIQN:  initiatorIQN,
		BackstoreName: backstoreName,
		ImagePath:     image.StoragePath,
		Status:        domain.TargetActive,
	}, nil
}

// DeleteTarget tears down ACL -> LUN -> target -> backstore, tolerating
// missing pieces (spec.md §4.4: "each step logs and continues").
func (a *Adapter) DeleteTarget(ctx context.Context, t domain.Target) error {
	a.adapterMu.Lock()
	defer a.adapterMu.Unlock()

	steps := []struct {
		name string
		args []string
	}{
		{"acl", []string{"iscsi", t.IQN + "/tpg1/acls", "delete", t.InitiatorIQN}},
		{"lun", []string{"iscsi", fmt.Sprintf("%s/tpg1/luns/lun%d", t.IQN, t.LUNID), "delete"}},
		{"target", []string{"iscsi", "delete", t.IQN}},
		{"backstore", []string{"backstores/fileio", "delete", t.BackstoreName}},
	}
	var firstErr error
	for _, s := range steps {
		if _, err := a.runner.Run(ctx, a.cliProgram, s.args, cliTimeout); err != nil {
			plog.Warningf("teardown step %s for %s failed (continuing): %v", s.name, t.IQN, err)
			if firstErr == nil {
				firstErr = ggneterr.NewISCSIError("delete", s.name, err)
			}
		}
	}

	delete(a.cfg.Targets, t.IQN)
	if err := a.saveConfig(); err != nil {
		return err
	}
	return firstErr
}

// GetStatus reports whether t is still present in the saved config and, if
// so, its backstore/ACL presence. A full implementation would query the
// manager live; here the adapter's own saved-config record is the source of
// truth between Reconcile passes, consistent with spec.md's framing of
// ListTargets/Reconcile as the authority for drift detection.
func (a *Adapter) GetStatus(t domain.Target) Status {
	a.adapterMu.Lock()
	defer a.adapterMu.Unlock()

	st, ok := a.cfg.Targets[t.IQN]
	if !ok {
		return Status{}
	}
	return Status{Exists: true, BackstoreOK: st.BackstoreName != "", ACLOK: st.InitiatorIQN != ""}
}

// ListTargets returns every target the adapter currently believes exists,
// sorted by IQN. This is the source of truth Reconcile diffs State Store
// rows against (spec.md §4.4).
func (a *Adapter) ListTargets() []domain.Target {
	a.adapterMu.Lock()
	defer a.adapterMu.Unlock()

	out := make([]domain.Target, 0, len(a.cfg.Targets))
	for _, st := range a.cfg.Targets {
		out = append(out, domain.Target{
			IQN:           st.IQN,
			BackstoreName: st.BackstoreName,
			ImagePath:     st.ImagePath,
			LUNID:         st.LUNID,
			InitiatorIQN:  st.InitiatorIQN,
			Status:        domain.TargetActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IQN < out[j].IQN })
	return out
}

// Reconcile implements spec.md §4.4's startup reconciliation: it compares
// storeTargets (the State Store's Target rows) against ListTargets() (the
// manager's own view) and returns the IDs of storeTargets that are ACTIVE
// but absent from the manager, so the caller can mark them ERROR. A
// manager-side target with no matching State Store row is logged and left
// alone — unmodeled state is never auto-deleted.
func (a *Adapter) Reconcile(storeTargets []domain.Target) []domain.ID {
	managerIQNs := make(map[string]bool, len(a.cfg.Targets))
	for _, t := range a.ListTargets() {
		managerIQNs[t.IQN] = true
	}

	storeIQNs := make(map[string]bool, len(storeTargets))
	var stale []domain.ID
	for _, t := range storeTargets {
		storeIQNs[t.IQN] = true
		if t.Status == domain.TargetActive && !managerIQNs[t.IQN] {
			stale = append(stale, t.ID)
		}
	}

	for iqn := range managerIQNs {
		if !storeIQNs[iqn] {
			plog.Warningf("iscsi: manager-side target %s has no state store row; leaving alone", iqn)
		}
	}

	return stale
}
