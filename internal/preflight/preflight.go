// Package preflight implements the Pre-flight Checker (spec.md §4.8): seven
// independent, side-effect-free checks gating StartSession, in the style of
// the teacher's sdk/repo.go "sanity" probes that validate an SDK checkout
// before a build is allowed to proceed.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/itcaffenet/ggnet/internal/bootfiles"
	"github.com/itcaffenet/ggnet/internal/eventbus"
	"github.com/itcaffenet/ggnet/internal/processrunner"
	"github.com/itcaffenet/ggnet/internal/store"
)

// Check is the outcome of one named check (spec.md §4.8: "each returning
// (ok, message)").
type Check struct {
	Name    string
	OK      bool
	Message string
}

// Report is the full result set from Run, plus a convenience Green flag.
type Report struct {
	Checks []Check
	Green  bool
}

// Checker runs the seven checks against the live engine components.
type Checker struct {
	st              *store.Store
	bus             *eventbus.Bus
	storageDir      string
	iscsiRunner     *processrunner.Runner
	iscsiCLIProgram string
	dhcpFragmentDir string
	tftpRoot        string
}

// New returns a Checker wired to the running engine's components.
func New(st *store.Store, bus *eventbus.Bus, storageDir string, iscsiRunner *processrunner.Runner, iscsiCLIProgram, dhcpFragmentDir, tftpRoot string) *Checker {
	return &Checker{
		st:              st,
		bus:             bus,
		storageDir:      storageDir,
		iscsiRunner:     iscsiRunner,
		iscsiCLIProgram: iscsiCLIProgram,
		dhcpFragmentDir: dhcpFragmentDir,
		tftpRoot:        tftpRoot,
	}
}

// Run executes all seven checks independently, collecting every result even
// if earlier ones fail (spec.md §4.8: "independent checks").
func (c *Checker) Run(ctx context.Context) Report {
	checks := []Check{
		c.checkStateStore(),
		c.checkEventBus(),
		c.checkImageStorage(),
		c.checkISCSICLI(ctx),
		c.checkNetworkInterface(),
		c.checkDHCPFragmentDir(),
		c.checkTFTPBootFiles(),
	}
	green := true
	for _, ch := range checks {
		if !ch.OK {
			green = false
		}
	}
	return Report{Checks: checks, Green: green}
}

func (c *Checker) checkStateStore() Check {
	if c.st == nil {
		return Check{Name: "state_store", OK: false, Message: "state store not initialized"}
	}
	// A reachable store can list without error; the in-memory/JSON-snapshot
	// store never itself errors on read, so reachability here means
	// "constructed and usable".
	_ = c.st.ListMachines()
	return Check{Name: "state_store", OK: true, Message: "reachable"}
}

func (c *Checker) checkEventBus() Check {
	if c.bus == nil {
		return Check{Name: "event_bus", OK: false, Message: "event bus not initialized"}
	}
	return Check{Name: "event_bus", OK: true, Message: "running"}
}

// minFreeBytes is the free-space threshold from spec.md §4.8 ("> 10 GB free
// and < 95% used"); the 95% bound is checked inline in checkImageStorage.
const minFreeBytes = 10 * 1024 * 1024 * 1024

func (c *Checker) checkImageStorage() Check {
	name := "image_storage"
	if c.storageDir == "" {
		return Check{Name: name, OK: false, Message: "no storage directory configured"}
	}
	probe := filepath.Join(c.storageDir, ".preflight-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Check{Name: name, OK: false, Message: fmt.Sprintf("not writable: %v", err)}
	}
	os.Remove(probe)

	free, total, err := diskUsage(c.storageDir)
	if err != nil {
		return Check{Name: name, OK: false, Message: fmt.Sprintf("statfs failed: %v", err)}
	}
	if free <= minFreeBytes {
		return Check{Name: name, OK: false, Message: fmt.Sprintf("only %d bytes free, need > 10GB", free)}
	}
	if total > 0 {
		usedFraction := 1.0 - float64(free)/float64(total)
		if usedFraction >= 0.95 {
			return Check{Name: name, OK: false, Message: fmt.Sprintf("%.1f%% used, must be < 95%%", usedFraction*100)}
		}
	}
	return Check{Name: name, OK: true, Message: "writable with sufficient free space"}
}

func (c *Checker) checkISCSICLI(ctx context.Context) Check {
	name := "iscsi_cli"
	if c.iscsiRunner == nil {
		return Check{Name: name, OK: false, Message: "process runner not initialized"}
	}
	if _, ok := c.iscsiRunner.Resolved(c.iscsiCLIProgram); !ok {
		return Check{Name: name, OK: false, Message: fmt.Sprintf("%s not allow-listed/resolved", c.iscsiCLIProgram)}
	}
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.iscsiRunner.Run(runCtx, c.iscsiCLIProgram, []string{"version"}, 5*time.Second); err != nil {
		return Check{Name: name, OK: false, Message: fmt.Sprintf("not responsive: %v", err)}
	}
	return Check{Name: name, OK: true, Message: "present and responsive"}
}

func (c *Checker) checkNetworkInterface() Check {
	name := "network_interface"
	ifaces, err := net.Interfaces()
	if err != nil {
		return Check{Name: name, OK: false, Message: fmt.Sprintf("listing interfaces: %v", err)}
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp != 0 {
			return Check{Name: name, OK: true, Message: "at least one non-loopback interface is up: " + iface.Name}
		}
	}
	return Check{Name: name, OK: false, Message: "no non-loopback interface is up"}
}

func (c *Checker) checkDHCPFragmentDir() Check {
	name := "dhcp_fragment_dir"
	if c.dhcpFragmentDir == "" {
		return Check{Name: name, OK: false, Message: "no dhcp fragment directory configured"}
	}
	probe := filepath.Join(c.dhcpFragmentDir, ".preflight-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Check{Name: name, OK: false, Message: fmt.Sprintf("not writable: %v", err)}
	}
	os.Remove(probe)
	return Check{Name: name, OK: true, Message: "writable"}
}

func (c *Checker) checkTFTPBootFiles() Check {
	name := "tftp_boot_files"
	var missing []string
	for _, bin := range bootfiles.RequiredBootBinaries {
		if _, err := os.Stat(filepath.Join(c.tftpRoot, bin)); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		return Check{Name: name, OK: false, Message: fmt.Sprintf("missing boot binaries: %v", missing)}
	}
	return Check{Name: name, OK: true, Message: "all required boot binaries present"}
}
