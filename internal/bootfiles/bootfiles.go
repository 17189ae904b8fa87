// Package bootfiles implements the Boot-file Generator (spec.md §4.5): it
// owns the per-machine iPXE script and DHCP fragment files under the TFTP
// root / DHCP fragment directory, regenerating both from state rather than
// ever hand-editing them, the same way the teacher's mantle/kola/tests/iso
// live-pxe harness renders iPXE and coreos-installer configs from struct
// data rather than string concatenation of user input.
package bootfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/pkg/capnslog"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
)

var plog = capnslog.NewPackageLogger("github.com/itcaffenet/ggnet", "bootfiles")

// bootFileFor maps a machine's firmware class to the boot binary the DHCP
// fragment should serve (spec.md §4.5 table).
func bootFileFor(mode domain.BootMode) string {
	switch mode {
	case domain.BootModeUEFISecure:
		return "snponly.efi"
	case domain.BootModeUEFI:
		return "ipxe.efi"
	default:
		return "undionly.kpxe"
	}
}

// Generator writes and removes iPXE scripts and DHCP fragments.
type Generator struct {
	tftpRoot    string
	fragmentDir string
	serverIP    string
}

// New returns a Generator rooted at tftpRoot/fragmentDir. serverIP is the
// host embedded in the sanboot iSCSI URL.
func New(tftpRoot, fragmentDir, serverIP string) *Generator {
	return &Generator{tftpRoot: tftpRoot, fragmentDir: fragmentDir, serverIP: serverIP}
}

func sanitizedMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, ":", ""))
}

func (g *Generator) scriptPath(mac string) string {
	return filepath.Join(g.tftpRoot, fmt.Sprintf("boot-%s.ipxe", sanitizedMAC(mac)))
}

func (g *Generator) fragmentPath(mac string) string {
	return filepath.Join(g.fragmentDir, fmt.Sprintf("%s.conf", sanitizedMAC(mac)))
}

// writeAtomic writes content to path via a temp-file-then-rename, so a
// reader (dhcpd on reload, tftpd on the next request) never observes a
// partially written file (spec.md §5).
func writeAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return ggneterr.Wrap(ggneterr.IOError, err, "bootfiles: writing temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return ggneterr.Wrap(ggneterr.IOError, err, "bootfiles: renaming into place")
	}
	return nil
}

// renderIPXEScript builds the iPXE script body (spec.md §6: UTF-8, LF line
// endings, first line "#!ipxe", final line the sanboot invocation, no
// trailing whitespace on any line).
func renderIPXEScript(serverIP string, lunID int, iqn, initiatorIQN string) []byte {
	lines := []string{
		"#!ipxe",
		"dhcp",
		"set initiator-iqn " + initiatorIQN,
		fmt.Sprintf("sanboot iscsi:%s::::%d:%s", serverIP, lunID, iqn),
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// WriteIPXEScript writes the per-machine iPXE script and returns its path.
func (g *Generator) WriteIPXEScript(machine domain.Machine, lunID int, iqn, initiatorIQN string) (string, error) {
	path := g.scriptPath(machine.MACAddress)
	if err := writeAtomic(path, renderIPXEScript(g.serverIP, lunID, iqn, initiatorIQN)); err != nil {
		return "", err
	}
	plog.Infof("wrote ipxe script for %s at %s", machine.MACAddress, path)
	return path, nil
}

// RemoveIPXEScript deletes a machine's iPXE script, tolerating absence.
func (g *Generator) RemoveIPXEScript(machine domain.Machine) error {
	if err := os.Remove(g.scriptPath(machine.MACAddress)); err != nil && !os.IsNotExist(err) {
		return ggneterr.Wrap(ggneterr.IOError, err, "bootfiles: removing ipxe script")
	}
	return nil
}

// renderDHCPFragment builds one DHCP "host" block (spec.md §6).
func renderDHCPFragment(machine domain.Machine) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "host ggnet-%s {\n", sanitizedMAC(machine.MACAddress))
	fmt.Fprintf(&b, "  hardware ethernet %s;\n", machine.MACAddress)
	if machine.IPAddress != "" {
		fmt.Fprintf(&b, "  fixed-address %s;\n", machine.IPAddress)
	}
	fmt.Fprintf(&b, "  filename \"%s\";\n", bootFileFor(machine.BootMode))
	b.WriteString("}\n")
	return []byte(b.String())
}

// WriteDHCPFragment writes the per-machine DHCP fragment and returns its
// path.
func (g *Generator) WriteDHCPFragment(machine domain.Machine) (string, error) {
	path := g.fragmentPath(machine.MACAddress)
	if err := writeAtomic(path, renderDHCPFragment(machine)); err != nil {
		return "", err
	}
	plog.Infof("wrote dhcp fragment for %s at %s", machine.MACAddress, path)
	return path, nil
}

// RemoveDHCPFragment deletes a machine's DHCP fragment, tolerating absence.
func (g *Generator) RemoveDHCPFragment(machine domain.Machine) error {
	if err := os.Remove(g.fragmentPath(machine.MACAddress)); err != nil && !os.IsNotExist(err) {
		return ggneterr.Wrap(ggneterr.IOError, err, "bootfiles: removing dhcp fragment")
	}
	return nil
}

// RequiredBootBinaries is the fixed set of boot binaries the Pre-flight
// Checker expects under the TFTP root (spec.md §4.8, §6).
var RequiredBootBinaries = []string{"ipxe.efi", "snponly.efi", "ipxe32.efi", "undionly.kpxe"}

// Prune removes the iPXE script and DHCP fragment for any machine MAC not
// present in activeMACs, called during Reconcile so stale per-session files
// never outlive their session (spec.md §4.4 ownership rule).
func (g *Generator) Prune(knownMACs []string, activeMACs map[string]bool) error {
	for _, mac := range knownMACs {
		if activeMACs[mac] {
			continue
		}
		m := domain.Machine{MACAddress: mac}
		if err := g.RemoveIPXEScript(m); err != nil {
			return err
		}
		if err := g.RemoveDHCPFragment(m); err != nil {
			return err
		}
	}
	return nil
}
