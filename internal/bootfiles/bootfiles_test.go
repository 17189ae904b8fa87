package bootfiles

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/itcaffenet/ggnet/internal/domain"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	dir := t.TempDir()
	tftp := filepath.Join(dir, "tftpboot")
	frag := filepath.Join(dir, "dhcp.d")
	if err := os.MkdirAll(tftp, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(frag, 0o755); err != nil {
		t.Fatal(err)
	}
	return New(tftp, frag, "10.0.0.1")
}

func TestWriteIPXEScriptShapeMatchesSpec(t *testing.T) {
	g := newTestGenerator(t)
	m := domain.Machine{MACAddress: "aa:bb:cc:dd:ee:01"}

	path, err := g.WriteIPXEScript(m, 0, "iqn.2026-07.local.ggnet:target-1-abc123", "iqn.2026-07.local.ggnet:initiator-1")
	if err != nil {
		t.Fatalf("WriteIPXEScript: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading script: %v", err)
	}
	content := string(data)

	if strings.Contains(content, "\r") {
		t.Fatal("expected only LF line endings")
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if lines[0] != "#!ipxe" {
		t.Fatalf("expected first line #!ipxe, got %q", lines[0])
	}
	last := lines[len(lines)-1]
	if last != "sanboot iscsi:10.0.0.1::::0:iqn.2026-07.local.ggnet:target-1-abc123" {
		t.Fatalf("unexpected sanboot line: %q", last)
	}
	for _, l := range lines {
		if strings.TrimRight(l, " \t") != l {
			t.Fatalf("line has trailing whitespace: %q", l)
		}
	}
	if !strings.Contains(path, "boot-aabbccddee01.ipxe") {
		t.Fatalf("unexpected script path: %s", path)
	}
}

func TestWriteDHCPFragmentPicksFilenameByFirmwareClass(t *testing.T) {
	cases := []struct {
		mode domain.BootMode
		want string
	}{
		{domain.BootModeUEFISecure, "snponly.efi"},
		{domain.BootModeUEFI, "ipxe.efi"},
		{domain.BootModeBIOS, "undionly.kpxe"},
	}
	for _, c := range cases {
		g := newTestGenerator(t)
		m := domain.Machine{MACAddress: "aa:bb:cc:dd:ee:02", IPAddress: "10.0.0.50", BootMode: c.mode}
		path, err := g.WriteDHCPFragment(m)
		if err != nil {
			t.Fatalf("WriteDHCPFragment: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading fragment: %v", err)
		}
		content := string(data)
		if !strings.Contains(content, `filename "`+c.want+`"`) {
			t.Fatalf("mode %s: expected filename %s in fragment, got:\n%s", c.mode, c.want, content)
		}
		if !strings.Contains(content, "hardware ethernet aa:bb:cc:dd:ee:02;") {
			t.Fatalf("expected hardware ethernet line, got:\n%s", content)
		}
		if !strings.Contains(content, "fixed-address 10.0.0.50;") {
			t.Fatalf("expected fixed-address line, got:\n%s", content)
		}
	}
}

func TestRemoveIsToleratesAbsence(t *testing.T) {
	g := newTestGenerator(t)
	m := domain.Machine{MACAddress: "aa:bb:cc:dd:ee:03"}
	if err := g.RemoveIPXEScript(m); err != nil {
		t.Fatalf("expected no error removing absent script, got %v", err)
	}
	if err := g.RemoveDHCPFragment(m); err != nil {
		t.Fatalf("expected no error removing absent fragment, got %v", err)
	}
}

func TestPruneRemovesFilesForInactiveMachines(t *testing.T) {
	g := newTestGenerator(t)
	m := domain.Machine{MACAddress: "aa:bb:cc:dd:ee:04"}
	scriptPath, err := g.WriteIPXEScript(m, 0, "iqn.x", "iqn.y")
	if err != nil {
		t.Fatalf("WriteIPXEScript: %v", err)
	}
	if _, err := g.WriteDHCPFragment(m); err != nil {
		t.Fatalf("WriteDHCPFragment: %v", err)
	}

	if err := g.Prune([]string{m.MACAddress}, map[string]bool{}); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, err := os.Stat(scriptPath); !os.IsNotExist(err) {
		t.Fatalf("expected script to be pruned, stat err = %v", err)
	}
}
