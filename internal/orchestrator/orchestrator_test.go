package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/itcaffenet/ggnet/internal/audit"
	"github.com/itcaffenet/ggnet/internal/bootfiles"
	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/eventbus"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
	"github.com/itcaffenet/ggnet/internal/imagestore"
	"github.com/itcaffenet/ggnet/internal/iscsi"
	"github.com/itcaffenet/ggnet/internal/preflight"
	"github.com/itcaffenet/ggnet/internal/processrunner"
	"github.com/itcaffenet/ggnet/internal/store"
)

type testEnv struct {
	orch  *Orchestrator
	st    *store.Store
	iscsi *iscsi.Adapter
	boot  *bootfiles.Generator
	dir   string
}

// installFakeCLIs puts both "targetcli" and "systemctl" stand-ins on PATH.
// targetcli fails any invocation whose arguments contain failArgSubstring.
func installFakeCLIs(t *testing.T, failArgSubstring string) *processrunner.Runner {
	t.Helper()
	dir := t.TempDir()

	targetcliScript := "#!/bin/sh\n"
	if failArgSubstring != "" {
		targetcliScript += `case " $* " in *"` + failArgSubstring + `"*) echo "simulated failure" 1>&2; exit 1 ;; esac` + "\n"
	}
	targetcliScript += "exit 0\n"
	if err := os.WriteFile(filepath.Join(dir, "targetcli"), []byte(targetcliScript), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "systemctl"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	r, err := processrunner.New([]string{"targetcli", "systemctl"})
	if err != nil {
		t.Fatalf("processrunner.New: %v", err)
	}
	return r
}

func newTestEnv(t *testing.T, failArgSubstring string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	storageDir := filepath.Join(dir, "images")
	stagingDir := filepath.Join(dir, "staging")
	dhcpFragDir := filepath.Join(dir, "dhcp.d")
	tftpRoot := filepath.Join(dir, "tftpboot")
	for _, d := range []string{storageDir, stagingDir, dhcpFragDir, tftpRoot} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, bin := range bootfiles.RequiredBootBinaries {
		if err := os.WriteFile(filepath.Join(tftpRoot, bin), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	st, err := store.Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	bus := eventbus.New(8)
	auditLog, err := audit.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	images, err := imagestore.New(st, bus, stagingDir, storageDir)
	if err != nil {
		t.Fatalf("imagestore.New: %v", err)
	}

	runner := installFakeCLIs(t, failArgSubstring)
	iscsiAdapter, err := iscsi.New(runner, "targetcli", filepath.Join(dir, "iscsi-saved.yaml"))
	if err != nil {
		t.Fatalf("iscsi.New: %v", err)
	}
	boot := bootfiles.New(tftpRoot, dhcpFragDir, "10.0.0.1")
	checker := preflight.New(st, bus, storageDir, runner, "targetcli", dhcpFragDir, tftpRoot)

	orch := New(st, bus, auditLog, images, iscsiAdapter, boot, runner, checker, Config{
		DHCPReloadProgram: "systemctl",
		DHCPReloadArgs:    []string{"reload", "dhcpd"},
		DHCPReloadTimeout: 5 * time.Second,
		IQNAuthority:      "local.ggnet",
		HeartbeatTimeout:  time.Minute,
	})

	return &testEnv{orch: orch, st: st, iscsi: iscsiAdapter, boot: boot, dir: dir}
}

func (e *testEnv) createMachine(t *testing.T, mac string) *domain.Machine {
	t.Helper()
	m, err := e.st.CreateMachine(domain.Machine{MACAddress: mac, BootMode: domain.BootModeUEFISecure})
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	return m
}

func (e *testEnv) createReadyImage(t *testing.T) *domain.Image {
	t.Helper()
	img, err := e.st.CreateImage(domain.Image{Name: "win11"})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	path := filepath.Join(e.dir, "images", string(img.ID)+".raw")
	if err := os.WriteFile(path, []byte("raw-disk-bytes"), 0o640); err != nil {
		t.Fatal(err)
	}
	updated, err := e.st.UpdateImage(img.ID, func(i *domain.Image) {
		i.Status = domain.ImageReady
		i.StoragePath = path
	})
	if err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	return updated
}

func TestStartSessionHappyPath(t *testing.T) {
	env := newTestEnv(t, "")
	machine := env.createMachine(t, "aa:bb:cc:dd:ee:01")
	image := env.createReadyImage(t)

	sess, err := env.orch.StartSession(context.Background(), machine.ID, image.ID, domain.SessionDisklessBoot, "10.0.0.99")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.Status != domain.SessionActive {
		t.Fatalf("expected ACTIVE, got %s", sess.Status)
	}
	if sess.InitiatorIQN == "" {
		t.Fatal("expected an initiator IQN")
	}
	if sess.TargetID == "" {
		t.Fatal("expected a target id")
	}
	if sess.StartedAt.IsZero() {
		t.Fatal("expected started_at to be stamped")
	}

	scriptPath := filepath.Join(env.dir, "tftpboot", "boot-aabbccddee01.ipxe")
	if _, err := os.Stat(scriptPath); err != nil {
		t.Fatalf("expected ipxe script to exist: %v", err)
	}
	fragPath := filepath.Join(env.dir, "dhcp.d", "aabbccddee01.conf")
	if _, err := os.Stat(fragPath); err != nil {
		t.Fatalf("expected dhcp fragment to exist: %v", err)
	}

	if err := env.orch.StopSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	stopped, err := env.st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stopped.Status != domain.SessionStopped {
		t.Fatalf("expected STOPPED, got %s", stopped.Status)
	}
	if len(env.iscsi.ListTargets()) != 0 {
		t.Fatal("expected no iscsi targets to remain after stop")
	}
	if _, err := os.Stat(scriptPath); !os.IsNotExist(err) {
		t.Fatal("expected ipxe script to be removed after stop")
	}
	if _, err := os.Stat(fragPath); !os.IsNotExist(err) {
		t.Fatal("expected dhcp fragment to be removed after stop")
	}
}

func TestStartSessionDoubleStartRejected(t *testing.T) {
	env := newTestEnv(t, "")
	machine := env.createMachine(t, "aa:bb:cc:dd:ee:02")
	image := env.createReadyImage(t)

	ctx := context.Background()
	if _, err := env.orch.StartSession(ctx, machine.ID, image.ID, domain.SessionDisklessBoot, ""); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}

	targetsBefore := len(env.iscsi.ListTargets())
	_, err := env.orch.StartSession(ctx, machine.ID, image.ID, domain.SessionDisklessBoot, "")
	if err == nil {
		t.Fatal("expected the second StartSession to fail")
	}
	if ggneterr.KindOf(err) != ggneterr.Conflict {
		t.Fatalf("expected Conflict, got %s", ggneterr.KindOf(err))
	}
	if len(env.iscsi.ListTargets()) != targetsBefore {
		t.Fatal("expected the double-start attempt to not mutate iscsi state")
	}
}

func TestStartSessionRejectsWhenImageNotReady(t *testing.T) {
	env := newTestEnv(t, "")
	machine := env.createMachine(t, "aa:bb:cc:dd:ee:03")
	img, err := env.st.CreateImage(domain.Image{Name: "still-converting"})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	_, err = env.orch.StartSession(context.Background(), machine.ID, img.ID, domain.SessionDisklessBoot, "")
	if err == nil {
		t.Fatal("expected an error starting a session against a non-READY image")
	}
	if ggneterr.KindOf(err) != ggneterr.ImageNotReady {
		t.Fatalf("expected ImageNotReady, got %s", ggneterr.KindOf(err))
	}
}

func TestStartSessionRollsBackOnISCSIFailure(t *testing.T) {
	env := newTestEnv(t, "luns") // fails precisely the LUN-creation step
	machine := env.createMachine(t, "aa:bb:cc:dd:ee:04")
	image := env.createReadyImage(t)

	_, err := env.orch.StartSession(context.Background(), machine.ID, image.ID, domain.SessionDisklessBoot, "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if ggneterr.KindOf(err) != ggneterr.ISCSIError {
		t.Fatalf("expected ISCSIError, got %s", ggneterr.KindOf(err))
	}

	if len(env.iscsi.ListTargets()) != 0 {
		t.Fatal("expected no iscsi target to remain after rollback")
	}
	scriptPath := filepath.Join(env.dir, "tftpboot", "boot-aabbccddee04.ipxe")
	if _, err := os.Stat(scriptPath); !os.IsNotExist(err) {
		t.Fatal("expected no ipxe script to have been written")
	}

	sessions := env.st.ListSessionsForMachine(machine.ID)
	if len(sessions) != 1 || sessions[0].Status != domain.SessionError {
		t.Fatalf("expected a single ERROR session, got %+v", sessions)
	}
}

func TestCheckTimeoutsTransitionsStaleActiveSession(t *testing.T) {
	env := newTestEnv(t, "")
	machine := env.createMachine(t, "aa:bb:cc:dd:ee:05")
	image := env.createReadyImage(t)

	sess, err := env.orch.StartSession(context.Background(), machine.ID, image.ID, domain.SessionDisklessBoot, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Force last_activity into the past without sleeping in the test.
	if _, err := env.st.UpdateSession(sess.ID, func(s *domain.Session) {
		s.LastActivity = time.Now().UTC().Add(-2 * time.Minute)
	}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	env.orch.CheckTimeouts(context.Background())

	got, err := env.st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.SessionTimeout {
		t.Fatalf("expected TIMEOUT, got %s", got.Status)
	}
}

func TestRecoverOnStartupClearsStuckStartingSession(t *testing.T) {
	env := newTestEnv(t, "")
	machine := env.createMachine(t, "aa:bb:cc:dd:ee:06")
	image := env.createReadyImage(t)

	// Simulate a crash mid-STARTING: a session row exists but never
	// reached ACTIVE.
	sess, err := env.st.CreateSessionIfNoneActive(domain.Session{
		MachineID:   machine.ID,
		ImageID:     image.ID,
		SessionType: domain.SessionDisklessBoot,
		Status:      domain.SessionStarting,
	})
	if err != nil {
		t.Fatalf("CreateSessionIfNoneActive: %v", err)
	}

	env.orch.RecoverOnStartup(context.Background())

	got, err := env.st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.SessionError {
		t.Fatalf("expected ERROR after recovery, got %s", got.Status)
	}
}
