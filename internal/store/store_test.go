package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestCreateMachineEnforcesMACUniqueness(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateMachine(domain.Machine{Name: "pc-01", MACAddress: "aa:bb:cc:dd:ee:01"}); err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	_, err := s.CreateMachine(domain.Machine{Name: "pc-02", MACAddress: "aa:bb:cc:dd:ee:01"})
	if ggneterr.KindOf(err) != ggneterr.Conflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestCreateMachineEnforcesMACUniquenessCaseInsensitively(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateMachine(domain.Machine{Name: "pc-01", MACAddress: "AA:BB:CC:DD:EE:01"}); err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	_, err := s.CreateMachine(domain.Machine{Name: "pc-02", MACAddress: "aa:bb:cc:dd:ee:01"})
	if ggneterr.KindOf(err) != ggneterr.Conflict {
		t.Fatalf("expected Conflict for MAC differing only in case, got %v", err)
	}
}

func TestUpsertMachineByMACIsCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	created, created1, err := s.UpsertMachineByMAC("AA:BB:CC:DD:EE:02", func(m *domain.Machine) { m.IPAddress = "10.0.0.5" })
	if err != nil {
		t.Fatalf("UpsertMachineByMAC: %v", err)
	}
	if !created1 {
		t.Fatalf("expected first call to create a machine")
	}
	if created.MACAddress != "aa:bb:cc:dd:ee:02" {
		t.Fatalf("expected canonical lowercase MAC, got %q", created.MACAddress)
	}

	updated, created2, err := s.UpsertMachineByMAC("aa:bb:cc:dd:ee:02", func(m *domain.Machine) { m.IPAddress = "10.0.0.6" })
	if err != nil {
		t.Fatalf("UpsertMachineByMAC: %v", err)
	}
	if created2 {
		t.Fatalf("expected second call (differing only in MAC case) to update, not create")
	}
	if updated.ID != created.ID {
		t.Fatalf("expected the same machine row, got a different id")
	}
	if got := len(s.ListMachines()); got != 1 {
		t.Fatalf("expected exactly one machine row, got %d", got)
	}
}

func TestCreateSessionIfNoneActiveEnforcesAtMostOne(t *testing.T) {
	s := newTestStore(t)
	m, err := s.CreateMachine(domain.Machine{Name: "pc-01", MACAddress: "aa:bb:cc:dd:ee:01"})
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}

	first, err := s.CreateSessionIfNoneActive(domain.Session{MachineID: m.ID, ImageID: "img-1"})
	if err != nil {
		t.Fatalf("first CreateSessionIfNoneActive: %v", err)
	}

	_, err = s.CreateSessionIfNoneActive(domain.Session{MachineID: m.ID, ImageID: "img-1"})
	if ggneterr.KindOf(err) != ggneterr.Conflict {
		t.Fatalf("expected Conflict for second non-terminal session, got %v", err)
	}

	if _, err := s.UpdateSession(first.ID, func(sess *domain.Session) { sess.Status = domain.SessionStopped }); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	if _, err := s.CreateSessionIfNoneActive(domain.Session{MachineID: m.ID, ImageID: "img-1"}); err != nil {
		t.Fatalf("expected a new session to be creatable once the prior one is terminal: %v", err)
	}
}

func TestUpdateSessionRefusesTerminalMutation(t *testing.T) {
	s := newTestStore(t)
	m, _ := s.CreateMachine(domain.Machine{Name: "pc-01", MACAddress: "aa:bb:cc:dd:ee:02"})
	sess, _ := s.CreateSessionIfNoneActive(domain.Session{MachineID: m.ID, ImageID: "img-1"})
	if _, err := s.UpdateSession(sess.ID, func(sess *domain.Session) { sess.Status = domain.SessionStopped }); err != nil {
		t.Fatalf("UpdateSession to terminal: %v", err)
	}
	_, err := s.UpdateSession(sess.ID, func(sess *domain.Session) { sess.Status = domain.SessionActive })
	if ggneterr.KindOf(err) != ggneterr.Conflict {
		t.Fatalf("expected Conflict mutating a terminal session, got %v", err)
	}
}

func TestClaimForConversionIsExclusive(t *testing.T) {
	s := newTestStore(t)
	img1, _ := s.CreateImage(domain.Image{Name: "a", Format: domain.ImageFormatVHDX})
	_, _ = s.UpdateImage(img1.ID, func(i *domain.Image) { i.Status = domain.ImageProcessing })

	claimed, ok, err := s.ClaimForConversion()
	if err != nil || !ok {
		t.Fatalf("ClaimForConversion: ok=%v err=%v", ok, err)
	}
	if claimed.ID != img1.ID {
		t.Fatalf("expected to claim %s, got %s", img1.ID, claimed.ID)
	}
	if claimed.Status != domain.ImageConverting {
		t.Fatalf("expected CONVERTING, got %s", claimed.Status)
	}

	_, ok, err = s.ClaimForConversion()
	if err != nil {
		t.Fatalf("second ClaimForConversion: %v", err)
	}
	if ok {
		t.Fatal("expected no further claimable image (already CONVERTING)")
	}
}

func TestReclaimStaleClaimsRevertsToProcessing(t *testing.T) {
	s := newTestStore(t)
	img, _ := s.CreateImage(domain.Image{Name: "a", Format: domain.ImageFormatVHDX})
	_, _ = s.UpdateImage(img.ID, func(i *domain.Image) {
		i.Status = domain.ImageConverting
		i.ClaimedAt = time.Now().UTC().Add(-2 * time.Hour)
	})

	reclaimed, err := s.ReclaimStaleClaims(time.Hour)
	if err != nil {
		t.Fatalf("ReclaimStaleClaims: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != img.ID {
		t.Fatalf("expected %s reclaimed, got %v", img.ID, reclaimed)
	}

	got, err := s.GetImage(img.ID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if got.Status != domain.ImageProcessing {
		t.Fatalf("expected PROCESSING after reclaim, got %s", got.Status)
	}
}

func TestDeleteImageRefusesWhileReferenced(t *testing.T) {
	s := newTestStore(t)
	img, _ := s.CreateImage(domain.Image{Name: "a", Format: domain.ImageFormatRAW})
	m, _ := s.CreateMachine(domain.Machine{Name: "pc-01", MACAddress: "aa:bb:cc:dd:ee:03"})
	if _, err := s.CreateSessionIfNoneActive(domain.Session{MachineID: m.ID, ImageID: img.ID}); err != nil {
		t.Fatalf("CreateSessionIfNoneActive: %v", err)
	}

	err := s.DeleteImage(img.ID)
	if ggneterr.KindOf(err) != ggneterr.Conflict {
		t.Fatalf("expected Conflict deleting a referenced image, got %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.CreateMachine(domain.Machine{Name: "pc-01", MACAddress: "aa:bb:cc:dd:ee:04"}); err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetMachineByMAC("aa:bb:cc:dd:ee:04")
	if err != nil {
		t.Fatalf("GetMachineByMAC after reopen: %v", err)
	}
	if got.Name != "pc-01" {
		t.Fatalf("unexpected machine after reopen: %+v", got)
	}
}
