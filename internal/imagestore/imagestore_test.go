package imagestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/eventbus"
	"github.com/itcaffenet/ggnet/internal/store"
)

func newTestImageStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	s, err := New(st, eventbus.New(8), filepath.Join(dir, "staging"), filepath.Join(dir, "final"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestIngestRawGoesStraightToReady(t *testing.T) {
	s := newTestImageStore(t)
	payload := bytes.Repeat([]byte{0x42}, 4096)

	img, err := s.Ingest(bytes.NewReader(payload), "disk1", "disk1.raw", domain.ImageTypeSystem)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if img.Status != domain.ImageReady {
		t.Fatalf("expected READY, got %s", img.Status)
	}
	if img.Format != domain.ImageFormatRAW {
		t.Fatalf("expected RAW, got %s", img.Format)
	}

	sum := sha256.Sum256(payload)
	if img.ChecksumSHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch: got %s", img.ChecksumSHA256)
	}

	data, err := os.ReadFile(img.StoragePath)
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("final file content does not match uploaded bytes")
	}
}

func TestIngestVHDXGoesToProcessing(t *testing.T) {
	s := newTestImageStore(t)
	payload := append([]byte("vhdxfile"), bytes.Repeat([]byte{0}, 512)...)

	img, err := s.Ingest(bytes.NewReader(payload), "win11", "win11.vhdx", domain.ImageTypeSystem)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if img.Status != domain.ImageProcessing {
		t.Fatalf("expected PROCESSING, got %s", img.Status)
	}
	if img.Format != domain.ImageFormatVHDX {
		t.Fatalf("expected VHDX, got %s", img.Format)
	}
}

func TestResolveReturnsStoragePathOnlyWhenReady(t *testing.T) {
	s := newTestImageStore(t)
	payload := append([]byte("vhdxfile"), bytes.Repeat([]byte{0}, 512)...)
	img, err := s.Ingest(bytes.NewReader(payload), "win11", "win11.vhdx", domain.ImageTypeSystem)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res, err := s.Resolve(img.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.StoragePath != "" {
		t.Fatalf("expected empty storage path while PROCESSING, got %q", res.StoragePath)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	s := newTestImageStore(t)
	payload := bytes.Repeat([]byte{0x1}, 128)
	img, err := s.Ingest(bytes.NewReader(payload), "d", "d.raw", domain.ImageTypeData)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := s.Delete(img.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(img.StoragePath); !os.IsNotExist(err) {
		t.Fatalf("expected final file to be removed, stat err = %v", err)
	}
}
