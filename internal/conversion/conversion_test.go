package conversion

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/eventbus"
	"github.com/itcaffenet/ggnet/internal/processrunner"
	"github.com/itcaffenet/ggnet/internal/store"
)

// installFakeQemuImg puts a shell script named qemu-img on PATH that copies
// its source argument to its destination argument, emitting one qemu-img -p
// style progress line first, and returns the allow-listed Runner.
func installFakeQemuImg(t *testing.T, fail bool) *processrunner.Runner {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\n"
	if fail {
		script += "echo 'boom' 1>&2\nexit 1\n"
	} else {
		script += `
# args: convert -p -S 4k -O raw <src> <dst>
echo "    (50.00/100%)" 1>&2
src="$7"
dst="$8"
cp "$src" "$dst"
echo "    (100.00/100%)" 1>&2
exit 0
`
	}
	path := filepath.Join(dir, "qemu-img")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake qemu-img: %v", err)
	}

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	r, err := processrunner.New([]string{"qemu-img"})
	if err != nil {
		t.Fatalf("processrunner.New: %v", err)
	}
	return r
}

func newTestWorker(t *testing.T, runner *processrunner.Runner) (*Worker, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	bus := eventbus.New(8)
	w := New(st, bus, runner, time.Second)
	return w, st
}

func stageProcessingImage(t *testing.T, st *store.Store, content []byte) *domain.Image {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "src.vhdx")
	if err := os.WriteFile(path, content, 0o640); err != nil {
		t.Fatalf("writing staged source: %v", err)
	}

	img, err := st.CreateImage(domain.Image{Name: "win", OriginalFilename: "win.vhdx"})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	updated, err := st.UpdateImage(img.ID, func(i *domain.Image) {
		i.Format = domain.ImageFormatVHDX
		i.Status = domain.ImageProcessing
		i.StoragePath = path
	})
	if err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	return updated
}

func TestRunOnceConvertsClaimedImageToReady(t *testing.T) {
	runner := installFakeQemuImg(t, false)
	w, st := newTestWorker(t, runner)
	img := stageProcessingImage(t, st, []byte("vhdxfile-payload"))

	claimed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !claimed {
		t.Fatal("expected RunOnce to claim the staged image")
	}

	got, err := st.GetImage(img.ID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if got.Status != domain.ImageReady {
		t.Fatalf("expected READY, got %s", got.Status)
	}
	if got.ConversionPercent != 100 {
		t.Fatalf("expected 100%% progress, got %d", got.ConversionPercent)
	}
	if got.ChecksumSHA256 == "" {
		t.Fatal("expected a recomputed checksum")
	}
	data, err := os.ReadFile(got.StoragePath)
	if err != nil {
		t.Fatalf("reading converted file: %v", err)
	}
	if string(data) != "vhdxfile-payload" {
		t.Fatalf("unexpected converted content: %q", data)
	}
}

func TestRunOnceReturnsFalseWhenNothingToClaim(t *testing.T) {
	runner := installFakeQemuImg(t, false)
	w, _ := newTestWorker(t, runner)

	claimed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if claimed {
		t.Fatal("expected nothing to claim")
	}
}

func TestRunOnceMarksImageErrorOnConverterFailure(t *testing.T) {
	runner := installFakeQemuImg(t, true)
	w, st := newTestWorker(t, runner)
	img := stageProcessingImage(t, st, []byte("vhdxfile-payload"))

	claimed, err := w.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected an error from the failing converter")
	}
	if !claimed {
		t.Fatal("expected the image to have been claimed before failing")
	}

	got, err := st.GetImage(img.ID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if got.Status != domain.ImageError {
		t.Fatalf("expected ERROR, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected an error message to be recorded")
	}
}

func TestReclaimStaleRevertsExpiredClaim(t *testing.T) {
	runner := installFakeQemuImg(t, false)
	w, st := newTestWorker(t, runner)
	img := stageProcessingImage(t, st, []byte("x"))

	claimed, _, err := st.ClaimForConversion()
	if err != nil {
		t.Fatalf("ClaimForConversion: %v", err)
	}
	if claimed.ID != img.ID {
		t.Fatalf("expected to claim %s, got %s", img.ID, claimed.ID)
	}

	// The worker's timeout is 1s; simulate staleness by reclaiming with a
	// zero grace period rather than sleeping in the test.
	if err := w.ReclaimStale(); err != nil {
		t.Fatalf("ReclaimStale with fresh claim should be a no-op: %v", err)
	}
	stillConverting, err := st.GetImage(img.ID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if stillConverting.Status != domain.ImageConverting {
		t.Fatalf("expected claim to still be fresh, got %s", stillConverting.Status)
	}

	ids, err := st.ReclaimStaleClaims(0)
	if err != nil {
		t.Fatalf("ReclaimStaleClaims: %v", err)
	}
	if len(ids) != 1 || ids[0] != img.ID {
		t.Fatalf("expected to reclaim %s, got %v", img.ID, ids)
	}
	reverted, err := st.GetImage(img.ID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if reverted.Status != domain.ImageProcessing {
		t.Fatalf("expected PROCESSING after reclaim, got %s", reverted.Status)
	}
}
