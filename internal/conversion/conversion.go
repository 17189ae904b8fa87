// Package conversion implements the Conversion Worker (spec.md §4.3): a
// single-consumer-per-worker loop that converts staged images to raw format
// through qemu-img, the same converter the teacher shells out to for disk
// handling (platform/machine/qemu/disk.go, mantle/util/image.go).
package conversion

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/eventbus"
	"github.com/itcaffenet/ggnet/internal/processrunner"
	"github.com/itcaffenet/ggnet/internal/store"
)

var plog = capnslog.NewPackageLogger("github.com/itcaffenet/ggnet", "conversion")

// progressUpdateInterval bounds how often a row's progress field is
// written, per spec.md §4.3 ("no more than once per second").
const progressUpdateInterval = time.Second

// qemuImgProgress matches qemu-img's "-p" stderr lines, e.g.
// "    (42.17/100%)".
var qemuImgProgress = regexp.MustCompile(`\((\d+(?:\.\d+)?)/100%\)`)

// Worker claims and converts one image at a time from the State Store.
// Multiple Workers may run concurrently; correctness relies entirely on the
// State Store's atomic PROCESSING -> CONVERTING claim (spec.md §5), not on
// any coordination between workers.
type Worker struct {
	st      *store.Store
	bus     *eventbus.Bus
	runner  *processrunner.Runner
	timeout time.Duration
}

// New returns a conversion Worker.
func New(st *store.Store, bus *eventbus.Bus, runner *processrunner.Runner, timeout time.Duration) *Worker {
	return &Worker{st: st, bus: bus, runner: runner, timeout: timeout}
}

// ReclaimStale reverts any image stuck in CONVERTING past the conversion
// timeout back to PROCESSING, unlinking any leftover temp file (spec.md
// §4.3 crash semantics). Call this once at startup before RunOnce/Run.
func (w *Worker) ReclaimStale() error {
	ids, err := w.st.ReclaimStaleClaims(w.timeout)
	if err != nil {
		return err
	}
	for _, id := range ids {
		tmp := w.tempPath(id)
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			plog.Warningf("removing stale temp file %s: %v", tmp, err)
		}
		plog.Infof("reclaimed stale conversion claim on image %s", id)
	}
	return nil
}

func (w *Worker) tempPath(id domain.ID) string {
	return filepath.Join(os.TempDir(), "ggnet-convert-"+string(id)+".raw.tmp")
}

// RunOnce claims the oldest convertible image and converts it, returning
// (false, nil) if there was nothing to claim.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	img, ok, err := w.st.ClaimForConversion()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	plog.Infof("claimed image %s (%s) for conversion", img.ID, img.Format)
	if err := w.convert(ctx, img); err != nil {
		plog.Errorf("conversion of image %s failed: %v", img.ID, err)
		return true, err
	}
	return true, nil
}

// Run loops RunOnce until ctx is cancelled, sleeping briefly between empty
// polls so idle workers do not spin.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := w.RunOnce(ctx)
		if err != nil {
			plog.Errorf("conversion worker iteration error: %v", err)
		}
		if !claimed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (w *Worker) convert(ctx context.Context, img *domain.Image) error {
	tmpPath := w.tempPath(img.ID)
	defer os.Remove(tmpPath)

	args := []string{"convert", "-p", "-S", "4k", "-O", "raw", img.StoragePath, tmpPath}
	start := time.Now()

	result, runErr := w.runWithProgress(ctx, args, img.ID)
	_ = start

	if runErr != nil {
		w.fail(img.ID, runErr.Error())
		return runErr
	}
	_ = result

	finalPath := filepath.Join(filepath.Dir(img.StoragePath), string(img.ID)+".raw")
	if err := os.Rename(tmpPath, finalPath); err != nil {
		w.fail(img.ID, "finalizing converted image: "+err.Error())
		return err
	}

	sum, err := sha256File(finalPath)
	if err != nil {
		w.fail(img.ID, "recomputing checksum: "+err.Error())
		return err
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		w.fail(img.ID, "stat-ing converted image: "+err.Error())
		return err
	}

	if _, err := w.st.UpdateImage(img.ID, func(i *domain.Image) {
		i.Status = domain.ImageReady
		i.StoragePath = finalPath
		i.ChecksumSHA256 = sum
		i.VirtualSizeBytes = info.Size()
		i.ConversionPercent = 100
	}); err != nil {
		return err
	}

	// The original staged (non-raw) file is no longer needed once the raw
	// copy is published.
	if err := os.Remove(img.StoragePath); err != nil && !os.IsNotExist(err) {
		plog.Warningf("removing staged source file %s: %v", img.StoragePath, err)
	}

	w.bus.Publish("image.ready", img.ID)
	plog.Infof("image %s converted to raw in %s", img.ID, time.Since(start))
	return nil
}

func (w *Worker) fail(id domain.ID, msg string) {
	if _, err := w.st.UpdateImage(id, func(i *domain.Image) {
		i.Status = domain.ImageError
		i.ErrorMessage = msg
	}); err != nil {
		plog.Errorf("failed to mark image %s as ERROR: %v", id, err)
	}
	w.bus.Publish("image.failed", id)
}

// runWithProgress runs qemu-img via the Process Runner but additionally
// streams stderr live so progress lines can be parsed and throttled into
// State Store updates, which processrunner.Run (buffer-only) does not
// support; this mirrors the teacher's preference for bespoke stdout/stderr
// pipes (platform/machine/qemu/disk.go) when a caller needs to watch output
// rather than just capture it.
func (w *Worker) runWithProgress(ctx context.Context, args []string, imageID domain.ID) (*processrunner.Result, error) {
	path, ok := w.runner.Resolved("qemu-img")
	if !ok {
		return nil, &processrunner.RunError{Kind: processrunner.FailureNotFound, Program: "qemu-img"}
	}

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	lastUpdate := time.Now()
	scanner := bufio.NewScanner(stderr)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		line := scanner.Text()
		m := qemuImgProgress.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pct, perr := strconv.ParseFloat(m[1], 64)
		if perr != nil {
			continue
		}
		if time.Since(lastUpdate) < progressUpdateInterval {
			continue
		}
		lastUpdate = time.Now()
		if _, err := w.st.UpdateImage(imageID, func(i *domain.Image) {
			i.ConversionPercent = int(pct)
		}); err != nil {
			plog.Warningf("recording conversion progress for %s: %v", imageID, err)
		}
	}

	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	return &processrunner.Result{}, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
