// Package imagestore implements the Image Store (spec.md §4.2): it owns the
// on-disk layout of uploaded and converted images, computes checksums while
// streaming, and drives the UPLOADING -> PROCESSING -> (CONVERTING) -> READY
// state machine's upload-time edges. The Conversion Worker drives the
// remaining edges (see internal/conversion).
package imagestore

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/coreos/pkg/capnslog"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/eventbus"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
	"github.com/itcaffenet/ggnet/internal/store"
)

var plog = capnslog.NewPackageLogger("github.com/itcaffenet/ggnet", "imagestore")

// Store is the Image Store. Staging and final directories must be on the
// same filesystem so the final move is an atomic rename (spec.md §4.2).
type Store struct {
	st         *store.Store
	bus        *eventbus.Bus
	stagingDir string
	finalDir   string
}

// New returns an Image Store rooted at stagingDir/finalDir, creating both if
// absent.
func New(st *store.Store, bus *eventbus.Bus, stagingDir, finalDir string) (*Store, error) {
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return nil, ggneterr.Wrap(ggneterr.IOError, err, "creating staging directory")
	}
	if err := os.MkdirAll(finalDir, 0o750); err != nil {
		return nil, ggneterr.Wrap(ggneterr.IOError, err, "creating final image directory")
	}
	return &Store{st: st, bus: bus, stagingDir: stagingDir, finalDir: finalDir}, nil
}

// magicHeaderLen is the number of leading bytes peeked to detect format.
const magicHeaderLen = 512

var (
	vhdxMagic  = []byte{'v', 'h', 'd', 'x', 'f', 'i', 'l', 'e'} // VHDX file identifier signature
	qcow2Magic = []byte{'Q', 'F', 'I', 0xfb}
)

func detectFormat(header []byte) domain.ImageFormat {
	if bytes.HasPrefix(header, qcow2Magic) {
		return domain.ImageFormatQCOW2
	}
	if len(header) >= 8 && bytes.Equal(header[:8], vhdxMagic) {
		return domain.ImageFormatVHDX
	}
	return domain.ImageFormatRAW
}

// Ingest streams src to a staging file, computing MD5 and SHA-256
// incrementally over exactly the bytes written (spec.md §4.2: "Checksums
// are computed on the same bytes written — never re-read afterwards").
// On successful close: RAW input moves straight to READY; everything else
// moves to PROCESSING for the Conversion Worker to pick up.
func (s *Store) Ingest(src io.Reader, declaredName, declaredFilename string, declaredType domain.ImageType) (*domain.Image, error) {
	img, err := s.st.CreateImage(domain.Image{
		Name:             declaredName,
		OriginalFilename: declaredFilename,
		ImageType:        declaredType,
	})
	if err != nil {
		return nil, err
	}

	stagingPath := filepath.Join(s.stagingDir, string(img.ID)+".staged")
	f, err := os.OpenFile(stagingPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		s.markError(img.ID, "creating staging file")
		return nil, ggneterr.Wrap(ggneterr.IOError, err, "imagestore: creating staging file")
	}

	md5h := md5.New()
	sha256h := sha256.New()
	header := make([]byte, 0, magicHeaderLen)
	w := io.MultiWriter(f, md5h, sha256h)

	// Peek the header while streaming through, without re-reading: the tee
	// below writes every byte to the hashers/file exactly once.
	tee := io.TeeReader(src, headerSink{dst: &header, max: magicHeaderLen})

	n, copyErr := io.Copy(w, tee)
	closeErr := f.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(stagingPath)
		s.markError(img.ID, "streaming upload")
		if copyErr != nil {
			return nil, ggneterr.Wrap(ggneterr.IOError, copyErr, "imagestore: streaming upload")
		}
		return nil, ggneterr.Wrap(ggneterr.IOError, closeErr, "imagestore: closing staged file")
	}

	format := detectFormat(header)
	md5sum := hex.EncodeToString(md5h.Sum(nil))
	sha256sum := hex.EncodeToString(sha256h.Sum(nil))

	if format == domain.ImageFormatRAW {
		finalPath := filepath.Join(s.finalDir, string(img.ID)+".raw")
		if err := os.Rename(stagingPath, finalPath); err != nil {
			os.Remove(stagingPath)
			s.markError(img.ID, "moving staged file into place")
			return nil, ggneterr.Wrap(ggneterr.IOError, err, "imagestore: finalizing raw image")
		}
		updated, err := s.st.UpdateImage(img.ID, func(i *domain.Image) {
			i.Format = format
			i.SizeBytes = n
			i.VirtualSizeBytes = n
			i.ChecksumMD5 = md5sum
			i.ChecksumSHA256 = sha256sum
			i.StoragePath = finalPath
			i.Status = domain.ImageReady
		})
		if err != nil {
			return nil, err
		}
		s.bus.Publish("image.ready", updated.ID)
		s.bus.Publish("image.ingested", updated.ID)
		return updated, nil
	}

	updated, err := s.st.UpdateImage(img.ID, func(i *domain.Image) {
		i.Format = format
		i.SizeBytes = n
		i.ChecksumMD5 = md5sum
		i.ChecksumSHA256 = sha256sum
		i.StoragePath = stagingPath
		i.Status = domain.ImageProcessing
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish("image.ingested", updated.ID)
	return updated, nil
}

func (s *Store) markError(id domain.ID, msg string) {
	if _, err := s.st.UpdateImage(id, func(i *domain.Image) {
		i.Status = domain.ImageError
		i.ErrorMessage = msg
	}); err != nil {
		plog.Errorf("failed to mark image %s as ERROR: %v", id, err)
	}
}

// Resolution is the result of Resolve.
type Resolution struct {
	Status      domain.ImageStatus
	StoragePath string // empty unless Status == READY
	Progress    int
}

// Resolve returns an image's current status, storage path (if READY), and
// conversion progress (spec.md §4.2).
func (s *Store) Resolve(id domain.ID) (*Resolution, error) {
	img, err := s.st.GetImage(id)
	if err != nil {
		return nil, err
	}
	r := &Resolution{Status: img.Status, Progress: img.ConversionPercent}
	if img.Status == domain.ImageReady {
		r.StoragePath = img.StoragePath
	}
	return r, nil
}

// Delete refuses while any non-terminal target or any session references
// the image; otherwise unlinks the file and marks the row deleted.
func (s *Store) Delete(id domain.ID) error {
	img, err := s.st.GetImage(id)
	if err != nil {
		return err
	}
	if err := s.st.DeleteImage(id); err != nil {
		return err
	}
	if img.StoragePath != "" {
		if err := os.Remove(img.StoragePath); err != nil && !os.IsNotExist(err) {
			plog.Warningf("deleting image file %s: %v", img.StoragePath, err)
		}
	}
	return nil
}

// headerSink is an io.Writer that appends up to max bytes into *dst, then
// discards the rest. Used with io.TeeReader to capture a format-detection
// header without buffering the whole stream.
type headerSink struct {
	dst *[]byte
	max int
}

func (h headerSink) Write(p []byte) (int, error) {
	if len(*h.dst) < h.max {
		remaining := h.max - len(*h.dst)
		if remaining > len(p) {
			remaining = len(p)
		}
		*h.dst = append(*h.dst, p[:remaining]...)
	}
	return len(p), nil
}
