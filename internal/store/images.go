package store

import (
	"sort"
	"time"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
)

// CreateImage inserts a new image row in UPLOADING status (spec.md §4.2).
func (s *Store) CreateImage(img domain.Image) (*domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img.ID = newID()
	img.Status = domain.ImageUploading
	t := now()
	img.CreatedAt, img.UpdatedAt = t, t
	s.images[img.ID] = &img
	if err := s.persist(); err != nil {
		return nil, err
	}
	cp := img
	return &cp, nil
}

// GetImage returns a copy of the image, or NotFound.
func (s *Store) GetImage(id domain.ID) (*domain.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok || img.Deleted {
		return nil, ggneterr.New(ggneterr.NotFound, "image not found")
	}
	cp := *img
	return &cp, nil
}

// ListImages returns non-deleted images ordered by creation time.
func (s *Store) ListImages() []domain.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Image, 0, len(s.images))
	for _, img := range s.images {
		if !img.Deleted {
			out = append(out, *img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateImage applies fn to the stored image under lock and persists.
func (s *Store) UpdateImage(id domain.ID, fn func(*domain.Image)) (*domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return nil, ggneterr.New(ggneterr.NotFound, "image not found")
	}
	fn(img)
	img.UpdatedAt = now()
	if err := s.persist(); err != nil {
		return nil, err
	}
	cp := *img
	return &cp, nil
}

// DeleteImage marks an image deleted, refusing while any non-terminal
// target references it (spec.md §4.2, and §9 Open Question: any session
// row — terminal or not — blocks deletion to keep audit trails resolvable).
func (s *Store) DeleteImage(id domain.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok || img.Deleted {
		return ggneterr.New(ggneterr.NotFound, "image not found")
	}
	for _, tgt := range s.targets {
		if tgt.ImageID == id && tgt.Status != domain.TargetInactive {
			return ggneterr.New(ggneterr.Conflict, "image is referenced by a non-terminal target")
		}
	}
	for _, sess := range s.sessions {
		if sess.ImageID == id {
			return ggneterr.New(ggneterr.Conflict, "image is referenced by a session record")
		}
	}
	img.Deleted = true
	img.UpdatedAt = now()
	return s.persist()
}

// ClaimForConversion atomically finds the oldest image in PROCESSING whose
// format is not RAW and moves it to CONVERTING, returning a copy. This is
// the sole admissible claim primitive (spec.md §4.3, §5): concurrent
// conversion workers calling this compete for the same lock and at most one
// can observe and claim a given image.
func (s *Store) ClaimForConversion() (*domain.Image, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *domain.Image
	for _, img := range s.images {
		if img.Deleted || img.Status != domain.ImageProcessing || img.Format == domain.ImageFormatRAW {
			continue
		}
		if oldest == nil || img.CreatedAt.Before(oldest.CreatedAt) {
			oldest = img
		}
	}
	if oldest == nil {
		return nil, false, nil
	}

	oldest.Status = domain.ImageConverting
	oldest.ClaimedAt = now()
	oldest.UpdatedAt = oldest.ClaimedAt
	if err := s.persist(); err != nil {
		return nil, false, err
	}
	cp := *oldest
	return &cp, true, nil
}

// ReclaimStaleClaims reverts any image stuck in CONVERTING whose claim is
// older than staleAfter back to PROCESSING (spec.md §4.3 crash semantics),
// returning the ids reclaimed.
func (s *Store) ReclaimStaleClaims(staleAfter time.Duration) ([]domain.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now().Add(-staleAfter)
	var reclaimed []domain.ID
	for _, img := range s.images {
		if img.Status == domain.ImageConverting && img.ClaimedAt.Before(cutoff) {
			img.Status = domain.ImageProcessing
			img.UpdatedAt = now()
			reclaimed = append(reclaimed, img.ID)
		}
	}
	if len(reclaimed) == 0 {
		return nil, nil
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return reclaimed, nil
}
