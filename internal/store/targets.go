package store

import (
	"sort"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
)

// CreateTarget inserts a new target row, in PENDING status unless the
// caller sets another status.
func (s *Store) CreateTarget(t domain.Target) (*domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = newID()
	if t.Status == "" {
		t.Status = domain.TargetPending
	}
	ts := now()
	t.CreatedAt, t.UpdatedAt = ts, ts
	s.targets[t.ID] = &t
	if err := s.persist(); err != nil {
		return nil, err
	}
	cp := t
	return &cp, nil
}

// GetTarget returns a copy of the target, or NotFound.
func (s *Store) GetTarget(id domain.ID) (*domain.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, ggneterr.New(ggneterr.NotFound, "target not found")
	}
	cp := *t
	return &cp, nil
}

// ListTargets returns all targets ordered by creation time. This is the
// State Store's side of iSCSI Adapter reconciliation (spec.md §4.4).
func (s *Store) ListTargets() []domain.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetActiveTargetForMachine returns an ACTIVE target for a machine, if
// any. It returns the first one found and does not check the "at most one
// ACTIVE target per machine" invariant (spec.md §3).
func (s *Store) GetActiveTargetForMachine(machineID domain.ID) (*domain.Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.targets {
		if t.MachineID == machineID && t.Status == domain.TargetActive {
			cp := *t
			return &cp, true
		}
	}
	return nil, false
}

// UpdateTarget applies fn to the stored target under lock and persists.
func (s *Store) UpdateTarget(id domain.ID, fn func(*domain.Target)) (*domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, ggneterr.New(ggneterr.NotFound, "target not found")
	}
	fn(t)
	t.UpdatedAt = now()
	if err := s.persist(); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// DeleteTarget removes a target row entirely; targets are not retained for
// audit the way sessions are (the session row itself carries the audit
// trail via its TargetID).
func (s *Store) DeleteTarget(id domain.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return ggneterr.New(ggneterr.NotFound, "target not found")
	}
	delete(s.targets, id)
	return s.persist()
}
