// Package store implements the State Store (spec.md §4, ownership in §3):
// the durable, transactional record of machines, images, targets, and
// sessions. It is the sole owner of all persisted rows; every other
// component holds IDs and resolves through it.
//
// Persistence follows the same convention the teacher uses for build
// metadata (cosa's meta.json siblings): a single JSON snapshot written via
// write-to-temp-then-rename, so a reader never observes a partially written
// file. There is no concurrent multi-writer transaction log — every
// mutation from every writer (orchestrator, Image Store, Conversion Worker,
// CLI) serializes behind a single in-process mutex, and the store never
// calls out to another component while holding it.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
)

// snapshot is the on-disk representation of the whole store.
type snapshot struct {
	Machines map[domain.ID]*domain.Machine `json:"machines"`
	Images   map[domain.ID]*domain.Image   `json:"images"`
	Targets  map[domain.ID]*domain.Target  `json:"targets"`
	Sessions map[domain.ID]*domain.Session `json:"sessions"`
}

// Store is the State Store. The zero value is not usable; use Open.
type Store struct {
	mu   sync.RWMutex
	path string

	machines map[domain.ID]*domain.Machine
	images   map[domain.ID]*domain.Image
	targets  map[domain.ID]*domain.Target
	sessions map[domain.ID]*domain.Session
}

// Open loads path if it exists, or starts from an empty store.
func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		machines: make(map[domain.ID]*domain.Machine),
		images:   make(map[domain.ID]*domain.Image),
		targets:  make(map[domain.ID]*domain.Target),
		sessions: make(map[domain.ID]*domain.Session),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrapf(err, "store: reading %s", path)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "store: parsing %s", path)
	}
	if snap.Machines != nil {
		s.machines = snap.Machines
	}
	if snap.Images != nil {
		s.images = snap.Images
	}
	if snap.Targets != nil {
		s.targets = snap.Targets
	}
	if snap.Sessions != nil {
		s.sessions = snap.Sessions
	}
	return s, nil
}

// persist writes the current in-memory state to disk atomically. Callers
// must hold s.mu for writing: the live maps are marshalled directly (no
// copy is taken) and the temp-file write and rename also happen while that
// lock is held.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{
		Machines: s.machines,
		Images:   s.images,
		Targets:  s.targets,
		Sessions: s.sessions,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "store: marshalling snapshot")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return errors.Wrap(err, "store: creating temp snapshot")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "store: writing temp snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "store: closing temp snapshot")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "store: renaming temp snapshot into place")
	}
	return nil
}

func newID() domain.ID { return domain.ID(uuid.NewString()) }

func now() time.Time { return time.Now().UTC() }

// canonicalMAC normalizes a MAC address to the store's canonical form
// (spec.md §3: "canonicalized lowercase colon form, globally unique").
// Every uniqueness check and lookup goes through this so two reportHardware
// calls differing only in MAC case never create two machine rows.
func canonicalMAC(mac string) string {
	return strings.ToLower(mac)
}

// ---- Machines ----

// CreateMachine inserts a new machine, enforcing MAC uniqueness.
func (s *Store) CreateMachine(m domain.Machine) (*domain.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.MACAddress = canonicalMAC(m.MACAddress)
	for _, existing := range s.machines {
		if existing.MACAddress == m.MACAddress {
			return nil, ggneterr.New(ggneterr.Conflict, "machine with this MAC address already exists")
		}
	}

	m.ID = newID()
	t := now()
	m.CreatedAt, m.UpdatedAt = t, t
	s.machines[m.ID] = &m
	if err := s.persist(); err != nil {
		return nil, err
	}
	cp := m
	return &cp, nil
}

// GetMachine returns a copy of the machine, or NotFound.
func (s *Store) GetMachine(id domain.ID) (*domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, ggneterr.New(ggneterr.NotFound, "machine not found")
	}
	cp := *m
	return &cp, nil
}

// GetMachineByMAC looks up a machine by its canonical MAC address.
func (s *Store) GetMachineByMAC(mac string) (*domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mac = canonicalMAC(mac)
	for _, m := range s.machines {
		if m.MACAddress == mac {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ggneterr.New(ggneterr.NotFound, "machine not found")
}

// ListMachines returns all machines, ordered by creation time.
func (s *Store) ListMachines() []domain.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateMachine applies fn to the stored machine under lock and persists
// the result.
func (s *Store) UpdateMachine(id domain.ID, fn func(*domain.Machine)) (*domain.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, ggneterr.New(ggneterr.NotFound, "machine not found")
	}
	fn(m)
	m.MACAddress = canonicalMAC(m.MACAddress)
	m.UpdatedAt = now()
	if err := s.persist(); err != nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

// UpsertMachineByMAC implements the idempotent reportHardware operation
// (spec.md §6): creates the machine if unknown, otherwise updates its
// hardware descriptor and IP in place.
func (s *Store) UpsertMachineByMAC(mac string, fn func(*domain.Machine)) (*domain.Machine, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mac = canonicalMAC(mac)
	for _, m := range s.machines {
		if m.MACAddress == mac {
			fn(m)
			m.MACAddress = canonicalMAC(m.MACAddress)
			m.UpdatedAt = now()
			if err := s.persist(); err != nil {
				return nil, false, err
			}
			cp := *m
			return &cp, false, nil
		}
	}

	m := &domain.Machine{ID: newID(), MACAddress: mac}
	fn(m)
	t := now()
	m.CreatedAt, m.UpdatedAt = t, t
	s.machines[m.ID] = m
	if err := s.persist(); err != nil {
		return nil, false, err
	}
	cp := *m
	return &cp, true, nil
}

// DeleteMachine removes a machine, refusing while any session references it
// (spec.md §3: "deleted only when no historical sessions reference it").
func (s *Store) DeleteMachine(id domain.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[id]; !ok {
		return ggneterr.New(ggneterr.NotFound, "machine not found")
	}
	for _, sess := range s.sessions {
		if sess.MachineID == id {
			return ggneterr.New(ggneterr.Conflict, "machine has historical sessions; disable instead of deleting")
		}
	}
	delete(s.machines, id)
	return s.persist()
}
