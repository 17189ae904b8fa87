package store

import (
	"sort"

	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
)

// CreateSessionIfNoneActive inserts a new session for machineID (PENDING
// unless the caller sets another status),
// atomically refusing if a non-terminal session already exists for that
// machine. This is the enforcement point for spec.md §8 property 1
// ("at-most-one session per machine") and §4.6's tie-breaking rule: of two
// concurrent callers, exactly one observes success here.
func (s *Store) CreateSessionIfNoneActive(sess domain.Session) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.MachineID == sess.MachineID && existing.Status.IsNonTerminal() {
			return nil, ggneterr.New(ggneterr.Conflict, "a non-terminal session already exists for this machine")
		}
	}

	sess.ID = newID()
	if sess.Status == "" {
		sess.Status = domain.SessionPending
	}
	t := now()
	sess.CreatedAt, sess.UpdatedAt = t, t
	s.sessions[sess.ID] = &sess
	if err := s.persist(); err != nil {
		return nil, err
	}
	cp := sess
	return &cp, nil
}

// GetSession returns a copy of the session, or NotFound.
func (s *Store) GetSession(id domain.ID) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ggneterr.New(ggneterr.NotFound, "session not found")
	}
	cp := *sess
	return &cp, nil
}

// ListSessions returns all sessions ordered by creation time. Sessions are
// never deleted (spec.md §3), so this is the full retained history.
func (s *Store) ListSessions() []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListSessionsForMachine returns all sessions for a machine ordered by
// creation time, newest last.
func (s *Store) ListSessionsForMachine(machineID domain.ID) []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0)
	for _, sess := range s.sessions {
		if sess.MachineID == machineID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// NonTerminalSessionForMachine returns the single non-terminal session for
// a machine, if any.
func (s *Store) NonTerminalSessionForMachine(machineID domain.ID) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.MachineID == machineID && sess.Status.IsNonTerminal() {
			cp := *sess
			return &cp, true
		}
	}
	return nil, false
}

// UpdateSession applies fn to the stored session under lock and persists.
// It refuses to mutate a session already in a terminal state (spec.md §3:
// "Terminal states are immutable"): for such a session it returns a
// Conflict error without invoking fn.
func (s *Store) UpdateSession(id domain.ID, fn func(*domain.Session)) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ggneterr.New(ggneterr.NotFound, "session not found")
	}
	if sess.Status.IsTerminal() {
		return nil, ggneterr.New(ggneterr.Conflict, "session is in a terminal state and cannot be modified")
	}
	fn(sess)
	sess.UpdatedAt = now()
	if err := s.persist(); err != nil {
		return nil, err
	}
	cp := *sess
	return &cp, nil
}

// ActiveSessionsForRecovery returns every session in a non-terminal state,
// used by crash recovery on startup (spec.md §4.6).
func (s *Store) ActiveSessionsForRecovery() []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0)
	for _, sess := range s.sessions {
		if sess.Status.IsNonTerminal() {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
