// Package audit implements the append-only audit log from spec.md §3 and
// §7: every error that causes a state transition, and every state-changing
// operation, is recorded here with actor, action, resource, and outcome.
// Records are never mutated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/itcaffenet/ggnet/internal/domain"
)

// Log appends domain.AuditEvent records to a file, one JSON object per
// line, matching the teacher's convention of JSON-per-line build metadata
// (cosa's meta.json siblings) rather than a binary log format.
type Log struct {
	mu sync.Mutex
	f  *os.File
}

// Open appends to (creating if absent) the audit log file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, errors.Wrapf(err, "audit: opening %s", path)
	}
	return &Log{f: f}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.f.Close()
}

// Record appends one audit event. It never returns an error to a caller
// that cannot act on it without risking masking the original state
// transition; a write failure is logged to stderr directly since the audit
// log must not itself introduce a new failure path into the orchestrator.
func (l *Log) Record(_ context.Context, ev domain.AuditEvent) {
	if ev.ID == "" {
		ev.ID = domain.ID(uuid.NewString())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	enc := json.NewEncoder(l.f)
	if err := enc.Encode(ev); err != nil {
		// Best-effort: audit failures are operational, not domain, errors.
		os.Stderr.WriteString("audit: failed to record event: " + err.Error() + "\n")
	}
}
