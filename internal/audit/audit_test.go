package audit

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/itcaffenet/ggnet/internal/domain"
)

func TestRecordAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Record(context.Background(), domain.AuditEvent{Actor: "admin", Action: "startSession", Resource: "session", Outcome: "ok"})
	l.Record(context.Background(), domain.AuditEvent{Actor: "admin", Action: "stopSession", Resource: "session", Outcome: "ok"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 audit lines, got %d", lines)
	}
}
