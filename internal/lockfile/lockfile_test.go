package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path() = %s", lock.Path())
	}
	h := readHolder(lock.Path())
	if h.PID != os.Getpid() || !h.Running || h.StartedAt == "" {
		t.Errorf("holder = %+v", h)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("second Acquire should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder PID = %d", lockErr.Holder.PID)
	}
	if !strings.Contains(err.Error(), "another QuestPipe instance") || !strings.Contains(err.Error(), dir) {
		t.Errorf("unhelpful error: %s", err)
	}

	// The failed attempt must not have clobbered the holder's details.
	if h := readHolder(first.Path()); h.PID != os.Getpid() {
		t.Errorf("holder after conflict = %+v", h)
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		started string
	}{
		{"pid and start", "pid=12345\nstarted=2025-01-01T00:00:00Z\n", 12345, "2025-01-01T00:00:00Z"},
		{"pid only", "pid=67890\n", 67890, ""},
		{"garbage", "hello\n", 0, ""},
		{"empty", "", 0, ""},
		{"bad pid", "pid=abc\n", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := parseHolder(strings.NewReader(tt.content))
			if h.PID != tt.pid || h.StartedAt != tt.started {
				t.Errorf("parseHolder = %+v", h)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("zero holder = %q", got)
	}
	h := Holder{PID: 42, Running: true}
	if got := h.String(); got != "PID 42 (running)" {
		t.Errorf("String() = %q", got)
	}
	h = Holder{PID: 42, StartedAt: "x"}
	if !strings.Contains(h.String(), "stale") {
		t.Errorf("String() = %q", h.String())
	}
}

func TestProcessRunning(t *testing.T) {
	if !processRunning(os.Getpid()) {
		t.Error("own process should be running")
	}
}
