package debugtrace

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDisabledSinkIsNoOp(t *testing.T) {
	s := New(false, t.TempDir())
	defer s.Close()

	s.LogProvisioning("provision_acestream", time.Millisecond, true, "", 1)
	if s.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", s.Dropped())
	}
}

func TestEnabledSinkWritesRecords(t *testing.T) {
	dir := t.TempDir()
	s := New(true, dir)

	s.LogProvisioning("provision_acestream", 5*time.Millisecond, true, "", 1)
	s.LogVPNTransition("vpn1", "healthy", "unhealthy", "probe_failed")
	s.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected at least 2 category files (session + provisioning + vpn), got %d", len(entries))
	}

	var sawProvisioning bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if scanner.Text() != "" {
				sawProvisioning = true
			}
		}
	}
	if !sawProvisioning {
		t.Error("expected at least one non-empty jsonl line written")
	}
}

func TestDroppedCounterIncrementsWhenQueueFull(t *testing.T) {
	s := &Sink{enabled: true, queue: make(chan record), logDir: t.TempDir()}
	// No drain goroutine running: every send blocks, so the non-blocking
	// emit path must fall through to dropped.add.
	s.emit(CategoryHealth, map[string]any{"component": "engine"})
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}
}

func TestInvalidLogDirDisablesSink(t *testing.T) {
	// A file (not a directory) as logDir makes MkdirAll fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(true, filepath.Join(blocker, "nested"))
	defer s.Close()

	s.LogHealth("engine", "healthy", nil)
	if s.Dropped() != 0 {
		t.Errorf("expected disabled sink to silently no-op, Dropped() = %d", s.Dropped())
	}
}
