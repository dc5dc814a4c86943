package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wmproxy.pid")
	if err := Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	pid, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading raw file: %v", err)
	}
	if data[len(data)-1] != '\n' {
		t.Fatal("expected the PID file to be newline-terminated")
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wmproxy.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Fatal("expected an error reading a non-numeric PID file")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wmproxy.pid")
	if err := Remove(path); err != nil {
		t.Fatalf("Remove on a missing file should not error: %v", err)
	}
	if err := Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the PID file to be gone")
	}
}
