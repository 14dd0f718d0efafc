//go:build unix

package platform

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireInstanceLock_ContentionAndRelease(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	appID := "inspectlink-test-" + strconv.Itoa(os.Getpid())

	lock1, err := AcquireInstanceLock(appID, "/tmp/a.sock")
	if err != nil {
		t.Fatalf("acquire first lock: %v", err)
	}

	lock2, err := AcquireInstanceLock(appID, "/tmp/a.sock")
	if !errors.Is(err, ErrInstanceAlreadyRunning) {
		t.Fatalf("expected %v, got %v", ErrInstanceAlreadyRunning, err)
	}
	if lock2 != nil {
		t.Fatalf("expected second lock to be nil, got %#v", lock2)
	}

	other, err := AcquireInstanceLock(appID, "/tmp/b.sock")
	if err != nil {
		t.Fatalf("expected a different address to lock independently: %v", err)
	}
	if err := other.Release(); err != nil {
		t.Fatalf("release other lock: %v", err)
	}

	if err := lock1.Release(); err != nil {
		t.Fatalf("release first lock: %v", err)
	}

	lock3, err := AcquireInstanceLock(appID, "/tmp/a.sock")
	if err != nil {
		t.Fatalf("acquire lock after release: %v", err)
	}
	if err := lock3.Release(); err != nil {
		t.Fatalf("release third lock: %v", err)
	}
}

func TestInstanceLockPathPrefersXDGRuntimeDir(t *testing.T) {
	runtimeDir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)

	path, err := instanceLockPath("inspectlink")
	if err != nil {
		t.Fatalf("resolve lock path: %v", err)
	}

	if want := filepath.Join(runtimeDir, "inspectlink.lock"); path != want {
		t.Fatalf("expected %q, got %q", want, path)
	}
}

func TestInstanceLockPathFallsBackToTemp(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")

	path, err := instanceLockPath("inspectlink")
	if err != nil {
		t.Fatalf("resolve lock path: %v", err)
	}

	wantFragment := "inspectlink-" + strconv.Itoa(os.Getuid())
	if !strings.Contains(path, wantFragment) {
		t.Fatalf("expected path to contain %q, got %q", wantFragment, path)
	}
}
