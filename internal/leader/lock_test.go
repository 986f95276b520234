package leader

import (
	"path/filepath"
	"testing"
)

func TestFileLockAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxclaw.lock")

	l := NewFileLock(path)
	ok, err := l.TryLock()
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !ok {
		t.Fatal("fresh lock not acquired")
	}

	if err := l.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	// Reacquirable after release.
	ok, err = l.TryLock()
	if err != nil || !ok {
		t.Fatalf("relock: ok=%v err=%v", ok, err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestFileLockUnlockWithoutLockIsNoop(t *testing.T) {
	l := NewFileLock(filepath.Join(t.TempDir(), "voxclaw.lock"))
	if err := l.Unlock(); err != nil {
		t.Fatalf("unlock without lock: %v", err)
	}
}
