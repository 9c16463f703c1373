package hooks

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func waitForFile(t *testing.T, path string, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(path); err == nil {
			return b
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
	return nil
}

func TestDispatchRunsCommand(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	r := New(time.Second, nil)
	r.Dispatch("sess-1", "on_idle", "sh -c 'echo hi > "+out+"'", nil)

	b := waitForFile(t, out, 2*time.Second)
	if string(b) != "hi\n" {
		t.Errorf("out = %q", b)
	}
}

func TestDispatchPassesEnv(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	r := New(time.Second, nil)
	r.Dispatch("sess-1", "on_idle", "sh -c 'echo $SESSION_NAME > "+out+"'", map[string]string{
		"SESSION_NAME": "my-session",
	})

	b := waitForFile(t, out, 2*time.Second)
	if string(b) != "my-session\n" {
		t.Errorf("out = %q", b)
	}
}

func TestDispatchCoalescesConcurrentTriggers(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "lock")
	out := filepath.Join(dir, "out.txt")

	var notifications []string
	var mu sync.Mutex
	notify := func(hookKind, status string) {
		mu.Lock()
		notifications = append(notifications, status)
		mu.Unlock()
	}

	r := New(2*time.Second, notify)
	// First dispatch holds for a short while by waiting on a lockfile's
	// absence, giving the test a window to fire coalesced triggers.
	cmd := "sh -c 'while [ ! -f " + lock + " ]; do sleep 0.01; done; echo done >> " + out + "'"

	r.Dispatch("sess-1", "on_idle", cmd, nil)
	r.Dispatch("sess-1", "on_idle", cmd, nil) // should coalesce, not queue twice
	r.Dispatch("sess-1", "on_idle", cmd, nil) // replaces the single pending slot

	if err := os.WriteFile(lock, []byte("go"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(out)
		if err == nil && len(b) == len("done\ndone\n") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "done\ndone\n" {
		t.Errorf("out = %q, want exactly two runs (in-flight + one coalesced follow-up)", b)
	}

	mu.Lock()
	defer mu.Unlock()
	sawCoalesced := false
	for _, n := range notifications {
		if n == "coalesced" {
			sawCoalesced = true
		}
	}
	if !sawCoalesced {
		t.Error("expected at least one \"coalesced\" notification")
	}
}

func TestDispatchEmptyCommandIsNoop(t *testing.T) {
	r := New(time.Second, nil)
	r.Dispatch("sess-1", "on_idle", "   ", nil)
	r.Dispatch("sess-1", "on_idle", "", nil)
	// no panic, no goroutine leak; nothing to assert beyond not hanging
}

func TestDispatchUnknownCommandDoesNotPanic(t *testing.T) {
	r := New(200*time.Millisecond, nil)
	r.Dispatch("sess-1", "on_idle", "this-command-does-not-exist-xyz --flag", nil)
	time.Sleep(50 * time.Millisecond)
}

func TestDifferentKeysRunIndependently(t *testing.T) {
	dir := t.TempDir()
	outA := filepath.Join(dir, "a.txt")
	outB := filepath.Join(dir, "b.txt")

	r := New(time.Second, nil)
	r.Dispatch("sess-1", "on_idle", "sh -c 'echo a > "+outA+"'", nil)
	r.Dispatch("sess-2", "on_idle", "sh -c 'echo b > "+outB+"'", nil)

	waitForFile(t, outA, 2*time.Second)
	waitForFile(t, outB, 2*time.Second)
}
