package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func startWatcher(t *testing.T, dir string, onChange func(context.Context) error) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	w := &Watcher{Debounce: 50 * time.Millisecond}
	go func() { done <- w.Watch(ctx, dir, onChange) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("watch returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop")
		}
	})

	// Give the watcher a moment to register before mutating the tree.
	time.Sleep(100 * time.Millisecond)
	return cancel
}

func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestWatchTriggersOnChange(t *testing.T) {
	dir := t.TempDir()

	var calls atomic.Int32
	startWatcher(t, dir, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('hi')"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() >= 1 })
}

func TestWatchCoalescesBursts(t *testing.T) {
	dir := t.TempDir()

	var calls atomic.Int32
	startWatcher(t, dir, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "app.py")
		if err := os.WriteFile(name, []byte("rev"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return calls.Load() >= 1 })

	// The burst settled well inside one debounce window.
	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got > 2 {
		t.Errorf("calls = %d, want the burst coalesced", got)
	}
}

func TestWatchSeesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()

	var calls atomic.Int32
	startWatcher(t, dir, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	sub := filepath.Join(dir, "static")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() >= 1 })
	before := calls.Load()

	// Let the first burst settle, then change a file inside the new
	// directory only.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "style.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() > before })
}

func TestWatchKeepsGoingAfterCallbackError(t *testing.T) {
	dir := t.TempDir()

	var calls atomic.Int32
	startWatcher(t, dir, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("build failed")
		}
		return nil
	})

	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() >= 1 })

	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() >= 2 })
}
