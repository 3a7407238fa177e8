package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher([]string{dir, filepath.Join(dir, "missing")}, 50*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%02d-rules.yaml", i))
		require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-w.Requests():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a reload request after writes")
	}
	select {
	case <-w.Requests():
		t.Fatalf("expected the burst to coalesce into one request")
	case <-time.After(300 * time.Millisecond):
	}

	// A later change yields a fresh request.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00-rules.yaml"), []byte("types: []\n"), 0o644))
	select {
	case <-w.Requests():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a second request after a later write")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop on cancel")
	}
}

func TestWatcherWatchesFileThroughDirectory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("governor: {}\n"), 0o644))

	w, err := NewWatcher([]string{cfgPath}, 20*time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Editors replace files by renaming a temp file over them.
	tmp := filepath.Join(dir, ".config.yaml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("governor: {poll_interval: 2s}\n"), 0o644))
	require.NoError(t, os.Rename(tmp, cfgPath))

	select {
	case <-w.Requests():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a request after replacing the config file")
	}
}
