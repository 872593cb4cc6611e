package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(appsJSON), 0o644))

	changes := make(chan *AppSet, 4)
	w := NewFileWatcher(path, 10*time.Millisecond, func(s *AppSet) { changes <- s })
	w.Prime()
	w.Start()
	defer w.Stop()

	// Unchanged file is not re-delivered.
	select {
	case <-changes:
		t.Fatal("unexpected reload of primed file")
	case <-time.After(50 * time.Millisecond):
	}

	// A broken update is ignored.
	require.NoError(t, os.WriteFile(path, []byte(`{"apps": [`), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	select {
	case <-changes:
		t.Fatal("invalid file must not be delivered")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"apps": [{"name": "ssh", "ports": [2222], "targets": ["127.0.0.1:22"]}]}`), 0o644))
	later := future.Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	select {
	case set := <-changes:
		assert.Equal(t, []int{2222}, set.Ports())
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

func TestFileWatcherStopIsIdempotent(t *testing.T) {
	w := NewFileWatcher(filepath.Join(t.TempDir(), "none.json"), 0, func(*AppSet) {})
	w.Start()
	w.Stop()
	w.Stop()
}
