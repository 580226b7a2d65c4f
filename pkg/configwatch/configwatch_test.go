package configwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatch(t *testing.T, path string) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- NewFsConfigWatcher(path).Watch(ctx) }()
	// Give the watcher time to register before touching the directory.
	time.Sleep(100 * time.Millisecond)
	return cancel, errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the watcher to return")
		return nil
	}
}

func TestWatchDetectsChanges(t *testing.T) {
	for _, tt := range []struct {
		name   string
		change func(path string) error
	}{
		{
			name: "write",
			change: func(path string) error {
				return os.WriteFile(path, []byte("local_tld = \"lan\"\n"), 0600)
			},
		},
		{
			name: "replace",
			change: func(path string) error {
				tmp := path + ".tmp"
				if err := os.WriteFile(tmp, []byte("local_tld = \"lan\"\n"), 0600); err != nil {
					return err
				}
				return os.Rename(tmp, path)
			},
		},
		{
			name:   "remove",
			change: os.Remove,
		},
	} {
		tt := tt // pin
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "multipass.toml")
			if err := os.WriteFile(path, nil, 0600); err != nil {
				t.Fatalf("Failed to write %s: %s", path, err)
			}

			cancel, errCh := startWatch(t, path)
			defer cancel()

			if err := tt.change(path); err != nil {
				t.Fatalf("Failed to change %s: %s", path, err)
			}
			if err := waitErr(t, errCh); !errors.Is(err, ErrChanged) {
				t.Fatalf("Expected ErrChanged, got %v", err)
			}
		})
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "multipass.toml")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("Failed to write %s: %s", path, err)
	}

	cancel, errCh := startWatch(t, path)

	if err := os.WriteFile(filepath.Join(dir, "other.toml"), nil, 0600); err != nil {
		t.Fatalf("Failed to write: %s", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Unexpected return from watcher: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Expected a nil error after cancelation, got %s", err)
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "multipass.toml")
	if err := NewFsConfigWatcher(path).Watch(context.Background()); err == nil {
		t.Fatal("Expected an error watching a missing directory")
	}
}
