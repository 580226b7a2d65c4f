package configwatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/sirupsen/logrus"
)

// ErrChanged is returned by Watch once the config file has been modified.
var ErrChanged = errors.New("configuration changed")

// FsConfigWatcher monitors a configuration file on the filesystem.
type FsConfigWatcher struct {
	path string
	log  *logging.Entry
}

// NewFsConfigWatcher constructs a FsConfigWatcher for the file at path.
func NewFsConfigWatcher(path string) *FsConfigWatcher {
	return &FsConfigWatcher{
		path: filepath.Clean(path),
		log: logging.WithFields(logging.Fields{
			"component": "config-watcher",
			"path":      path,
		}),
	}
}

// Watch blocks until the file is written, replaced or removed, returning
// ErrChanged, or until ctx is done, returning nil.
//
// The parent directory is watched rather than the file itself so that
// editors and config management tools that replace the file by renaming
// over it are noticed.
func (w *FsConfigWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	// no point of proceeding if we fail to watch this
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.log.Debug("watching for changes")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.log.Debugf("Received event: %v", event)
			if filepath.Clean(event.Name) != w.path || event.Op == fsnotify.Chmod {
				continue
			}
			w.log.Infof("configuration changed (%s)", event.Op)
			return ErrChanged
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("Error while watching %s: %s", dir, err)
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
