package eventstore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the store whenever the event file is written or replaced and
// hands the fresh batch to onChange. The parent directory is watched because
// Write swaps the file in with a rename. Watch returns once the watcher is
// running; it stops when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(*LoadResult)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("event watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("event watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				res, err := s.reload()
				if err != nil {
					// Keep serving the previous batch.
					s.logger.Warn("event reload failed", zap.String("path", s.path), zap.Error(err))
					continue
				}
				s.logger.Info("events reloaded", zap.String("path", s.path), zap.Int("events", len(res.Events)))
				if onChange != nil {
					onChange(res)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("event watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// reload drops the cached batch and reads the file again.
func (s *Store) reload() (*LoadResult, error) {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	return s.Load()
}
