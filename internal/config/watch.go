package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the store whenever the config file changes on disk. Blocks
// until ctx is cancelled; run it in its own goroutine. Editors that replace
// the file (rename + create) are handled by re-adding the watch path.
func (s *Store) Watch(ctx context.Context, logger *zap.Logger) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Rename != 0 {
				// Atomic-replace editors drop the inode; re-watch the path.
				_ = watcher.Remove(s.path)
				if err := watcher.Add(s.path); err != nil {
					logger.Warn("config re-watch failed", zap.Error(err))
					continue
				}
			}
			if err := s.Reload(); err != nil {
				logger.Warn("config reload failed, keeping previous snapshot", zap.Error(err))
				continue
			}
			logger.Info("config reloaded",
				zap.String("path", s.path),
				zap.String("version", s.Snapshot().Version),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
