package playbooks

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDelay coalesces bursts of file events from editors and deploys.
const reloadDelay = 250 * time.Millisecond

// Watch loads dir and reloads it whenever a file in it changes, until ctx
// is cancelled. Files that fail to parse are logged and left out until
// they are fixed.
func (pm *PlaybookManager) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating playbook watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	if err := pm.LoadDir(dir); err != nil {
		pm.logger.Warn("Initial playbook load incomplete", zap.Error(err))
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isPlaybookFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pm.logger.Debug("Playbook file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()),
			)
			pending = time.After(reloadDelay)

		case <-pending:
			pending = nil
			if err := pm.LoadDir(dir); err != nil {
				pm.logger.Warn("Playbook reload incomplete", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			pm.logger.Error("Playbook watcher error", zap.Error(err))
		}
	}
}
