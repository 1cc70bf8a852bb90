package rules

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartPeriodicReload reloads the repository every interval until ctx is done.
func (r *Repository) StartPeriodicReload(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = r.Reload(ctx)
			}
		}
	}()
}

// WatchFile reloads the repository when the rule file at path changes.
// The parent directory is watched because editors and rulefile.Save replace
// the file by rename. Bursts of events within debounce trigger one reload.
func (r *Repository) WatchFile(ctx context.Context, path string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				}
				timerC = timer.C
			case <-timerC:
				timerC = nil
				r.logger.Info("rule file changed, reloading", map[string]interface{}{"path": abs})
				_, _ = r.Reload(ctx)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("rule file watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return nil
}
