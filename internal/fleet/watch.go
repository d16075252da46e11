// ABOUTME: Reloads the target roster when the configuration file changes on disk.
// ABOUTME: Watches the parent directory so editor rename-and-replace saves are seen.

package fleet

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/2389/coven-fleet/internal/config"
)

// reloadDebounce coalesces the burst of events one save produces.
const reloadDebounce = 250 * time.Millisecond

// LoadFunc reads the target roster from a configuration file.
type LoadFunc func(path string) ([]config.TargetConfig, error)

// Watch reloads the roster from path on every change until ctx ends. A
// file that fails to load leaves the current roster in place.
func (p *Prober) Watch(ctx context.Context, path string, load LoadFunc) error {
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	p.logger.Info("watching config for roster changes", "path", path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("config watcher error", "error", err)

		case <-debounce:
			debounce = nil
			p.reload(path, load)
		}
	}
}

func (p *Prober) reload(path string, load LoadFunc) {
	specs, err := load(path)
	if err != nil {
		p.logger.Warn("roster reload skipped", "path", path, "error", err)
		return
	}
	if err := p.ReplaceTargets(specs); err != nil {
		p.logger.Warn("roster reload rejected", "path", path, "error", err)
	}
}
