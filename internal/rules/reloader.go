package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"integritywatch/internal/logger"
	"integritywatch/pkg/models"
)

const reloadDebounce = 250 * time.Millisecond

// Reloader serves the current Sigma rule set and swaps it when the rule
// files change on disk. A failed reload keeps the previous set.
type Reloader struct {
	path    string
	current atomic.Pointer[SigmaEngine]
}

// NewReloader loads the rules at path.
func NewReloader(path string) (*Reloader, SigmaLoadStats, error) {
	r := &Reloader{path: path}
	stats, err := r.Reload()
	if err != nil {
		return nil, stats, err
	}
	return r, stats, nil
}

// Reload reads the rule files again.
func (r *Reloader) Reload() (SigmaLoadStats, error) {
	engine, stats, err := NewSigmaEngine(r.path)
	if err != nil {
		return stats, err
	}
	r.current.Store(engine)
	return stats, nil
}

// Apply evaluates the current rule set.
func (r *Reloader) Apply(event *models.Event) []Match {
	return r.current.Load().Apply(event)
}

// Len returns the number of rules in the current set.
func (r *Reloader) Len() int {
	return r.current.Load().Len()
}

// Watch reloads on file changes until ctx is done.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := r.path
	if info, err := os.Stat(r.path); err == nil && !info.IsDir() {
		dir = filepath.Dir(r.path)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch rule path: %w", err)
	}

	go r.watchLoop(ctx, watcher)
	return nil
}

func (r *Reloader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isYAMLFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				stats, err := r.Reload()
				if err != nil {
					logger.Warnf("Sigma rule reload failed, keeping previous set: %v", err)
					return
				}
				logger.Infof("Sigma rules reloaded: files=%d loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d",
					stats.TotalFiles, stats.Loaded, stats.SkippedComplex, stats.SkippedDatasource, stats.SkippedInvalid)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Sigma rule watcher error: %v", err)
		}
	}
}
