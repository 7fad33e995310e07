// Package catalogfile serves the content catalog from a YAML file on disk and
// republishes it into the catalog registry when the file changes.
package catalogfile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// NewRegistry builds a registry whose active catalog is the one in path.
// The embedded catalog stays resolvable underneath so events recorded
// against it can still be interpreted; a file at the embedded version
// replaces it instead.
func NewRegistry(path string, embedded *catalog.Catalog) (*catalog.Registry, error) {
	fileCat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if embedded == nil || embedded.Version() == fileCat.Version() {
		return catalog.NewRegistry(fileCat), nil
	}
	reg := catalog.NewRegistry(embedded)
	if err := reg.Publish(fileCat); err != nil {
		return nil, fmt.Errorf("catalog file v%d: %w", fileCat.Version(), err)
	}
	return reg, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Outcome of one reload.
type Outcome int

const (
	// Unchanged means the file still carries an already published version.
	Unchanged Outcome = iota
	// Published means a new version became active.
	Published
)

// Stats counts watcher activity.
type Stats struct {
	Events      int       `json:"events"`
	Reloads     int       `json:"reloads"`
	Published   int       `json:"published"`
	Unchanged   int       `json:"unchanged"`
	Errors      int       `json:"errors"`
	LastVersion int       `json:"last_version"`
	LastReload  time.Time `json:"last_reload"`
	LastError   string    `json:"last_error,omitempty"`
}

// Config tunes the watcher.
type Config struct {
	// Debounce is how long the file must be quiet before it is reloaded.
	Debounce time.Duration
}

// Watcher reloads one catalog file into a registry.
type Watcher struct {
	path     string
	registry *catalog.Registry
	debounce time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stats   Stats
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, registry *catalog.Registry, cfg Config, log *logger.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if log == nil {
		log = logger.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return &Watcher{
		path:     abs,
		registry: registry,
		debounce: cfg.Debounce,
		log:      log.With(logger.Component("catalog_watcher"), logger.String("path", abs)),
	}
}

// Reload parses the file and publishes it when its version is new. A file
// that fails to parse or goes backwards in version leaves the active
// catalog untouched.
func (w *Watcher) Reload() (Outcome, error) {
	c, err := catalog.LoadFile(w.path)
	if err == nil {
		err = w.registry.Publish(c)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Reloads++
	w.stats.LastReload = time.Now()

	switch {
	case err == nil:
		w.stats.Published++
		w.stats.LastVersion = c.Version()
		w.log.Info("catalog published", logger.Int("version", c.Version()), logger.Int("micro_blocks", c.Size()))
		return Published, nil
	case errors.Is(err, shared.ErrCatalogVersionDuplicate):
		w.stats.Unchanged++
		w.log.Debug("catalog version already published", logger.Int("version", c.Version()))
		return Unchanged, nil
	default:
		w.stats.Errors++
		w.stats.LastError = err.Error()
		w.log.Warn("catalog reload rejected", logger.Err(err))
		return Unchanged, err
	}
}

// Start begins watching in the background. It watches the parent directory
// so editors that replace the file by rename are seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("catalog watcher: watch %s: %w", filepath.Dir(w.path), err)
	}

	w.fsw = fsw
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx, fsw, w.stopCh, w.doneCh)

	w.log.Info("watching catalog file", logger.Duration("debounce", w.debounce))
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	fsw, stopCh, doneCh := w.fsw, w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
	return fsw.Close()
}

// IsWatching reports whether the background loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats returns a copy of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.mu.Lock()
			w.stats.Events++
			w.mu.Unlock()

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_, _ = w.Reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.stats.Errors++
			w.stats.LastError = err.Error()
			w.mu.Unlock()
			w.log.Warn("catalog watcher error", logger.Err(err))
		}
	}
}

// relevant keeps writes, creates and renames of the watched file. Removal
// alone is ignored so a deploy that deletes before copying does not blank
// the catalog.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
