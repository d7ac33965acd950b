package fingerprint

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// CatalogWatcher reloads a signature catalog file when it changes on disk.
// Editors often replace files via rename, so it watches the parent directory
// and filters events down to the catalog path. Changes are debounced because
// a single save typically produces several filesystem events.
type CatalogWatcher struct {
	path          string
	onReload      func(*Catalog)
	watcher       *fsnotify.Watcher
	debounceDelay time.Duration
	logger        zerolog.Logger
}

// NewCatalogWatcher creates a watcher for the given catalog path. The
// onReload callback receives each successfully loaded catalog; load failures
// keep the previous catalog and only log.
func NewCatalogWatcher(path string, onReload func(*Catalog), logger zerolog.Logger) (*CatalogWatcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("onReload callback is required")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &CatalogWatcher{
		path:          path,
		onReload:      onReload,
		watcher:       fsw,
		debounceDelay: 100 * time.Millisecond,
		logger:        logger.With().Str("component", "CatalogWatcher").Logger(),
	}, nil
}

// Start blocks until the context is cancelled, reloading the catalog after
// each change settles. It returns the context's error on cancellation.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounceDelay)
			} else {
				debounce.Reset(w.debounceDelay)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Catalog watcher error")
		}
	}
}

func (w *CatalogWatcher) reload() {
	catalog, err := LoadCatalogFromFile(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Catalog changed but failed to load; keeping previous catalog")
		return
	}
	w.logger.Info().
		Str("path", w.path).
		Str("version", catalog.Version).
		Int("rules", len(catalog.Rules)).
		Msg("Reloaded signature catalog")
	w.onReload(catalog)
}

// Close stops the underlying filesystem watcher.
func (w *CatalogWatcher) Close() error {
	return w.watcher.Close()
}
