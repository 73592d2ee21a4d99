package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher feeds payload files dropped into a directory through a Reconciler
// while the server runs. Files already present are processed on start.
type Watcher struct {
	rec      *Reconciler
	dir      string
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher returns a Watcher for dir.
func NewWatcher(rec *Reconciler, dir string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		rec:      rec,
		dir:      dir,
		debounce: defaultDebounce,
		logger:   logger.With().Str("component", "payload-watcher").Str("dir", dir).Logger(),
	}
}

// Run blocks until ctx is cancelled or the watch fails to start.
// Several write events for one file within the debounce window collapse
// into a single processing pass.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Register before the catch-up pass so files created in between are seen.
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	report, err := w.rec.ProcessDir(ctx, w.dir)
	if err != nil {
		w.logger.Error().Err(err).Msg("initial payload pass failed")
	} else {
		w.logger.Info().Int("units", len(report.Units)).Msg("initial payload pass complete")
	}

	fire := make(chan string)
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isPayloadFile(filepath.Base(event.Name)) {
				continue
			}
			if t, exists := pending[event.Name]; exists {
				t.Reset(w.debounce)
				continue
			}
			path := event.Name
			pending[path] = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- path:
				case <-ctx.Done():
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")

		case path := <-fire:
			delete(pending, path)
			w.rec.ProcessFile(ctx, path)
		}
	}
}
