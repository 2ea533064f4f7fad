package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// DefaultReloadDelay debounces bursts of file system events.
const DefaultReloadDelay = 500 * time.Millisecond

// Checker verifies a description before it is imported.
// engine.SequenceFactory satisfies it.
type Checker interface {
	Check(ctx context.Context, desc *engine.Description) error
}

// ImportResult summarizes one import of a description directory.
type ImportResult struct {
	Imported []string
	Pruned   []string
	Errors   []error
}

// Err joins the per-document errors.
func (r *ImportResult) Err() error {
	return errors.Join(r.Errors...)
}

// Watcher imports a directory of descriptions into a sequence catalog and
// re-imports it whenever a document changes.
type Watcher struct {
	dir     string
	loader  *DescriptionLoader
	catalog engine.SequenceCatalog
	checker Checker
	delay   time.Duration
	logger  zerolog.Logger

	onImport func(*ImportResult)
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, loader *DescriptionLoader, catalog engine.SequenceCatalog, logger zerolog.Logger) *Watcher {
	return &Watcher{
		dir:     dir,
		loader:  loader,
		catalog: catalog,
		delay:   DefaultReloadDelay,
		logger:  logger.With().Str("component", "description-watcher").Str("dir", dir).Logger(),
	}
}

// WithChecker rejects descriptions that fail c before they reach the catalog.
func (w *Watcher) WithChecker(c Checker) *Watcher {
	w.checker = c
	return w
}

// WithDelay sets the debounce delay.
func (w *Watcher) WithDelay(d time.Duration) *Watcher {
	w.delay = d
	return w
}

// OnImport registers a callback invoked after every import.
func (w *Watcher) OnImport(fn func(*ImportResult)) *Watcher {
	w.onImport = fn
	return w
}

// Import loads every document in the directory and saves the valid ones.
// Catalog entries whose source file was removed from the directory are deleted.
func (w *Watcher) Import(ctx context.Context) (*ImportResult, error) {
	loaded, err := w.loader.LoadDir(ctx, w.dir)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &ImportResult{}
	if err != nil {
		result.Errors = append(result.Errors, err)
	}

	sources := make(map[string]bool, len(loaded))
	for _, seq := range loaded {
		sources[seq.Source] = true
		if w.checker != nil {
			if err := w.checker.Check(ctx, seq.Description); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("%s: %w", seq.Source, err))
				continue
			}
		}
		if err := w.catalog.SaveSequence(ctx, seq.Description, seq.Source); err != nil {
			return result, err
		}
		result.Imported = append(result.Imported, seq.Description.ID)
	}

	if err := w.prune(ctx, sources, result); err != nil {
		return result, err
	}

	w.logger.Info().
		Int("imported", len(result.Imported)).
		Int("pruned", len(result.Pruned)).
		Int("errors", len(result.Errors)).
		Msg("Descriptions imported")

	return result, nil
}

// prune deletes catalog entries imported from this directory whose file is gone.
func (w *Watcher) prune(ctx context.Context, sources map[string]bool, result *ImportResult) error {
	records, err := w.catalog.ListSequences(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Source == "" || sources[rec.Source] || !w.contains(rec.Source) {
			continue
		}
		if _, err := os.Stat(rec.Source); err == nil {
			continue
		}
		if err := w.catalog.DeleteSequence(ctx, rec.Description.ID); err != nil {
			return err
		}
		result.Pruned = append(result.Pruned, rec.Description.ID)
	}
	return nil
}

func (w *Watcher) contains(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Run imports the directory, then watches it until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.watchDirectory(watcher, w.dir); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	w.reload(ctx)

	// Debounce reload events
	timer := time.NewTimer(w.delay)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watchDirectory(watcher, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch directory")
					}
				}
			}
			if _, err := FormatFromPath(event.Name); err != nil {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Description file changed")
			timer.Reset(w.delay)

		case <-timer.C:
			w.reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	result, err := w.Import(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Failed to import descriptions")
		}
		return
	}
	for _, e := range result.Errors {
		w.logger.Warn().Err(e).Msg("Description rejected")
	}
	if w.onImport != nil {
		w.onImport(result)
	}
}

// watchDirectory adds dir and its subdirectories to the watcher.
func (w *Watcher) watchDirectory(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
