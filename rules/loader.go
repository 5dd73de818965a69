// Package rules loads prompt rule files from a directory and keeps them
// fresh. Operators edit the markdown files on disk; approved rule changes
// are appended by the learning loop. Both paths go through the same
// loader so agents always see the current content.
package rules

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay is how long to wait for more file changes before reloading.
const debounceDelay = 500 * time.Millisecond

// ValidGenres lists the genre identifiers the classifier may emit.
// Genre-specific rule and schema files are only consulted for these.
var ValidGenres = map[string]bool{
	"sfa":        true,
	"crm":        true,
	"accounting": true,
	"legal":      true,
	"admin":      true,
	"it":         true,
	"marketing":  true,
	"design":     true,
	"ma":         true,
	"no2":        true,
}

// Loader reads rule markdown files under a directory, with an in-memory
// cache invalidated by file watching.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]string

	pendingMu sync.Mutex
	pending   bool
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a rule loader rooted at dir. The directory does not
// need to exist; missing files fall back to caller defaults.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	l := &Loader{
		dir:    dir,
		logger: slog.Default(),
		cache:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the rules directory root.
func (l *Loader) Dir() string {
	return l.dir
}

// Load returns the content of <dir>/<name>.md, or fallback when the file
// is missing or unreadable.
func (l *Loader) Load(name, fallback string) string {
	return l.loadPath(filepath.Join(l.dir, name+".md"), fallback)
}

// LoadGenreRules returns the genre-specific rule file content, or "" when
// the genre is unknown or the file does not exist. Genre files live under
// <dir>/genre/, or under a sibling genre/ directory when the loader is
// rooted at a track-specific subdirectory.
func (l *Loader) LoadGenreRules(genre string) string {
	return l.loadGenreFile(genre, genre+"_rules")
}

// LoadGenreSchema returns the genre-specific DB schema template, or "".
func (l *Loader) LoadGenreSchema(genre string) string {
	return l.loadGenreFile(genre, genre+"_db_schema")
}

func (l *Loader) loadGenreFile(genre, name string) string {
	if !ValidGenres[genre] {
		return ""
	}
	genreDir := filepath.Join(l.dir, "genre")
	if info, err := os.Stat(genreDir); err != nil || !info.IsDir() {
		genreDir = filepath.Join(filepath.Dir(l.dir), "genre")
	}
	return l.loadPath(filepath.Join(genreDir, name+".md"), "")
}

func (l *Loader) loadPath(path, fallback string) string {
	l.mu.RLock()
	content, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		if content == "" {
			return fallback
		}
		return content
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Cache the miss so repeated lookups stay cheap. The watcher
		// invalidates the cache when the file appears.
		l.mu.Lock()
		l.cache[path] = ""
		l.mu.Unlock()
		return fallback
	}

	content = strings.TrimSpace(string(data))
	l.mu.Lock()
	l.cache[path] = content
	l.mu.Unlock()
	return content
}

// Invalidate drops all cached content. The next Load re-reads from disk.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string]string)
	l.mu.Unlock()
}

// Watch invalidates the cache when rule files change on disk. It returns
// after the watcher is installed; reloading happens in the background
// until ctx is cancelled. Missing directories are not an error.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := 0
	for _, dir := range []string{l.dir, filepath.Join(l.dir, "genre"), filepath.Join(filepath.Dir(l.dir), "genre")} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			l.logger.Warn("Failed to watch rules directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}

	go l.processEvents(ctx, watcher)

	l.logger.Info("Rules watcher started", "dir", l.dir, "watched_dirs", watched)
	return nil
}

// processEvents coalesces change bursts, then drops the whole cache.
// Rule directories are small, so reload granularity is not worth tracking.
func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	ticker := time.NewTicker(debounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if strings.ToLower(filepath.Ext(event.Name)) != ".md" {
				continue
			}
			l.pendingMu.Lock()
			l.pending = true
			l.pendingMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("Rules watcher error", "error", err)

		case <-ticker.C:
			l.pendingMu.Lock()
			dirty := l.pending
			l.pending = false
			l.pendingMu.Unlock()
			if dirty {
				l.Invalidate()
				l.logger.Debug("Rules cache invalidated")
			}
		}
	}
}
