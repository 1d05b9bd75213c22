package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"flexicli/internal/logging"
)

// Watcher reindexes files as they change. Events are debounced so a
// burst of saves triggers one reindex per file.
type Watcher struct {
	ix *Indexer
	fw *fsnotify.Watcher

	mu          sync.Mutex
	pending     map[string]time.Time
	debounceDur time.Duration
	running     bool
	stats       WatcherStats

	stopCh chan struct{}
	doneCh chan struct{}
}

// WatcherStats counts watcher activity for the status endpoints.
type WatcherStats struct {
	Reindexed int       `json:"reindexed"`
	Removed   int       `json:"removed"`
	Errors    int       `json:"errors"`
	LastEvent time.Time `json:"last_event"`
}

func NewWatcher(ix *Indexer) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		ix:          ix,
		fw:          fw,
		pending:     make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start registers the project directories and begins processing
// events. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	root := w.ix.st.RootPath()
	if err := w.fw.Add(root); err != nil {
		return err
	}
	w.addDirTree(root)
	logging.Index("watching %s (%d directories)", root, len(w.fw.WatchList()))

	go w.run(ctx)
	return nil
}

// Stop halts event processing and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fw.Close(); err != nil {
		logging.Get(logging.CategoryIndex).Error("watcher close failed: %v", err)
	}
}

func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// addDirTree walks below dir and registers every non-skipped
// subdirectory; fsnotify watches are not recursive.
func (w *Watcher) addDirTree(dir string) {
	root := w.ix.st.RootPath()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		rel, err := filepath.Rel(root, p)
		if err != nil {
			continue
		}
		if skipDir(e.Name(), filepath.ToSlash(rel), w.ix.cfg.IgnorePatterns) {
			continue
		}
		if err := w.fw.Add(p); err != nil {
			logging.Get(logging.CategoryIndex).Warn("cannot watch %s: %v", p, err)
			continue
		}
		w.addDirTree(p)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIndex).Error("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	root := w.ix.st.RootPath()
	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	name := filepath.Base(event.Name)

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !skipDir(name, rel, w.ix.cfg.IgnorePatterns) {
				if err := w.fw.Add(event.Name); err == nil {
					w.addDirTree(event.Name)
					// Files written before the watch landed produced
					// no events; queue everything under the new dir.
					w.queueTree(event.Name)
				}
			}
			return
		}
	}

	if strings.HasPrefix(name, ".") || ignoredRel(rel, name, w.ix.cfg.IgnorePatterns) {
		return
	}

	w.mu.Lock()
	w.pending[rel] = time.Now()
	w.stats.LastEvent = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) queueTree(dir string) {
	root := w.ix.st.RootPath()
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()
		if strings.HasPrefix(name, ".") || ignoredRel(rel, name, w.ix.cfg.IgnorePatterns) {
			return nil
		}
		w.mu.Lock()
		w.pending[rel] = time.Now()
		w.mu.Unlock()
		return nil
	})
}

// processSettled reindexes paths whose last event is older than the
// debounce window.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for rel, at := range w.pending {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, rel)
			delete(w.pending, rel)
		}
	}
	w.mu.Unlock()

	for _, rel := range settled {
		abs := filepath.Join(w.ix.st.RootPath(), filepath.FromSlash(rel))
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			if err := w.ix.RemoveFile(rel); err != nil {
				logging.Get(logging.CategoryIndex).Warn("remove failed for %s: %v", rel, err)
				w.bumpErrors()
				continue
			}
			w.mu.Lock()
			w.stats.Removed++
			w.mu.Unlock()
			continue
		}
		if _, err := w.ix.IndexFile(ctx, rel); err != nil {
			logging.Get(logging.CategoryIndex).Warn("reindex failed for %s: %v", rel, err)
			w.bumpErrors()
			continue
		}
		logging.Get(logging.CategoryIndex).Debug("reindexed %s", rel)
		w.mu.Lock()
		w.stats.Reindexed++
		w.mu.Unlock()
	}
}

func (w *Watcher) bumpErrors() {
	w.mu.Lock()
	w.stats.Errors++
	w.mu.Unlock()
}
