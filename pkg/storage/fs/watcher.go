package fs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spacetrove/trove/pkg/observability"
)

// Watcher reindexes spaces whose trees change outside the adapter (manual
// edits, rsync deploys). Events are debounced per space so a burst of file
// writes triggers one rebuild.
type Watcher struct {
	adapter  *Adapter
	watcher  *fsnotify.Watcher
	logger   *observability.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
}

// NewWatcher starts watching the spaces root recursively.
func NewWatcher(adapter *Adapter, logger *observability.Logger, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	w := &Watcher{
		adapter:  adapter,
		watcher:  fsWatcher,
		logger:   logger,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	if err := w.watchTree(adapter.layout.root); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("filesystem watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// Skip the adapter's own temp files.
	if strings.HasPrefix(filepath.Base(event.Name), ".tmp-") {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watcher.Add(event.Name)
		}
	}
	space := w.spaceOf(event.Name)
	if space == "" {
		return
	}
	w.schedule(space)
}

func (w *Watcher) spaceOf(path string) string {
	rel, err := filepath.Rel(w.adapter.layout.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return strings.Split(filepath.ToSlash(rel), "/")[0]
}

func (w *Watcher) schedule(space string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[space]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[space] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, space)
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := w.adapter.ReindexSpace(ctx, space); err != nil {
			w.logger.WithError(err).WithField("space", space).Warn("reindex after filesystem change failed")
			return
		}
		w.logger.WithField("space", space).Info("reindexed space after filesystem change")
	})
}

// Close stops the watcher and cancels pending reindexes.
func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	for space, timer := range w.pending {
		timer.Stop()
		delete(w.pending, space)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
