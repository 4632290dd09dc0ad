// Package watcher converts filesystem churn under the cache root into a
// deduplicated stream of stable, ready-to-read cache files.
//
// It combines an initial recursive scan with fsnotify change events, filters
// by the cache extension allow-list, extracts frame numbers, waits for files
// discovered live to stop growing, and emits entries into the file queue
// consumed by the batch compressor.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/cachestream/internal/logger"
	"github.com/marmos91/cachestream/pkg/frame"
	"github.com/marmos91/cachestream/pkg/ledger"
)

// Entry is one stable cache file handed to the compressor.
type Entry struct {
	Path     string // absolute path
	RelPath  string // path relative to the cache root, slash-separated
	Frame    int
	HasFrame bool
}

// Config holds watcher configuration.
type Config struct {
	// StablePollInterval is how often a growing file's size is re-read.
	// Default: 300ms.
	StablePollInterval time.Duration

	// StableTimeout bounds the stability wait per file. Default: 3s.
	StableTimeout time.Duration
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() Config {
	return Config{
		StablePollInterval: 300 * time.Millisecond,
		StableTimeout:      3 * time.Second,
	}
}

// Watcher watches the cache root and feeds the file queue.
type Watcher struct {
	root   string
	queue  chan<- Entry
	ledger *ledger.Ledger
	cfg    Config

	fsw *fsnotify.Watcher

	// seen dedupes by absolute path for the lifetime of the run. Guarded
	// by mu because the initial scan and the event loop both touch it.
	mu   sync.Mutex
	seen map[string]struct{}

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a watcher for the given cache root. Entries are sent to queue;
// l receives produced-frame registrations and answers already-secured checks.
func New(root string, queue chan<- Entry, l *ledger.Ledger, cfg Config) *Watcher {
	if cfg.StablePollInterval <= 0 {
		cfg.StablePollInterval = 300 * time.Millisecond
	}
	if cfg.StableTimeout <= 0 {
		cfg.StableTimeout = 3 * time.Second
	}
	return &Watcher{
		root:   root,
		queue:  queue,
		ledger: l,
		cfg:    cfg,
		seen:   make(map[string]struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start performs the initial scan and begins watching for changes.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return fmt.Errorf("failed to create cache root: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	w.fsw = fsw

	// Register watches before scanning so files landing mid-scan are not
	// missed; the seen set absorbs the overlap.
	if err := w.watchTree(w.root); err != nil {
		fsw.Close()
		return err
	}

	count := w.scanTree(w.root, true)
	if count > 0 {
		logger.Info("Initial cache scan complete", "files", count, "root", w.root)
	}

	go w.run()

	logger.Info("Frame watcher started", "root", w.root)
	return nil
}

// Stop ends the filesystem watch and waits for the event loop to exit. The
// file queue is left untouched; draining it is the orchestrator's job.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			w.fsw.Close()
		}
	})
	<-w.doneCh
	logger.Info("Frame watcher stopped")
}

// watchTree registers fsnotify watches for dir and every subdirectory.
// fsnotify watches are not recursive, so each directory is added as it is
// discovered.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // directory vanished mid-walk, skip
		}
		if d.IsDir() {
			if werr := w.fsw.Add(path); werr != nil {
				return fmt.Errorf("failed to watch %s: %w", path, werr)
			}
		}
		return nil
	})
}

// scanTree registers every recognized file under dir. initial controls the
// stability gate: files found by the startup scan are assumed complete.
func (w *Watcher) scanTree(dir string, initial bool) int {
	count := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && frame.Recognized(path) {
			w.handleFile(path, initial)
			count++
		}
		return nil
	})
	return count
}

// run is the event loop. It exits when the fsnotify watcher closes.
func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("Filesystem watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return // vanished between event and stat
	}

	if info.IsDir() {
		// New cache subdirectory. Watch it and pick up files written
		// before the watch landed.
		if event.Has(fsnotify.Create) {
			if err := w.watchTree(event.Name); err != nil {
				logger.Warn("Failed to watch new directory", "dir", event.Name, "error", err)
			}
			w.scanTree(event.Name, false)
		}
		return
	}

	if !frame.Recognized(event.Name) {
		return
	}
	w.handleFile(event.Name, false)
}

// handleFile dedupes, registers frame production, applies the stability
// gate, and enqueues the file.
func (w *Watcher) handleFile(path string, initial bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	w.mu.Lock()
	if _, dup := w.seen[abs]; dup {
		w.mu.Unlock()
		return
	}
	w.seen[abs] = struct{}{}
	w.mu.Unlock()

	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		logger.Warn("File outside cache root, skipping", "path", abs)
		return
	}
	rel = filepath.ToSlash(rel)

	frameNum, hasFrame := frame.Number(abs)
	if hasFrame {
		// Produced is recorded even when the file is skipped below, so
		// frame accounting stays complete.
		w.ledger.RegisterProduced(frameNum)
		if w.ledger.IsSecured(frameNum) {
			logger.Debug("Frame already secured, skipping", "frame", frameNum, "file", rel)
			return
		}
	}

	if !initial {
		if !w.waitStable(abs) {
			logger.Debug("File never stabilized, dropping", "file", rel)
			return
		}
	}

	entry := Entry{Path: abs, RelPath: rel, Frame: frameNum, HasFrame: hasFrame}
	select {
	case w.queue <- entry:
	case <-w.stopCh:
	}
}

// waitStable polls the file size until two consecutive reads agree on a
// non-zero size, or the timeout elapses. On timeout the file is accepted if
// its last observed size was non-zero.
func (w *Watcher) waitStable(path string) bool {
	var lastSize int64 = -1
	deadline := time.Now().Add(w.cfg.StableTimeout)

	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if err != nil {
			return false // file disappeared
		}
		size := info.Size()
		if size == lastSize && size > 0 {
			return true
		}
		lastSize = size

		select {
		case <-w.stopCh:
			return lastSize > 0
		case <-time.After(w.cfg.StablePollInterval):
		}
	}

	return lastSize > 0
}
