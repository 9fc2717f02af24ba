// Package watcher watches the sideload inbox for tile packs.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event represents a file system event.
type Event struct {
	Path      string
	Operation Operation
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called for every settled event. Calls are serialised.
type Handler func(ctx context.Context, event Event) error

// pendingEvent holds a debounced event with its operation.
type pendingEvent struct {
	timestamp time.Time
	op        Operation
}

// Config holds watcher configuration.
type Config struct {
	Paths    []string
	Debounce time.Duration     // Quiet period before an event is delivered
	Match    func(string) bool // File filter, nil accepts every file
}

// Watcher watches directories and delivers debounced file events. A pack
// that is still being copied keeps producing write events, so it is only
// delivered once it was quiet for the debounce period.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	logger    *slog.Logger
	paths     []string
	debounce  time.Duration
	match     func(string) bool

	mu      sync.Mutex
	pending map[string]*pendingEvent

	queue    chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates a new file watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce == 0 {
		cfg.Debounce = 2 * time.Second
	}
	match := cfg.Match
	if match == nil {
		match = func(string) bool { return true }
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		logger:    logger,
		paths:     cfg.Paths,
		debounce:  cfg.Debounce,
		match:     match,
		pending:   make(map[string]*pendingEvent),
		queue:     make(chan Event, 64),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Start watches the configured paths. Matching files already present are
// delivered as create events.
func (w *Watcher) Start(ctx context.Context) error {
	for _, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			w.logger.Warn("invalid watch path", "path", path, "error", err)
			continue
		}

		if err := os.MkdirAll(absPath, 0o755); err != nil {
			w.logger.Warn("failed to create watch path", "path", absPath, "error", err)
			continue
		}
		if err := w.fsWatcher.Add(absPath); err != nil {
			w.logger.Warn("failed to watch path", "path", absPath, "error", err)
			continue
		}

		w.logger.Info("watching directory", "path", absPath)
		w.enqueueExisting(absPath)
	}

	w.wg.Add(3)
	go w.eventLoop(ctx)
	go w.debounceLoop(ctx)
	go w.dispatchLoop(ctx)

	return nil
}

// Stop stops the watcher and waits for a running handler to return.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// enqueueExisting marks matching files in dir as pending creates.
func (w *Watcher) enqueueExisting(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("failed to scan watch path", "path", dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !w.match(entry.Name()) {
			continue
		}
		w.record(filepath.Join(dir, entry.Name()), OpCreate)
	}
}

// eventLoop processes fsnotify events.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFsEvent processes a single fsnotify event.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if !w.match(filepath.Base(event.Name)) {
		return
	}

	w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())
	w.record(event.Name, fsnotifyOpToOperation(event.Op))
}

// record adds or refreshes the pending event of path.
func (w *Watcher) record(path string, op Operation) {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, ok := w.pending[path]
	if !ok {
		w.pending[path] = &pendingEvent{timestamp: w.now(), op: op}
		return
	}
	updatePendingEvent(existing, op, w.now())
}

// updatePendingEvent merges a new operation into a pending event.
func updatePendingEvent(existing *pendingEvent, newOp Operation, at time.Time) {
	existing.timestamp = at

	switch {
	case existing.op == OpDelete && newOp != OpDelete:
		// Deleted, then written again.
		existing.op = OpCreate
	case newOp == OpDelete:
		existing.op = OpDelete
	}
}

// debounceLoop moves settled events to the dispatch queue.
func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	interval := w.debounce / 5
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			for _, event := range w.settled() {
				select {
				case w.queue <- event:
				case <-ctx.Done():
					return
				case <-w.stopCh:
					return
				}
			}
		}
	}
}

// settled removes and returns the events that were quiet long enough.
func (w *Watcher) settled() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	var events []Event
	for path, pending := range w.pending {
		if now.Sub(pending.timestamp) < w.debounce {
			continue
		}
		delete(w.pending, path)
		events = append(events, Event{Path: path, Operation: pending.op})
	}
	return events
}

// dispatchLoop runs the handler for one event at a time.
func (w *Watcher) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event := <-w.queue:
			w.logger.Info("processing file event",
				"path", event.Path,
				"operation", event.Operation.String(),
			)
			if err := w.handler(ctx, event); err != nil {
				w.logger.Error("handler error",
					"path", event.Path,
					"operation", event.Operation.String(),
					"error", err,
				)
			}
		}
	}
}

// fsnotifyOpToOperation converts fsnotify.Op to our Operation type.
func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpModify
	}
}
