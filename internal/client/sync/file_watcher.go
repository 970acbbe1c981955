package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	DefaultIgnoreTimeout   = time.Second
	defaultDebounceTimeout = 50 * time.Millisecond
	ignoreSweepInterval    = 15 * time.Second
	eventBufferSize        = 256

	watchEvents = notify.Create | notify.Remove | notify.Rename | notify.Write
)

// PathResolver maps watcher paths into the replica namespace.
type PathResolver interface {
	RelPath(absPath string) (string, error)
	ShouldIgnore(relPath string) bool
}

// FileEvent is a debounced notification for one relative path. Op is the last
// raw event seen for the path inside the debounce window.
type FileEvent struct {
	Path string
	Op   notify.Event
}

type pendingEvent struct {
	op    notify.Event
	timer *time.Timer
}

// ignoreSet holds paths whose next notification is swallowed, each with a deadline.
type ignoreSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func (s *ignoreSet) add(relPath string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[relPath] = until
}

// consume removes relPath and reports whether it was still within its deadline.
func (s *ignoreSet) consume(relPath string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.entries[relPath]
	if !ok {
		return false
	}
	delete(s.entries, relPath)
	return !now.After(until)
}

func (s *ignoreSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, until := range s.entries {
		if now.After(until) {
			delete(s.entries, p)
		}
	}
}

// FileWatcher turns recursive filesystem notifications into debounced,
// root-relative FileEvents.
type FileWatcher struct {
	root     string
	resolver PathResolver
	raw      chan notify.EventInfo
	events   chan FileEvent
	ignored  *ignoreSet

	debounce  time.Duration
	pendingMu sync.Mutex
	pending   map[string]*pendingEvent

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewFileWatcher(root string, resolver PathResolver) *FileWatcher {
	return &FileWatcher{
		root:     root,
		resolver: resolver,
		events:   make(chan FileEvent, eventBufferSize),
		ignored:  &ignoreSet{entries: make(map[string]time.Time)},
		debounce: defaultDebounceTimeout,
		pending:  make(map[string]*pendingEvent),
		done:     make(chan struct{}),
	}
}

// SetDebounceTimeout must be called before Start.
func (fw *FileWatcher) SetDebounceTimeout(timeout time.Duration) {
	fw.debounce = timeout
}

// Start registers a recursive watch on the root.
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.raw = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(filepath.Join(fw.root, "..."), fw.raw, watchEvents); err != nil {
		return err
	}
	slog.Info("file watcher start", "dir", fw.root)

	fw.wg.Add(2)
	go fw.run(ctx)
	go fw.sweepIgnored(ctx)
	return nil
}

// Stop ends the watch and waits for the watcher goroutines.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		close(fw.done)
		if fw.raw != nil {
			notify.Stop(fw.raw)
		}
		fw.wg.Wait()
		slog.Info("file watcher stopped")
	})
}

func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// IgnoreOnce suppresses the next event for relPath, used after applying an inbound change.
func (fw *FileWatcher) IgnoreOnce(relPath string) {
	fw.IgnoreOnceWithTimeout(relPath, DefaultIgnoreTimeout)
}

func (fw *FileWatcher) IgnoreOnceWithTimeout(relPath string, timeout time.Duration) {
	fw.ignored.add(relPath, time.Now().Add(timeout))
}

func (fw *FileWatcher) run(ctx context.Context) {
	defer fw.wg.Done()
	defer fw.dropPending()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case ei, ok := <-fw.raw:
			if !ok {
				return
			}
			relPath, err := fw.resolver.RelPath(ei.Path())
			if err != nil || fw.resolver.ShouldIgnore(relPath) {
				continue
			}
			fw.schedule(relPath, ei.Event())
		}
	}
}

// schedule restarts the debounce window for relPath. Writers produce bursts of
// WRITE notifications and only the settled state matters.
func (fw *FileWatcher) schedule(relPath string, op notify.Event) {
	fw.pendingMu.Lock()
	defer fw.pendingMu.Unlock()

	if p, ok := fw.pending[relPath]; ok {
		p.op = op
		p.timer.Reset(fw.debounce)
		return
	}
	fw.pending[relPath] = &pendingEvent{
		op:    op,
		timer: time.AfterFunc(fw.debounce, func() { fw.emit(relPath) }),
	}
}

func (fw *FileWatcher) emit(relPath string) {
	fw.pendingMu.Lock()
	p, ok := fw.pending[relPath]
	if ok {
		delete(fw.pending, relPath)
	}
	fw.pendingMu.Unlock()
	if !ok {
		return
	}

	if fw.ignored.consume(relPath, time.Now()) {
		slog.Debug("file watcher ignored", "path", relPath, "event", p.op)
		return
	}

	select {
	case <-fw.done:
	case fw.events <- FileEvent{Path: relPath, Op: p.op}:
		slog.Debug("file watcher", "event", p.op, "path", relPath)
	default:
		// the poller picks up whatever is dropped here
		slog.Warn("file watcher dropped", "reason", "channel full", "path", relPath)
	}
}

func (fw *FileWatcher) dropPending() {
	fw.pendingMu.Lock()
	defer fw.pendingMu.Unlock()
	for relPath, p := range fw.pending {
		p.timer.Stop()
		delete(fw.pending, relPath)
	}
}

func (fw *FileWatcher) sweepIgnored(ctx context.Context) {
	defer fw.wg.Done()

	ticker := time.NewTicker(ignoreSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case now := <-ticker.C:
			fw.ignored.sweep(now)
		}
	}
}
