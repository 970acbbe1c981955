package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/syncrelay/syncrelay/internal/queue"
	"github.com/syncrelay/syncrelay/internal/replica"
	"github.com/syncrelay/syncrelay/internal/syncmsg"
)

const (
	DefaultModifyThreshold = 10 * time.Millisecond
	DefaultReadAttempts    = 5
	DefaultReadDelay       = 100 * time.Millisecond
)

type DetectorConfig struct {
	// ModifyThreshold is how far a file's mtime must move past the indexed one to count as modified.
	ModifyThreshold time.Duration
	// ReadAttempts bounds the reads of a file that is still being written.
	ReadAttempts int
	// ReadDelay is the first delay between read attempts; it doubles after each failure.
	ReadDelay time.Duration
}

func (c *DetectorConfig) setDefaults() {
	if c.ModifyThreshold <= 0 {
		c.ModifyThreshold = DefaultModifyThreshold
	}
	if c.ReadAttempts <= 0 {
		c.ReadAttempts = DefaultReadAttempts
	}
	if c.ReadDelay <= 0 {
		c.ReadDelay = DefaultReadDelay
	}
}

// Detector is the single pipeline through which local detections and inbound
// changes pass. All of its operations are serialized.
type Detector struct {
	store  *replica.Store
	index  *FileIndex
	outbox *queue.Queue[*syncmsg.Change]
	config DetectorConfig

	mu         sync.Mutex
	ignoreOnce func(relPath string)
}

func NewDetector(store *replica.Store, index *FileIndex, outbox *queue.Queue[*syncmsg.Change], config DetectorConfig) *Detector {
	config.setDefaults()
	return &Detector{
		store:      store,
		index:      index,
		outbox:     outbox,
		config:     config,
		ignoreOnce: func(string) {},
	}
}

// SetIgnoreOnce installs the hook used to silence notifications caused by inbound changes.
func (d *Detector) SetIgnoreOnce(fn func(relPath string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignoreOnce = fn
}

// IndexAll populates the index from disk without emitting any change.
func (d *Detector) IndexAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.store.Walk(func(relPath string, info os.FileInfo) error {
		d.index.Set(relPath, MetaFromInfo(info))
		return nil
	})
}

// HandlePath re-examines a single path, typically after a notification.
func (d *Detector) HandlePath(ctx context.Context, relPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.store.ShouldIgnore(relPath) {
		return
	}

	info, err := d.store.Stat(relPath)
	if errors.Is(err, fs.ErrNotExist) {
		d.handleMissingLocked(relPath)
		return
	} else if err != nil {
		slog.Warn("detector stat", "path", relPath, "error", err)
		return
	}

	if info.IsDir() {
		// a directory appeared: pick up files created inside it before the watch caught up
		err := d.store.WalkDir(relPath, func(p string, fi os.FileInfo) error {
			d.handleFileLocked(ctx, p, fi)
			return nil
		})
		if err != nil {
			slog.Warn("detector walk", "path", relPath, "error", err)
		}
		return
	}

	if info.Mode().IsRegular() {
		d.handleFileLocked(ctx, relPath, info)
	}
}

// Scan reloads the ignore rules and compares the whole tree with the index. It
// is the authoritative source of modifications.
func (d *Detector) Scan(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.store.ReloadIgnore()

	type entry struct {
		path string
		info os.FileInfo
	}

	var found []entry
	seen := mapset.NewThreadUnsafeSet[string]()
	err := d.store.Walk(func(relPath string, info os.FileInfo) error {
		found = append(found, entry{relPath, info})
		seen.Add(relPath)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	for _, e := range found {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.handleFileLocked(ctx, e.path, e.info)
	}

	for _, relPath := range d.index.Paths() {
		if seen.Contains(relPath) {
			continue
		}
		// newly ignored files stop syncing but stay on the relay
		if d.store.ShouldIgnore(relPath) {
			d.index.Delete(relPath)
			continue
		}
		d.handleMissingLocked(relPath)
	}
	return nil
}

// InitialSync queues a CREATE for every indexed path the relay does not have yet
// and that has no change waiting in the queue. It returns the number of queued changes.
func (d *Detector) InitialSync(ctx context.Context, remote mapset.Set[string]) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	// a pending change already brings the relay up to date
	pending := mapset.NewThreadUnsafeSet[string]()
	for _, change := range d.outbox.Values() {
		pending.Add(change.Path)
	}

	queued := 0
	for _, relPath := range d.index.Paths() {
		if remote.Contains(relPath) || pending.Contains(relPath) {
			continue
		}

		content, info, err := d.readWithRetry(ctx, relPath)
		if errors.Is(err, fs.ErrNotExist) {
			// the next scan reports the delete
			continue
		} else if err != nil {
			slog.Error("initial sync read", "path", relPath, "error", err)
			continue
		}

		d.index.Set(relPath, MetaFromInfo(info))
		d.enqueue((&syncmsg.Change{Kind: syncmsg.ChangeCreate, Path: relPath, Content: content}).Normalize())
		queued++
	}
	return queued
}

// ApplyInbound writes a change received from the relay and records the result in
// the index so it is not detected as a local change.
func (d *Detector) ApplyInbound(change *syncmsg.Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.store.ShouldIgnore(change.Path) {
		return fmt.Errorf("inbound change for ignored path %s", change.Path)
	}

	d.ignoreOnce(change.Path)
	if err := d.store.Apply(change); err != nil {
		return err
	}

	switch change.Kind {
	case syncmsg.ChangeCreate, syncmsg.ChangeModify:
		info, err := d.store.Stat(change.Path)
		if err != nil {
			return fmt.Errorf("stat applied %s: %w", change.Path, err)
		}
		d.index.Set(change.Path, MetaFromInfo(info))
	case syncmsg.ChangeDelete:
		d.index.Delete(change.Path)
		d.index.DeleteUnder(change.Path)
	}

	slog.Info("applied inbound", "kind", change.Kind, "path", change.Path, "size", humanize.Bytes(uint64(len(change.Content))))
	return nil
}

func (d *Detector) handleFileLocked(ctx context.Context, relPath string, info os.FileInfo) {
	kind := syncmsg.ChangeCreate
	if meta, known := d.index.Get(relPath); known {
		if !meta.Changed(info, d.config.ModifyThreshold) {
			return
		}
		kind = syncmsg.ChangeModify
	}

	content, readInfo, err := d.readWithRetry(ctx, relPath)
	if errors.Is(err, fs.ErrNotExist) {
		// vanished before it could be read; a known path is reported deleted by the next scan
		slog.Debug("detector file vanished", "kind", kind, "path", relPath)
		return
	} else if err != nil {
		slog.Error("detector dropped change", "kind", kind, "path", relPath, "error", err)
		return
	}

	d.index.Set(relPath, MetaFromInfo(readInfo))
	d.enqueue((&syncmsg.Change{Kind: kind, Path: relPath, Content: content}).Normalize())
}

func (d *Detector) handleMissingLocked(relPath string) {
	if d.index.Delete(relPath) {
		d.enqueue(&syncmsg.Change{Kind: syncmsg.ChangeDelete, Path: relPath})
		return
	}
	// a removed directory takes its indexed files with it
	for _, p := range d.index.DeleteUnder(relPath) {
		d.enqueue(&syncmsg.Change{Kind: syncmsg.ChangeDelete, Path: p})
	}
}

func (d *Detector) enqueue(change *syncmsg.Change) {
	seq := d.outbox.Enqueue(change)
	slog.Info("change detected", "kind", change.Kind, "path", change.Path, "size", humanize.Bytes(uint64(len(change.Content))), "seq", seq)
}

// readWithRetry stats and reads relPath. The stat happens first so the recorded
// mtime never covers a later write than the content read. A missing file is
// reported immediately.
func (d *Detector) readWithRetry(ctx context.Context, relPath string) ([]byte, os.FileInfo, error) {
	var (
		content []byte
		info    os.FileInfo
	)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.config.ReadDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.config.ReadAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		var err error
		info, err = d.store.Stat(relPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return backoff.Permanent(err)
			}
			return err
		}
		content, err = d.store.ReadFile(relPath)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, replica.ErrNotRegular) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return nil, nil, err
	}
	return content, info, nil
}
