package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/syncrelay/syncrelay/internal/replica"
	"github.com/syncrelay/syncrelay/internal/utils"
)

const lockFile = "client.lock"

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// Workspace is the watched root of a client together with its metadata directory.
type Workspace struct {
	Root        string
	MetadataDir string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	metadataDir := filepath.Join(root, replica.MetaDir)

	return &Workspace{
		Root:        root,
		MetadataDir: metadataDir,
		flock:       flock.New(filepath.Join(metadataDir, lockFile)),
	}, nil
}

// Lock takes the workspace lock so that a second client cannot watch the same directory.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup creates the watched root if missing and locks it.
func (w *Workspace) Setup() error {
	if err := utils.EnsureDir(w.Root); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.Root, err)
	}

	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root)
	return nil
}

// LockPath returns the path of the lock file.
func (w *Workspace) LockPath() string {
	return w.flock.Path()
}
