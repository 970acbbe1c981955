// Package replica implements the storage root shared by sync clients and the
// relay: applying changes, listing the manifest and the read helpers used by
// change detection.
package replica

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/syncrelay/syncrelay/internal/syncmsg"
	"github.com/syncrelay/syncrelay/internal/utils"
	"github.com/spf13/afero"
)

// MetaDir holds per-replica bookkeeping (locks). It is never synchronized.
const MetaDir = ".syncrelay"

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

var (
	ErrReservedPath = errors.New("path is reserved for relay metadata")
	ErrNotRegular   = errors.New("not a regular file")
)

// Store is a replica directory. All paths accepted and returned by Store are
// forward-slash relative paths; the underlying afero.BasePathFs keeps them
// inside the root.
type Store struct {
	root   string
	fs     afero.Fs
	ignore *IgnoreList
}

// NewStore opens the replica rooted at dir on the host filesystem, creating it
// if it does not exist.
func NewStore(dir string) (*Store, error) {
	root, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", dir, err)
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create root %q: %w", root, err)
	}
	// notifications report resolved paths
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return NewStoreFs(afero.NewOsFs(), root)
}

// NewStoreFs opens the replica rooted at root on base.
func NewStoreFs(base afero.Fs, root string) (*Store, error) {
	if err := base.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create root %q: %w", root, err)
	}

	fs := afero.NewBasePathFs(base, root)
	ignore := NewIgnoreList(fs)
	ignore.Load()

	return &Store{
		root:   root,
		fs:     fs,
		ignore: ignore,
	}, nil
}

// Root returns the root directory on the underlying filesystem.
func (s *Store) Root() string {
	return s.root
}

// Fs exposes the root-relative filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// AbsPath maps a relative path to its location on the underlying filesystem.
func (s *Store) AbsPath(relPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(relPath))
}

// RelPath maps a path on the underlying filesystem back to a relative path.
func (s *Store) RelPath(absPath string) (string, error) {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%q is outside %q", absPath, s.root)
	}
	return rel, nil
}

// ShouldIgnore reports whether relPath is excluded from synchronization.
func (s *Store) ShouldIgnore(relPath string) bool {
	return s.ignore.ShouldIgnore(relPath)
}

// ReloadIgnore re-reads the ignore file and reports whether its rules changed.
func (s *Store) ReloadIgnore() bool {
	return s.ignore.Load()
}

// Apply makes the replica reflect change. Applying the same change twice has
// the same effect as applying it once.
func (s *Store) Apply(change *syncmsg.Change) error {
	if err := change.Validate(); err != nil {
		return err
	}
	if isReserved(change.Path) {
		return fmt.Errorf("%w: %s", ErrReservedPath, change.Path)
	}

	name := filepath.FromSlash(change.Path)

	switch change.Kind {
	case syncmsg.ChangeCreate, syncmsg.ChangeModify:
		if err := s.fs.MkdirAll(filepath.Dir(name), dirPerm); err != nil {
			return fmt.Errorf("create parent of %s: %w", change.Path, err)
		}
		if err := afero.WriteFile(s.fs, name, change.Content, filePerm); err != nil {
			return fmt.Errorf("write %s: %w", change.Path, err)
		}

	case syncmsg.ChangeDelete:
		info, err := s.fs.Stat(name)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", change.Path, err)
		}

		if info.IsDir() {
			err = s.fs.RemoveAll(name)
		} else {
			err = s.fs.Remove(name)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", change.Path, err)
		}
		s.pruneEmptyParents(change.Path)
	}

	return nil
}

// pruneEmptyParents removes the now-empty directories above relPath, stopping
// at the root or the first non-empty directory.
func (s *Store) pruneEmptyParents(relPath string) {
	for dir := path.Dir(relPath); dir != "." && dir != "/"; dir = path.Dir(dir) {
		name := filepath.FromSlash(dir)
		empty, err := afero.IsEmpty(s.fs, name)
		if err != nil || !empty {
			return
		}
		if err := s.fs.Remove(name); err != nil {
			slog.Debug("prune directory", "path", dir, "error", err)
			return
		}
	}
}

// Stat returns file info for relPath.
func (s *Store) Stat(relPath string) (os.FileInfo, error) {
	return s.fs.Stat(filepath.FromSlash(relPath))
}

// ReadFile returns the content of a regular file.
func (s *Store) ReadFile(relPath string) ([]byte, error) {
	name := filepath.FromSlash(relPath)
	info, err := s.fs.Stat(name)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, relPath)
	}
	return afero.ReadFile(s.fs, name)
}

// WalkFunc is called for every regular, non-ignored file in the replica.
type WalkFunc func(relPath string, info os.FileInfo) error

// Walk visits every regular file that is not ignored. Ignored directories are skipped whole.
func (s *Store) Walk(fn WalkFunc) error {
	return s.WalkDir(".", fn)
}

// WalkDir is Walk restricted to the subtree at relDir.
func (s *Store) WalkDir(relDir string, fn WalkFunc) error {
	return afero.Walk(s.fs, filepath.FromSlash(relDir), func(name string, info os.FileInfo, err error) error {
		if err != nil {
			// files can vanish between readdir and lstat
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if name == "." {
			return nil
		}

		rel := filepath.ToSlash(name)
		if info.IsDir() {
			if s.ShouldIgnore(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || s.ShouldIgnore(rel) {
			return nil
		}
		return fn(rel, info)
	})
}

// List returns the manifest: every regular, non-ignored file in the replica.
func (s *Store) List() (mapset.Set[string], error) {
	paths := mapset.NewThreadUnsafeSet[string]()
	err := s.Walk(func(relPath string, _ os.FileInfo) error {
		paths.Add(relPath)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.root, err)
	}
	return paths, nil
}

func isReserved(relPath string) bool {
	return relPath == MetaDir || strings.HasPrefix(relPath, MetaDir+"/")
}
