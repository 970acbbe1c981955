package sync

import (
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileMeta is what the index remembers about a file to detect modifications.
type FileMeta struct {
	ModTime time.Time
	Size    int64
}

func MetaFromInfo(info os.FileInfo) FileMeta {
	return FileMeta{ModTime: info.ModTime(), Size: info.Size()}
}

// FileIndex maps relative paths to the last known state of the file.
type FileIndex struct {
	files map[string]FileMeta
	mu    sync.RWMutex
}

func NewFileIndex() *FileIndex {
	return &FileIndex{
		files: make(map[string]FileMeta),
	}
}

func (idx *FileIndex) Get(path string) (FileMeta, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	meta, ok := idx.files[path]
	return meta, ok
}

func (idx *FileIndex) Set(path string, meta FileMeta) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.files[path] = meta
}

// Delete removes path and reports whether it was indexed.
func (idx *FileIndex) Delete(path string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.files[path]
	delete(idx.files, path)
	return ok
}

// DeleteUnder removes every path below dir and returns them sorted.
func (idx *FileIndex) DeleteUnder(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var removed []string
	for path := range idx.files {
		if strings.HasPrefix(path, prefix) {
			removed = append(removed, path)
			delete(idx.files, path)
		}
	}
	sort.Strings(removed)
	return removed
}

// Paths returns every indexed path, sorted.
func (idx *FileIndex) Paths() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	paths := make([]string, 0, len(idx.files))
	for path := range idx.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (idx *FileIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.files)
}

// Changed reports whether a file with info differs from meta: the size changed or
// the modification time moved past the recorded one by more than threshold.
func (m FileMeta) Changed(info os.FileInfo, threshold time.Duration) bool {
	if info.Size() != m.Size {
		return true
	}
	return info.ModTime().Sub(m.ModTime) > threshold
}
