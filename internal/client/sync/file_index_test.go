package sync

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeInfo struct {
	os.FileInfo
	size    int64
	modTime time.Time
}

func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) ModTime() time.Time { return f.modTime }

func TestFileIndex_SetGetDelete(t *testing.T) {
	idx := NewFileIndex()
	now := time.Now()

	idx.Set("a.txt", FileMeta{ModTime: now, Size: 3})
	meta, ok := idx.Get("a.txt")
	assert.True(t, ok)
	assert.Equal(t, int64(3), meta.Size)

	assert.True(t, idx.Delete("a.txt"))
	assert.False(t, idx.Delete("a.txt"))
	_, ok = idx.Get("a.txt")
	assert.False(t, ok)
}

func TestFileIndex_DeleteUnder(t *testing.T) {
	idx := NewFileIndex()
	for _, p := range []string{"dir/a.txt", "dir/sub/b.txt", "dirx/c.txt", "top.txt"} {
		idx.Set(p, FileMeta{})
	}

	removed := idx.DeleteUnder("dir")
	assert.Equal(t, []string{"dir/a.txt", "dir/sub/b.txt"}, removed)
	assert.Equal(t, []string{"dirx/c.txt", "top.txt"}, idx.Paths())
	assert.Equal(t, 2, idx.Len())
}

func TestFileMeta_Changed(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	meta := FileMeta{ModTime: base, Size: 10}
	threshold := 10 * time.Millisecond

	assert.False(t, meta.Changed(fakeInfo{size: 10, modTime: base}, threshold))
	assert.False(t, meta.Changed(fakeInfo{size: 10, modTime: base.Add(5 * time.Millisecond)}, threshold))
	assert.True(t, meta.Changed(fakeInfo{size: 10, modTime: base.Add(20 * time.Millisecond)}, threshold))
	assert.True(t, meta.Changed(fakeInfo{size: 11, modTime: base}, threshold))
	assert.False(t, meta.Changed(fakeInfo{size: 10, modTime: base.Add(-time.Second)}, threshold))
}
