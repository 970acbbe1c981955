package sync

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/syncrelay/syncrelay/internal/queue"
	"github.com/syncrelay/syncrelay/internal/replica"
	"github.com/syncrelay/syncrelay/internal/syncmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type detectorFixture struct {
	root     string
	store    *replica.Store
	index    *FileIndex
	outbox   *queue.Queue[*syncmsg.Change]
	detector *Detector
}

func newDetectorFixture(t *testing.T) *detectorFixture {
	t.Helper()
	store, err := replica.NewStore(t.TempDir())
	require.NoError(t, err)

	index := NewFileIndex()
	outbox := queue.New[*syncmsg.Change]()
	return &detectorFixture{
		root:     store.Root(),
		store:    store,
		index:    index,
		outbox:   outbox,
		detector: NewDetector(store, index, outbox, DetectorConfig{ReadDelay: time.Millisecond}),
	}
}

func (f *detectorFixture) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (f *detectorFixture) drain() []*syncmsg.Change {
	return f.outbox.DequeueAll()
}

func TestDetector_IndexAllEmitsNothing(t *testing.T) {
	f := newDetectorFixture(t)
	f.write(t, "a.txt", "a")
	f.write(t, "dir/b.txt", "b")

	require.NoError(t, f.detector.IndexAll())
	assert.Equal(t, []string{"a.txt", "dir/b.txt"}, f.index.Paths())
	assert.Empty(t, f.drain())

	require.NoError(t, f.detector.Scan(context.Background()))
	assert.Empty(t, f.drain(), "indexed files are not changes")
}

func TestDetector_ScanCreateModifyDelete(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()

	f.write(t, "docs/readme.txt", "hello")
	require.NoError(t, f.detector.Scan(ctx))
	changes := f.drain()
	require.Len(t, changes, 1)
	assert.Equal(t, syncmsg.ChangeCreate, changes[0].Kind)
	assert.Equal(t, "docs/readme.txt", changes[0].Path)
	assert.Equal(t, []byte("hello"), changes[0].Content)

	f.write(t, "docs/readme.txt", "hello world")
	require.NoError(t, f.detector.Scan(ctx))
	changes = f.drain()
	require.Len(t, changes, 1)
	assert.Equal(t, syncmsg.ChangeModify, changes[0].Kind)
	assert.Equal(t, []byte("hello world"), changes[0].Content)

	require.NoError(t, os.Remove(filepath.Join(f.root, "docs", "readme.txt")))
	require.NoError(t, f.detector.Scan(ctx))
	changes = f.drain()
	require.Len(t, changes, 1)
	assert.Equal(t, syncmsg.ChangeDelete, changes[0].Kind)
	assert.Nil(t, changes[0].Content)

	require.NoError(t, f.detector.Scan(ctx))
	assert.Empty(t, f.drain())
}

func TestDetector_EmptyFileIsCreatedWithEmptyContent(t *testing.T) {
	f := newDetectorFixture(t)
	f.write(t, "empty.txt", "")

	require.NoError(t, f.detector.Scan(context.Background()))
	changes := f.drain()
	require.Len(t, changes, 1)
	assert.NotNil(t, changes[0].Content)
	assert.NoError(t, changes[0].Validate())
}

func TestDetector_ModifyThreshold(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()
	abs := filepath.Join(f.root, "a.txt")

	f.write(t, "a.txt", "same")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(abs, base, base))
	require.NoError(t, f.detector.IndexAll())

	// within the threshold: not a modification
	require.NoError(t, os.Chtimes(abs, base, base.Add(5*time.Millisecond)))
	require.NoError(t, f.detector.Scan(ctx))
	assert.Empty(t, f.drain())

	// beyond it: modification even though the size is unchanged
	require.NoError(t, os.Chtimes(abs, base, base.Add(time.Second)))
	require.NoError(t, f.detector.Scan(ctx))
	changes := f.drain()
	require.Len(t, changes, 1)
	assert.Equal(t, syncmsg.ChangeModify, changes[0].Kind)
}

func TestDetector_HandlePathUnknownDeleteIsNoop(t *testing.T) {
	f := newDetectorFixture(t)
	f.detector.HandlePath(context.Background(), "never/existed.txt")
	assert.Empty(t, f.drain())
}

func TestDetector_HandlePathDirectoryRemoval(t *testing.T) {
	f := newDetectorFixture(t)
	f.write(t, "dir/a.txt", "a")
	f.write(t, "dir/sub/b.txt", "b")
	f.write(t, "keep.txt", "k")
	require.NoError(t, f.detector.IndexAll())

	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "dir")))
	f.detector.HandlePath(context.Background(), "dir")

	changes := f.drain()
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, syncmsg.ChangeDelete, c.Kind)
	}
	assert.ElementsMatch(t, []string{"dir/a.txt", "dir/sub/b.txt"}, []string{changes[0].Path, changes[1].Path})
	assert.Equal(t, []string{"keep.txt"}, f.index.Paths())
}

func TestDetector_HandlePathNewDirectory(t *testing.T) {
	f := newDetectorFixture(t)
	f.write(t, "new/a.txt", "a")
	f.write(t, "new/deep/b.txt", "b")

	f.detector.HandlePath(context.Background(), "new")

	changes := f.drain()
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, syncmsg.ChangeCreate, c.Kind)
	}

	// notification and poll for the same file produce one change
	f.detector.HandlePath(context.Background(), "new/a.txt")
	require.NoError(t, f.detector.Scan(context.Background()))
	assert.Empty(t, f.drain())
}

func TestDetector_HandlePathIgnored(t *testing.T) {
	f := newDetectorFixture(t)
	f.write(t, "scratch.tmp", "x")

	f.detector.HandlePath(context.Background(), "scratch.tmp")
	require.NoError(t, f.detector.Scan(context.Background()))
	assert.Empty(t, f.drain())
}

func TestDetector_ScanPicksUpIgnoreFileEdits(t *testing.T) {
	f := newDetectorFixture(t)
	f.write(t, "secret/old.txt", "o")
	require.NoError(t, f.detector.IndexAll())

	f.write(t, ".syncignore", "secret/\n")
	f.write(t, "secret/new.txt", "n")
	f.write(t, "public.txt", "p")
	require.NoError(t, f.detector.Scan(context.Background()))

	changes := f.drain()
	require.Len(t, changes, 1, "ignored paths are neither created nor deleted")
	assert.Equal(t, "public.txt", changes[0].Path)
	assert.NotContains(t, f.index.Paths(), "secret/old.txt")

	require.NoError(t, os.Remove(filepath.Join(f.root, ".syncignore")))
	require.NoError(t, f.detector.Scan(context.Background()))
	got := mapset.NewSet[string]()
	for _, c := range f.drain() {
		assert.Equal(t, syncmsg.ChangeCreate, c.Kind)
		got.Add(c.Path)
	}
	assert.True(t, got.Equal(mapset.NewSet("secret/old.txt", "secret/new.txt")))
}

func TestDetector_InitialSyncSkipsManifest(t *testing.T) {
	f := newDetectorFixture(t)
	f.write(t, "A.txt", "a")
	f.write(t, "B.txt", "b")
	f.write(t, "C.txt", "c")
	require.NoError(t, f.detector.IndexAll())

	queued := f.detector.InitialSync(context.Background(), mapset.NewSet("A.txt", "B.txt"))
	assert.Equal(t, 1, queued)

	changes := f.drain()
	require.Len(t, changes, 1)
	assert.Equal(t, syncmsg.ChangeCreate, changes[0].Kind)
	assert.Equal(t, "C.txt", changes[0].Path)
	assert.Equal(t, []byte("c"), changes[0].Content)
}

func TestDetector_InitialSyncSkipsVanished(t *testing.T) {
	f := newDetectorFixture(t)
	f.write(t, "gone.txt", "x")
	require.NoError(t, f.detector.IndexAll())
	require.NoError(t, os.Remove(filepath.Join(f.root, "gone.txt")))

	assert.Equal(t, 0, f.detector.InitialSync(context.Background(), mapset.NewSet[string]()))
	assert.Empty(t, f.drain())

	// the scan reports it instead
	require.NoError(t, f.detector.Scan(context.Background()))
	changes := f.drain()
	require.Len(t, changes, 1)
	assert.Equal(t, syncmsg.ChangeDelete, changes[0].Kind)
}

func TestDetector_ApplyInboundIsNotEchoed(t *testing.T) {
	f := newDetectorFixture(t)
	var ignored []string
	f.detector.SetIgnoreOnce(func(p string) { ignored = append(ignored, p) })

	in, ok := syncmsg.NewCreate("remote/x.txt", []byte("from relay")).Change()
	require.True(t, ok)
	require.NoError(t, f.detector.ApplyInbound(in))

	data, err := os.ReadFile(filepath.Join(f.root, "remote", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from relay", string(data))
	assert.Equal(t, []string{"remote/x.txt"}, ignored)

	require.NoError(t, f.detector.Scan(context.Background()))
	assert.Empty(t, f.drain())

	del, ok := syncmsg.NewDelete("remote/x.txt").Change()
	require.True(t, ok)
	require.NoError(t, f.detector.ApplyInbound(del))
	assert.Equal(t, 0, f.index.Len())

	require.NoError(t, f.detector.Scan(context.Background()))
	assert.Empty(t, f.drain())
}

func TestDetector_ReadWithRetryMissing(t *testing.T) {
	f := newDetectorFixture(t)
	f.detector.config.ReadDelay = time.Second

	start := time.Now()
	_, _, err := f.detector.readWithRetry(context.Background(), "missing.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "missing files are not retried")
}

func TestDetector_InitialSyncSkipsPending(t *testing.T) {
	f := newDetectorFixture(t)
	f.write(t, "queued.txt", "q")
	require.NoError(t, f.detector.Scan(context.Background()))
	require.Equal(t, 1, f.outbox.Len())

	assert.Equal(t, 0, f.detector.InitialSync(context.Background(), mapset.NewSet[string]()))
	assert.Equal(t, 1, f.outbox.Len())
}
