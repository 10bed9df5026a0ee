package artifact

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...StoreOpt) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewStore(t.TempDir(), logger, opts...)
	require.NoError(t, err)
	return store
}

func TestStoreDestCreatesDirectory(t *testing.T) {
	store := newTestStore(t)

	dest, err := store.Dest("run-1", "build-os-linux")
	require.NoError(t, err)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, strings.HasPrefix(dest, store.baseDir))
}

func TestStoreRegisterAndList(t *testing.T) {
	store := newTestStore(t)

	dest, err := store.Dest("run-1", "build")
	require.NoError(t, err)

	binDir := filepath.Join(dest, "binary")
	require.NoError(t, os.MkdirAll(binDir, 0755))
	path := filepath.Join(binDir, "compiler")
	require.NoError(t, os.WriteFile(path, []byte("pretend this is a binary"), 0644))

	rec, err := store.Register(context.Background(), "run-1", "build", "binary", path)
	require.NoError(t, err)
	assert.Equal(t, "binary", rec.Name)
	assert.Equal(t, "compiler", rec.File)
	assert.Equal(t, "build/binary/compiler", rec.Rel)
	assert.Equal(t, uint64(24), rec.Size)
	assert.Equal(t, "application/octet-stream", rec.MimeType)
	assert.False(t, rec.CreatedAt.IsZero())

	records := store.List("run-1")
	require.Len(t, records, 1)
	assert.Equal(t, rec.File, records[0].File)

	assert.Empty(t, store.List("run-2"))
}

func TestStoreRegisterMissingFile(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Register(context.Background(), "run-1", "build", "binary", filepath.Join(store.baseDir, "nope"))
	assert.Error(t, err)
}

func TestStoreRegisterOutsideStore(t *testing.T) {
	store := newTestStore(t)

	stray := filepath.Join(t.TempDir(), "stray.txt")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0644))

	_, err := store.Register(context.Background(), "run-1", "build", "binary", stray)
	assert.Error(t, err)
}

func TestStoreListOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	add := func(job, name, file string) {
		dest, err := store.Dest("run-1", job)
		require.NoError(t, err)
		dir := filepath.Join(dest, name)
		require.NoError(t, os.MkdirAll(dir, 0755))
		path := filepath.Join(dir, file)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		_, err = store.Register(ctx, "run-1", job, name, path)
		require.NoError(t, err)
	}

	add("test-os-windows", "junit", "results.xml")
	add("build", "docs", "index.html")
	add("build", "binary", "a.out")
	add("test-os-linux", "junit", "results.xml")

	records := store.List("run-1")
	require.Len(t, records, 4)
	assert.Equal(t, "binary", records[0].Name)
	assert.Equal(t, "docs", records[1].Name)
	assert.Equal(t, "test-os-linux", records[2].Job)
	assert.Equal(t, "test-os-windows", records[3].Job)
}

func TestStoreOpenConfinesPaths(t *testing.T) {
	store := newTestStore(t)

	dest, err := store.Dest("run-1", "build")
	require.NoError(t, err)
	dir := filepath.Join(dest, "binary")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.out"), []byte("elf"), 0644))

	f, err := store.Open("run-1", "build/binary/a.out")
	require.NoError(t, err)
	f.Close()

	// traversal components resolve inside the base dir, where the
	// target does not exist
	_, err = store.Open("run-1", "../../../etc/passwd")
	assert.Error(t, err)
}

type captureUploader struct {
	recs  []Record
	bytes int
	fail  error
}

func (u *captureUploader) Upload(ctx context.Context, rec Record, r io.Reader) error {
	if u.fail != nil {
		return u.fail
	}
	n, _ := io.Copy(io.Discard, r)
	u.recs = append(u.recs, rec)
	u.bytes += int(n)
	return nil
}

func TestStoreUploader(t *testing.T) {
	uploader := &captureUploader{}
	store := newTestStore(t, WithUploader(uploader))

	dest, err := store.Dest("run-1", "build")
	require.NoError(t, err)
	path := filepath.Join(dest, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	_, err = store.Register(context.Background(), "run-1", "build", "logs", path)
	require.NoError(t, err)
	require.Len(t, uploader.recs, 1)
	assert.Equal(t, "logs", uploader.recs[0].Name)
	assert.Equal(t, 5, uploader.bytes)
}

func TestStoreUploaderFailure(t *testing.T) {
	uploader := &captureUploader{fail: io.ErrUnexpectedEOF}
	store := newTestStore(t, WithUploader(uploader))

	dest, err := store.Dest("run-1", "build")
	require.NoError(t, err)
	path := filepath.Join(dest, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	rec, err := store.Register(context.Background(), "run-1", "build", "logs", path)
	require.NoError(t, err)
	assert.True(t, rec.Degraded)

	// the local copy is still listed, still downloadable
	records := store.List("run-1")
	require.Len(t, records, 1)
	assert.True(t, records[0].Degraded)

	f, err := store.Open("run-1", rec.Rel)
	require.NoError(t, err)
	f.Close()
}
