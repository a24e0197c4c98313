package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/media_downloader/internal/fsys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRefs map[string]bool

func (s staticRefs) PartialPaths() map[string]bool {
	return s
}

// memFS holds partial files and their modification times in memory.
type memFS struct {
	files   map[string]time.Time
	removed []string
}

func (m *memFS) PartialFiles(string) ([]string, error) {
	files := make([]string, 0, len(m.files))
	for path := range m.files {
		files = append(files, path)
	}

	return files, nil
}

func (m *memFS) ModTime(path string) (time.Time, error) {
	t, ok := m.files[path]
	if !ok {
		return time.Time{}, fs.ErrNotExist
	}

	return t, nil
}

func (m *memFS) Remove(path string) error {
	if path == "/d/locked.part" {
		return errors.New("permission denied")
	}

	delete(m.files, path)
	m.removed = append(m.removed, path)

	return nil
}

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func TestDeleteOrphanedPartials(t *testing.T) {
	dir := t.TempDir()

	orphan := filepath.Join(dir, "g", "1", "orphan.webm.part")
	owned := filepath.Join(dir, "g", "1", "owned.webm.part")
	fresh := filepath.Join(dir, "wsg", "fresh.png.part")
	complete := filepath.Join(dir, "g", "1", "done.webm")

	writeFile(t, orphan, time.Hour)
	writeFile(t, owned, time.Hour)
	writeFile(t, fresh, 0)
	writeFile(t, complete, time.Hour)

	removed, err := DeleteOrphanedPartials(context.Background(), fsys.NewLocal(), staticRefs{owned: true}, dir, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, orphan)
	assert.FileExists(t, owned)
	assert.FileExists(t, fresh, "recent files may belong to a transfer that just started")
	assert.FileExists(t, complete)
}

func TestDeleteOrphanedPartials_MissingDir(t *testing.T) {
	removed, err := DeleteOrphanedPartials(context.Background(), fsys.NewLocal(), staticRefs{},
		filepath.Join(t.TempDir(), "missing"), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		Run(ctx, fsys.NewLocal(), staticRefs{}, t.TempDir(), time.Millisecond)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestDeleteOrphanedPartials_UsesFilesystemModTime(t *testing.T) {
	old := time.Now().Add(-time.Hour)

	mem := &memFS{files: map[string]time.Time{
		"/d/orphan.part": old,
		"/d/owned.part":  old,
		"/d/locked.part": old,
		"/d/fresh.part":  time.Now(),
	}}

	removed, err := DeleteOrphanedPartials(context.Background(), mem, staticRefs{"/d/owned.part": true}, "/d", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"/d/orphan.part"}, mem.removed)
	assert.Contains(t, mem.files, "/d/locked.part", "a failed removal is skipped")
}
