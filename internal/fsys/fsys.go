package fsys

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// PartialSuffix is appended to destination paths while a transfer is in flight.
	PartialSuffix = ".part"
)

// FS is the filesystem capability used to materialize downloaded files.
type FS interface {
	MkdirAll(dir string) error
	Exists(path string) (bool, error)
	Size(path string) (int64, error)
	ModTime(path string) (time.Time, error)
	// OpenWriter opens path for writing. When offset is zero the file is
	// truncated, otherwise it is truncated to offset and positioned at its end.
	OpenWriter(path string, offset int64) (io.WriteCloser, error)
	Rename(from, to string) error
	Remove(path string) error
	// PartialFiles lists every in-flight file below root.
	PartialFiles(root string) ([]string, error)
}

// Local implements FS on top of the host filesystem.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (Local) MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	return nil
}

func (Local) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}

func (Local) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (Local) ModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}

	return info.ModTime(), nil
}

func (Local) OpenWriter(path string, offset int64) (io.WriteCloser, error) {
	if offset <= 0 {
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()

		return nil, err
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()

		return nil, err
	}

	return f, nil
}

func (Local) Rename(from, to string) error {
	return os.Rename(from, to)
}

func (Local) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

func (Local) PartialFiles(root string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}

			return err
		}

		if !d.IsDir() && strings.HasSuffix(path, PartialSuffix) {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	return files, nil
}

// PartialPath returns where an in-flight transfer for dest is written.
func PartialPath(dest string) string {
	return dest + PartialSuffix
}

// UniquePath returns path, or the first "name (n).ext" variant for which taken
// reports false.
func UniquePath(path string, taken func(string) bool) string {
	if !taken(path) {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}
