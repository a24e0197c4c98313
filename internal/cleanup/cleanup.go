package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/italolelis/media_downloader/internal/logctx"
)

// PartialFS is the filesystem access the sweep needs.
type PartialFS interface {
	PartialFiles(root string) ([]string, error)
	ModTime(path string) (time.Time, error)
	Remove(path string) error
}

// Referenced reports the partial files that items may still resume from.
type Referenced interface {
	PartialPaths() map[string]bool
}

// DeleteOrphanedPartials removes partial files under dir that no item
// references and that have not been touched for minAge. It returns how many
// files were removed.
func DeleteOrphanedPartials(ctx context.Context, pfs PartialFS, refs Referenced, dir string, minAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	files, err := pfs.PartialFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list partial files: %w", err)
	}

	// Taken after listing, so a file listed above belongs to an item that is
	// already in this set unless the item was removed.
	referenced := refs.PartialPaths()
	now := time.Now()
	removed := 0

	for _, path := range files {
		if referenced[path] {
			continue
		}

		modTime, err := pfs.ModTime(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			logger.Error("failed to stat partial file", "file", path, "err", err)

			continue
		}

		if now.Sub(modTime) < minAge {
			continue
		}

		if err := pfs.Remove(path); err != nil {
			logger.Error("failed to delete orphaned partial file", "file", path, "err", err)

			continue
		}

		removed++

		logger.Info("deleted orphaned partial file", "file", path)
	}

	return removed, nil
}

// Run sweeps dir every interval until ctx is done.
func Run(ctx context.Context, pfs PartialFS, refs Referenced, dir string, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup loop shutting down")

			return
		case <-ticker.C:
			if _, err := DeleteOrphanedPartials(ctx, pfs, refs, dir, interval); err != nil {
				logger.Error("failed to sweep partial files", "err", err)
			}
		}
	}
}
