package queue

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/storage"
	"github.com/italolelis/media_downloader/internal/telemetry"
)

type progressSnapshot struct {
	downloaded int64
	total      int64
	progress   float64
}

// progressWriter persists byte counters behind the in-memory state. Pending
// snapshots are written every interval, or sooner once an item has moved
// byteThreshold bytes past its last written value.
type progressWriter struct {
	repo          storage.ItemWriteRepository
	interval      time.Duration
	byteThreshold int64
	telemetry     *telemetry.Telemetry

	// mu is held across each repository write so forget cannot return while
	// a stale snapshot for the same item is still being written.
	mu      sync.Mutex
	pending map[string]progressSnapshot
	written map[string]int64
	wake    chan struct{}
}

func newProgressWriter(repo storage.ItemWriteRepository, interval time.Duration, byteThreshold int64, tel *telemetry.Telemetry) *progressWriter {
	return &progressWriter{
		repo:          repo,
		interval:      interval,
		byteThreshold: byteThreshold,
		telemetry:     tel,
		pending:       make(map[string]progressSnapshot),
		written:       make(map[string]int64),
		wake:          make(chan struct{}, 1),
	}
}

// note records the latest counters for id.
func (w *progressWriter) note(id string, downloaded, total int64, progress float64) {
	w.mu.Lock()
	w.pending[id] = progressSnapshot{downloaded: downloaded, total: total, progress: progress}
	urgent := downloaded-w.written[id] >= w.byteThreshold
	w.mu.Unlock()

	if urgent {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// forget drops anything not yet written for id. It is called whenever the
// full record is written, which supersedes any pending snapshot.
func (w *progressWriter) forget(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	delete(w.written, id)
	w.mu.Unlock()
}

// run writes pending snapshots until ctx is done, then flushes once more.
func (w *progressWriter) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx))

			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.wake:
			w.flush(ctx)
		}
	}
}

func (w *progressWriter) flush(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	for id, snap := range w.pending {
		delete(w.pending, id)

		if _, err := w.repo.UpdateProgress(ctx, id, snap.downloaded, snap.total, snap.progress); err != nil {
			logger.Warn("failed to persist progress", "item_id", id, "err", err)
			w.telemetry.RecordSystemError(ctx, "queue", "persist_progress")

			continue
		}

		w.written[id] = snap.downloaded
	}
}
