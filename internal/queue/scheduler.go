package queue

import (
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/downloader"
	"github.com/italolelis/media_downloader/internal/events"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/transport"
)

// schedule admits the oldest pending items while fewer than MaxConcurrent
// items are downloading. Caller holds m.mu.
func (m *Manager) schedule() {
	if !m.started || m.closed {
		return
	}

	for m.countStatus(download.StatusDownloading) < m.cfg.MaxConcurrent {
		next := m.oldestPending()
		if next == nil {
			return
		}

		m.admit(next)
	}
}

// admit moves it to downloading and starts its worker. A transfer that cannot
// be started fails the item, which frees the slot again.
func (m *Manager) admit(it *download.Item) {
	ctx := m.itemContext(it.ID)
	logger := logctx.LoggerFromContext(ctx)

	if !m.transition(ctx, it, download.EventAdmit, nil) {
		return
	}

	gen := m.nextGen
	m.nextGen++

	req := transport.Request{
		ItemID:          it.ID,
		URL:             it.SourceURL,
		DestinationPath: it.DestinationPath,
		ResumeToken:     append([]byte(nil), it.ResumeToken...),
		SessionID:       m.cfg.SessionID,
	}

	w, err := downloader.Start(ctx, m.transport, req, gen, m)
	if err != nil {
		logger.Error("failed to start transfer", "err", err)

		m.transition(ctx, it, download.EventFail, func(it *download.Item) {
			it.ErrorMessage = download.FailureMessage(err)
		})

		return
	}

	m.workers[it.ID] = w
	m.admittedAt[it.ID] = m.now()

	logger.Info("transfer started", "resume", len(req.ResumeToken) > 0, "generation", gen)
}

// TransferProgress applies a sample from the live worker of an item.
func (m *Manager) TransferProgress(id string, gen uint64, p transport.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(id, gen)
	if !ok || it.Status != download.StatusDownloading {
		return
	}

	ctx := m.itemContext(id)

	if delta := p.BytesDownloaded - it.BytesDownloaded; delta > 0 {
		m.telemetry.RecordBytes(ctx, delta)
	}

	it.SetBytes(p.BytesDownloaded, p.TotalBytes)

	m.progress.note(id, it.BytesDownloaded, it.TotalBytes, it.Progress)
	m.bus.Publish(events.ProgressChanged(id, it.Progress, it.BytesDownloaded, it.TotalBytes))
}

// TransferFinished applies the outcome reported by the live worker of an item.
func (m *Manager) TransferFinished(id string, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(id, gen)
	if !ok {
		return
	}

	ctx := m.itemContext(id)
	logger := logctx.LoggerFromContext(ctx)

	switch {
	case err == nil:
		m.dropWorker(ctx, id, "completed")
		m.transition(ctx, it, download.EventComplete, func(it *download.Item) {
			it.MarkCompleted()
		})

		logger.Info("transfer completed", "size", humanize.Bytes(uint64(it.TotalBytes)))
	case errors.Is(err, transport.ErrPaused):
		// Paused outside the manager; the transport gives no token back here.
		m.dropWorker(ctx, id, "paused")
		m.transition(ctx, it, download.EventPause, func(it *download.Item) {
			it.ResumeToken = nil
			it.SetBytes(0, it.TotalBytes)
		})
	case errors.Is(err, transport.ErrCancelled):
		m.dropWorker(ctx, id, "cancelled")
		m.transition(ctx, it, download.EventCancel, func(it *download.Item) {
			it.SetBytes(0, it.TotalBytes)
		})
	default:
		m.dropWorker(ctx, id, "failed")
		m.transition(ctx, it, download.EventFail, func(it *download.Item) {
			it.ErrorMessage = download.FailureMessage(err)
		})

		logger.Warn("transfer failed", "err", err)
	}

	m.schedule()
}

// live returns the item when gen is its current worker generation. Caller
// holds m.mu.
func (m *Manager) live(id string, gen uint64) (*download.Item, bool) {
	if m.closed {
		return nil, false
	}

	w, ok := m.workers[id]
	if !ok || w.Generation() != gen {
		return nil, false
	}

	it, ok := m.items[id]

	return it, ok
}

func (m *Manager) countStatus(status download.Status) int {
	n := 0

	for _, it := range m.items {
		if it.Status == status {
			n++
		}
	}

	return n
}

func (m *Manager) oldestPending() *download.Item {
	var oldest *download.Item

	for _, it := range m.items {
		if it.Status == download.StatusPending && (oldest == nil || it.Seq < oldest.Seq) {
			oldest = it
		}
	}

	return oldest
}
