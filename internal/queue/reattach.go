package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/downloader"
	"github.com/italolelis/media_downloader/internal/events"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/transport"
)

// HandleBackgroundReattachment reconciles the stored queue with the transfers
// the transport still tracks under sessionID. Downloading items without a
// transfer fail as interrupted, surviving transfers get a fresh worker and
// transfers nobody owns are cancelled. Calling it again for the same session
// changes nothing. completion, when set, runs once reconciliation is over,
// whatever the outcome.
func (m *Manager) HandleBackgroundReattachment(ctx context.Context, sessionID string, completion func()) error {
	if completion != nil {
		defer completion()
	}

	logger := logctx.LoggerFromContext(ctx).With("session_id", sessionID)

	m.beginLoad()

	stored, loadErr := m.repo.LoadItems(ctx)
	if loadErr != nil {
		logger.Error("failed to reload queue, reconciling from memory", "err", loadErr)
		loadErr = fmt.Errorf("failed to reload queue: %w", loadErr)
	}

	tracked, err := m.transport.Tracked(ctx, sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.endLoad()

	if err != nil {
		return errors.Join(loadErr, fmt.Errorf("failed to list tracked transfers: %w", err))
	}

	if m.closed {
		return errors.Join(loadErr, ErrClosed)
	}

	if !m.started {
		return errors.Join(loadErr, ErrNotStarted)
	}

	merged := m.merge(stored)
	seen := make(map[string]bool, len(tracked))
	attached, orphaned, interrupted := 0, 0, 0

	for _, h := range tracked {
		id := h.ItemID()
		seen[id] = true

		if _, live := m.workers[id]; live {
			continue
		}

		it, ok := m.items[id]
		if !ok || it.Status != download.StatusDownloading {
			h.Cancel()
			orphaned++

			continue
		}

		m.attach(it, h)
		attached++
	}

	for _, it := range m.sorted() {
		if it.Status != download.StatusDownloading || seen[it.ID] {
			continue
		}

		if _, live := m.workers[it.ID]; live {
			continue
		}

		cause := &download.InterruptedError{SessionID: sessionID}
		m.transition(m.itemContext(it.ID), it, download.EventFail, func(it *download.Item) {
			it.ErrorMessage = download.FailureMessage(cause)
		})

		interrupted++
	}

	if merged > 0 {
		m.bus.Publish(events.QueueChanged())
	}

	m.schedule()

	logger.Info("background reattachment finished",
		"merged", merged,
		"attached", attached,
		"interrupted", interrupted,
		"orphaned", orphaned,
	)

	return loadErr
}

// attach adopts a transfer that outlived its worker. Caller holds m.mu.
func (m *Manager) attach(it *download.Item, h transport.Handle) {
	gen := m.nextGen
	m.nextGen++

	m.workers[it.ID] = downloader.Attach(h, gen, m)
	m.admittedAt[it.ID] = m.now()

	logctx.LoggerFromContext(m.itemContext(it.ID)).Info("transfer reattached", "generation", gen)
}
