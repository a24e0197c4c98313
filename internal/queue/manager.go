// Package queue owns the download queue: the item state machine, admission
// under a concurrency budget, persistence and event publication.
package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/downloader"
	"github.com/italolelis/media_downloader/internal/events"
	"github.com/italolelis/media_downloader/internal/fsys"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/storage"
	"github.com/italolelis/media_downloader/internal/telemetry"
	"github.com/italolelis/media_downloader/internal/transport"
)

var (
	// ErrInvalidRequest is returned by Enqueue for unusable input.
	ErrInvalidRequest = errors.New("queue: invalid request")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("queue: manager closed")
	// ErrNotStarted is returned for work submitted before Start loaded the
	// stored queue.
	ErrNotStarted = errors.New("queue: manager not started")
)

const (
	DefaultMaxConcurrent           = 3
	DefaultProgressPersistInterval = 2 * time.Second
	DefaultProgressPersistBytes    = 1 << 20
)

// Config tunes the manager.
type Config struct {
	DownloadDir             string
	MaxConcurrent           int
	SessionID               string
	ProgressPersistInterval time.Duration
	ProgressPersistBytes    int64
}

// GroupResolver suggests a group for URLs enqueued without one.
type GroupResolver interface {
	ResolveGroup(ctx context.Context, rawURL string) (download.GroupKey, bool)
}

type Option func(*Manager)

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) { m.telemetry = t }
}

func WithGroupResolver(r GroupResolver) Option {
	return func(m *Manager) { m.groups = r }
}

func WithFS(fs fsys.FS) Option {
	return func(m *Manager) { m.fs = fs }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// EnqueueRequest describes a new item. DestinationPath and Group are optional.
type EnqueueRequest struct {
	SourceURL       string
	DestinationPath string
	Group           download.GroupKey
}

// Manager is the single owner of the queue. Every state change, scheduling
// decision, status write and event publication happens under mu.
type Manager struct {
	cfg       Config
	repo      storage.ItemRepository
	transport transport.Transport
	bus       *events.Bus
	fs        fsys.FS
	telemetry *telemetry.Telemetry
	groups    GroupResolver
	now       func() time.Time
	newID     func() string
	progress  *progressWriter

	mu         sync.Mutex
	items      map[string]*download.Item
	workers    map[string]*downloader.Worker
	admittedAt map[string]time.Time
	nextSeq    int64
	nextGen    uint64
	started    bool
	closed     bool

	// loads counts store reads in flight outside mu. Ids deleted while one is
	// in flight go to removed so the stale read cannot bring them back.
	loads   int
	removed map[string]bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	writerDone chan struct{}
}

// New creates a manager. Call Start before issuing commands.
func New(cfg Config, repo storage.ItemRepository, tr transport.Transport, bus *events.Bus, opts ...Option) *Manager {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	if cfg.ProgressPersistInterval <= 0 {
		cfg.ProgressPersistInterval = DefaultProgressPersistInterval
	}

	if cfg.ProgressPersistBytes <= 0 {
		cfg.ProgressPersistBytes = DefaultProgressPersistBytes
	}

	m := &Manager{
		cfg:        cfg,
		repo:       repo,
		transport:  tr,
		bus:        bus,
		fs:         fsys.NewLocal(),
		now:        time.Now,
		newID:      uuid.NewString,
		items:      make(map[string]*download.Item),
		workers:    make(map[string]*downloader.Worker),
		admittedAt: make(map[string]time.Time),
		removed:    make(map[string]bool),
		nextSeq:    1,
		nextGen:    1,
		baseCtx:    context.Background(),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.progress = newProgressWriter(repo, cfg.ProgressPersistInterval, cfg.ProgressPersistBytes, m.telemetry)

	return m
}

// Start loads the persisted queue and begins admitting pending items. Items
// stored as downloading keep their slot until HandleBackgroundReattachment
// reconciles them with the transport.
func (m *Manager) Start(ctx context.Context) error {
	items, err := m.repo.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if m.started {
		return nil
	}

	m.baseCtx, m.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	m.started = true
	m.merge(items)

	m.writerDone = make(chan struct{})

	go func() {
		defer close(m.writerDone)
		m.progress.run(m.baseCtx)
	}()

	logctx.LoggerFromContext(ctx).Info("queue loaded", "items", len(m.items), "max_concurrent", m.cfg.MaxConcurrent)

	m.schedule()

	return nil
}

// Close stops the manager. Live transfers are paused so their resume tokens
// are stored, but their items stay downloading for the next reattachment.
// Callbacks arriving afterwards are ignored.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true

	for id, w := range m.workers {
		token := w.Pause()

		if it, ok := m.items[id]; ok && token != nil {
			it.ResumeToken = token
			it.UpdatedAt = m.now()
			m.progress.forget(id)
			m.persist(ctx, it)
		}
	}

	m.workers = make(map[string]*downloader.Worker)
	started := m.started
	m.mu.Unlock()

	if !started {
		return nil
	}

	m.cancelBase()

	select {
	case <-m.writerDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to flush progress: %w", ctx.Err())
	}
}

// Enqueue adds a pending item and returns its id.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	filename, err := download.FilenameFromURL(req.SourceURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	group := req.Group
	if group.IsUngrouped() && m.groups != nil {
		if g, ok := m.groups.ResolveGroup(ctx, req.SourceURL); ok {
			group = g
		}
	}

	dest := req.DestinationPath
	if dest == "" {
		dest = filepath.Join(m.cfg.DownloadDir, filepath.FromSlash(group.Dir()), filename)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	if !m.started {
		return "", ErrNotStarted
	}

	dest = fsys.UniquePath(dest, m.destinationTaken)
	now := m.now()

	it := &download.Item{
		ID:              m.newID(),
		SourceURL:       req.SourceURL,
		DestinationPath: dest,
		Filename:        filepath.Base(dest),
		MediaType:       download.MediaTypeFromFilename(filename),
		Group:           group,
		Status:          download.StatusPending,
		Seq:             m.nextSeq,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.nextSeq++
	m.items[it.ID] = it

	m.persist(ctx, it)
	m.telemetry.RecordEnqueue(ctx, string(it.MediaType))

	logctx.LoggerFromContext(ctx).Info("item enqueued",
		"item_id", it.ID,
		"group", it.Group.String(),
		"destination", it.DestinationPath,
	)

	m.bus.Publish(events.StatusChanged(it.ID, it.Status, ""))
	m.bus.Publish(events.QueueChanged())
	m.schedule()

	return it.ID, nil
}

// Pause stops a downloading item and keeps its resume token.
func (m *Manager) Pause(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.command(ctx, id, m.pause)
}

// Resume puts a paused item back in line for a slot.
func (m *Manager) Resume(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.command(ctx, id, m.resume)
}

// Cancel stops an item for good and discards partial data.
func (m *Manager) Cancel(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.command(ctx, id, m.cancel)
}

// Retry puts a failed or cancelled item back in line.
func (m *Manager) Retry(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.command(ctx, id, m.retry)
}

func (m *Manager) PauseAll(ctx context.Context) int {
	return m.bulk(ctx, download.StatusDownloading, m.pause)
}

func (m *Manager) ResumeAll(ctx context.Context) int {
	return m.bulk(ctx, download.StatusPaused, m.resume)
}

func (m *Manager) RetryAllFailed(ctx context.Context) int {
	return m.bulk(ctx, download.StatusFailed, m.retry)
}

// Remove tears down any live transfer and deletes the item.
func (m *Manager) Remove(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	if _, ok := m.items[id]; !ok {
		return false
	}

	if w, ok := m.workers[id]; ok {
		w.Cancel()
	} else if m.items[id].Status != download.StatusCompleted {
		m.removePartial(ctx, m.items[id])
	}

	m.delete(ctx, id)
	m.bus.Publish(events.QueueChanged())
	m.schedule()

	return true
}

// ClearCompleted removes every completed item.
func (m *Manager) ClearCompleted(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0
	}

	ids := m.idsWithStatus(download.StatusCompleted)
	m.delete(ctx, ids...)

	if len(ids) > 0 {
		m.bus.Publish(events.QueueChanged())
	}

	return len(ids)
}

// ClearAll cancels every item that can still be cancelled, then removes all
// items. Partial data of anything not completed is discarded.
func (m *Manager) ClearAll(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0
	}

	for _, it := range m.sorted() {
		if !m.cancel(ctx, it) && it.Status != download.StatusCompleted {
			m.removePartial(ctx, it)
		}
	}

	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}

	m.delete(ctx, ids...)

	if len(ids) > 0 {
		m.bus.Publish(events.QueueChanged())
	}

	return len(ids)
}

// command applies fn to one item and reschedules. Caller holds m.mu.
func (m *Manager) command(ctx context.Context, id string, fn func(context.Context, *download.Item) bool) bool {
	if m.closed {
		return false
	}

	it, ok := m.items[id]
	if !ok {
		return false
	}

	changed := fn(ctx, it)
	if changed {
		m.schedule()
	}

	return changed
}

// bulk applies fn to every item in status. Each item goes through the same
// single-item transition as the individual command.
func (m *Manager) bulk(ctx context.Context, status download.Status, fn func(context.Context, *download.Item) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0
	}

	n := 0

	for _, it := range m.sorted() {
		if it.Status == status && fn(ctx, it) {
			n++
		}
	}

	if n > 0 {
		m.schedule()
	}

	return n
}

func (m *Manager) pause(ctx context.Context, it *download.Item) bool {
	if _, ok := it.Status.Next(download.EventPause); !ok {
		return false
	}

	token := it.ResumeToken
	if w, ok := m.workers[it.ID]; ok {
		token = w.Pause()
		m.dropWorker(ctx, it.ID, "paused")
	}

	return m.transition(ctx, it, download.EventPause, func(it *download.Item) {
		it.ResumeToken = token
		if token == nil {
			it.SetBytes(0, it.TotalBytes)
		}
	})
}

func (m *Manager) resume(ctx context.Context, it *download.Item) bool {
	return m.transition(ctx, it, download.EventResume, nil)
}

func (m *Manager) cancel(ctx context.Context, it *download.Item) bool {
	if _, ok := it.Status.Next(download.EventCancel); !ok {
		return false
	}

	if w, ok := m.workers[it.ID]; ok {
		w.Cancel()
		m.dropWorker(ctx, it.ID, "cancelled")
	} else {
		m.removePartial(ctx, it)
	}

	return m.transition(ctx, it, download.EventCancel, func(it *download.Item) {
		it.SetBytes(0, it.TotalBytes)
	})
}

func (m *Manager) retry(ctx context.Context, it *download.Item) bool {
	return m.transition(ctx, it, download.EventRetry, func(it *download.Item) {
		if it.ResumeToken == nil {
			it.SetBytes(0, it.TotalBytes)
		}
	})
}

// transition applies e to it, persists the record and publishes the change.
// Caller holds m.mu.
func (m *Manager) transition(ctx context.Context, it *download.Item, e download.Event, mutate func(*download.Item)) bool {
	next, ok := it.Status.Next(e)
	if !ok {
		return false
	}

	from := it.Status
	it.Status = next

	if mutate != nil {
		mutate(it)
	}

	if next != download.StatusFailed {
		it.ErrorMessage = ""
	}

	if next.IsTerminal() {
		it.ResumeToken = nil
	}

	it.UpdatedAt = m.now()

	m.progress.forget(it.ID)
	m.persist(ctx, it)
	m.telemetry.RecordTransition(ctx, string(from), string(next))

	logctx.LoggerFromContext(ctx).Debug("item status changed", "item_id", it.ID, "from", from, "to", next)

	m.bus.Publish(events.StatusChanged(it.ID, next, it.ErrorMessage))

	return true
}

// persist writes it synchronously. Memory stays authoritative when the write
// fails.
func (m *Manager) persist(ctx context.Context, it *download.Item) {
	if err := m.repo.SaveItem(context.WithoutCancel(ctx), *it.Clone()); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist item", "item_id", it.ID, "status", it.Status, "err", err)
		m.telemetry.RecordSystemError(ctx, "queue", "persist")
	}
}

func (m *Manager) delete(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		delete(m.items, id)
		delete(m.workers, id)
		delete(m.admittedAt, id)
		m.progress.forget(id)

		if m.loads > 0 {
			m.removed[id] = true
		}
	}

	if err := m.repo.DeleteItems(context.WithoutCancel(ctx), ids...); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to delete items", "count", len(ids), "err", err)
		m.telemetry.RecordSystemError(ctx, "queue", "delete")
	}
}

func (m *Manager) removePartial(ctx context.Context, it *download.Item) {
	if err := m.fs.Remove(fsys.PartialPath(it.DestinationPath)); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to remove partial file", "item_id", it.ID, "err", err)
	}
}

// dropWorker forgets the live worker for id so its late callbacks are
// discarded.
func (m *Manager) dropWorker(ctx context.Context, id, outcome string) {
	delete(m.workers, id)

	if at, ok := m.admittedAt[id]; ok {
		m.telemetry.RecordDownload(ctx, outcome, m.now().Sub(at))
		delete(m.admittedAt, id)
	}
}

// merge adds stored records that memory does not know yet and that were not
// removed while they were being read.
func (m *Manager) merge(items []download.Item) int {
	added := 0

	for i := range items {
		it := items[i]

		if _, ok := m.items[it.ID]; ok || m.removed[it.ID] {
			continue
		}

		if !it.Status.Valid() {
			logctx.LoggerFromContext(m.baseCtx).Warn("skipping stored item with unknown status", "item_id", it.ID, "status", it.Status)

			continue
		}

		m.items[it.ID] = it.Clone()
		added++

		if it.Seq >= m.nextSeq {
			m.nextSeq = it.Seq + 1
		}
	}

	return added
}

// beginLoad marks a store read that happens outside mu.
func (m *Manager) beginLoad() {
	m.mu.Lock()
	m.loads++
	m.mu.Unlock()
}

// endLoad closes a read opened by beginLoad. Caller holds m.mu.
func (m *Manager) endLoad() {
	m.loads--
	if m.loads == 0 {
		clear(m.removed)
	}
}

func (m *Manager) destinationTaken(path string) bool {
	for _, it := range m.items {
		if it.DestinationPath == path {
			return true
		}
	}

	exists, err := m.fs.Exists(path)

	return err == nil && exists
}

func (m *Manager) idsWithStatus(status download.Status) []string {
	var ids []string

	for id, it := range m.items {
		if it.Status == status {
			ids = append(ids, id)
		}
	}

	return ids
}

func (m *Manager) itemContext(id string) context.Context {
	return logctx.WithItemID(m.baseCtx, id)
}
