package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/events"
	"github.com/italolelis/media_downloader/internal/fsys"
	"github.com/italolelis/media_downloader/internal/storage"
	"github.com/italolelis/media_downloader/internal/transport/transporttest"
	"github.com/stretchr/testify/require"
)

// memRepository is an in-memory storage.ItemRepository.
type memRepository struct {
	mu       sync.Mutex
	items    map[string]download.Item
	saves    int
	progress int
	saveErr  error

	// afterLoad runs once LoadItems has read the records, outside the lock.
	afterLoad func()
}

var _ storage.ItemRepository = (*memRepository)(nil)

func newMemRepository(items ...download.Item) *memRepository {
	r := &memRepository{items: make(map[string]download.Item)}
	for _, it := range items {
		r.items[it.ID] = *it.Clone()
	}

	return r
}

func (r *memRepository) LoadItems(context.Context) ([]download.Item, error) {
	r.mu.Lock()

	out := make([]download.Item, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, *it.Clone())
	}

	hook := r.afterLoad
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })

	if hook != nil {
		hook()
	}

	return out, nil
}

func (r *memRepository) SaveItem(_ context.Context, item download.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saveErr != nil {
		return r.saveErr
	}

	r.saves++
	r.items[item.ID] = *item.Clone()

	return nil
}

func (r *memRepository) UpdateProgress(_ context.Context, id string, downloaded, total int64, progress float64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok || it.Status != download.StatusDownloading {
		return false, nil
	}

	it.BytesDownloaded, it.TotalBytes, it.Progress = downloaded, total, progress
	r.items[id] = it
	r.progress++

	return true, nil
}

func (r *memRepository) DeleteItems(_ context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		delete(r.items, id)
	}

	return nil
}

func (r *memRepository) get(id string) (download.Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]

	return it, ok
}

func (r *memRepository) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.items)
}

// recorder keeps every published event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) forItem(id string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.Event

	for _, e := range r.events {
		if e.ItemID == id {
			out = append(out, e)
		}
	}

	return out
}

func (r *recorder) statuses(id string) []download.Status {
	var out []download.Status

	for _, e := range r.forItem(id) {
		if e.Kind == events.KindStatusChanged {
			out = append(out, e.Status)
		}
	}

	return out
}

type harness struct {
	t         *testing.T
	m         *Manager
	repo      *memRepository
	transport *transporttest.Transport
	bus       *events.Bus
	events    *recorder
	dir       string
}

type harnessOption func(*Config)

func withMaxConcurrent(k int) harnessOption {
	return func(c *Config) { c.MaxConcurrent = k }
}

func withPersistThresholds(interval time.Duration, bytes int64) harnessOption {
	return func(c *Config) {
		c.ProgressPersistInterval = interval
		c.ProgressPersistBytes = bytes
	}
}

func newHarness(t *testing.T, repo *memRepository, opts ...harnessOption) *harness {
	t.Helper()

	if repo == nil {
		repo = newMemRepository()
	}

	dir := t.TempDir()
	cfg := Config{DownloadDir: dir, MaxConcurrent: 2, SessionID: "session-1"}

	for _, opt := range opts {
		opt(&cfg)
	}

	bus := events.NewBus()
	rec := &recorder{}
	bus.Subscribe(rec.handle)

	tr := transporttest.New()

	var n int

	var mu sync.Mutex

	m := New(cfg, repo, tr, bus,
		WithFS(fsys.NewLocal()),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++

			return fmt.Sprintf("item-%02d", n)
		}),
	)

	require.NoError(t, m.Start(context.Background()))

	t.Cleanup(func() {
		_ = m.Close(context.Background())
		bus.Close()
	})

	return &harness{t: t, m: m, repo: repo, transport: tr, bus: bus, events: rec, dir: dir}
}

func (h *harness) enqueue(name string) string {
	h.t.Helper()

	id, err := h.m.Enqueue(context.Background(), EnqueueRequest{
		SourceURL: "https://media.example.org/g/" + name,
		Group:     download.GroupKey{Board: "g", Thread: "1"},
	})
	require.NoError(h.t, err)

	return id
}

func (h *harness) status(id string) download.Status {
	it, ok := h.m.Get(id)
	if !ok {
		return ""
	}

	return it.Status
}

func (h *harness) waitStatus(id string, want download.Status) {
	h.t.Helper()

	require.Eventually(h.t, func() bool { return h.status(id) == want },
		2*time.Second, 5*time.Millisecond, "item %s never reached %s (now %s)", id, want, h.status(id))
}

func (h *harness) waitBytes(id string, want int64) {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		it, ok := h.m.Get(id)

		return ok && it.BytesDownloaded == want
	}, 2*time.Second, 5*time.Millisecond)
}

// settle waits until every event published so far has reached the recorder.
func (h *harness) settle() {
	h.t.Helper()

	marker := fmt.Sprintf("settle-%d", time.Now().UnixNano())
	h.bus.Publish(events.Event{Kind: events.KindQueueChanged, ItemID: marker})

	require.Eventually(h.t, func() bool { return len(h.events.forItem(marker)) == 1 },
		2*time.Second, 5*time.Millisecond, "event bus never settled")
}

func (h *harness) countStatus(status download.Status) int {
	n := 0

	for _, it := range h.m.List() {
		if it.Status == status {
			n++
		}
	}

	return n
}

var errServer = &download.NetworkError{Operation: "get", StatusCode: 500}

var errBoom = errors.New("boom")
