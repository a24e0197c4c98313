package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/events"
	"github.com/italolelis/media_downloader/internal/storage/sqlite"
	"github.com/italolelis/media_downloader/internal/transport"
	"github.com/italolelis/media_downloader/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedItem(id string, seq int64, status download.Status) download.Item {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	return download.Item{
		ID:              id,
		SourceURL:       "https://media.example.org/g/" + id + ".webm",
		DestinationPath: filepath.Join("/downloads", "g", id+".webm"),
		Filename:        id + ".webm",
		MediaType:       download.MediaVideo,
		Group:           download.GroupKey{Board: "g"},
		Status:          status,
		BytesDownloaded: 30,
		TotalBytes:      100,
		Progress:        0.3,
		Seq:             seq,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestReattach_FailsUntrackedItems(t *testing.T) {
	repo := newMemRepository(storedItem("stale", 1, download.StatusDownloading))
	h := newHarness(t, repo)

	calls := 0
	err := h.m.HandleBackgroundReattachment(context.Background(), "session-1", func() { calls++ })
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, download.StatusFailed, h.status("stale"))

	it, _ := h.m.Get("stale")
	assert.Equal(t, "transfer interrupted", it.ErrorMessage)

	stored, _ := repo.get("stale")
	assert.Equal(t, download.StatusFailed, stored.Status)
}

func TestReattach_StoredDownloadsHoldSlotsUntilReconciled(t *testing.T) {
	repo := newMemRepository(
		storedItem("stale", 1, download.StatusDownloading),
		storedItem("waiting", 2, download.StatusPending),
	)
	h := newHarness(t, repo, withMaxConcurrent(1))

	assert.Equal(t, download.StatusPending, h.status("waiting"))
	assert.Nil(t, h.transport.Last("waiting"))

	require.NoError(t, h.m.HandleBackgroundReattachment(context.Background(), "session-1", nil))

	assert.Equal(t, download.StatusFailed, h.status("stale"))
	assert.Equal(t, download.StatusDownloading, h.status("waiting"))
}

func TestReattach_AdoptsTrackedTransfers(t *testing.T) {
	repo := newMemRepository(storedItem("survivor", 1, download.StatusDownloading))
	h := newHarness(t, repo)

	handle := transporttest.NewHandle(transport.Request{ItemID: "survivor", SessionID: "session-1"})
	h.transport.Inject("session-1", handle)

	require.NoError(t, h.m.HandleBackgroundReattachment(context.Background(), "session-1", nil))
	assert.Equal(t, download.StatusDownloading, h.status("survivor"))

	handle.Emit(60, 100)
	h.waitBytes("survivor", 60)

	// A second pass with the worker still alive leaves everything alone.
	require.NoError(t, h.m.HandleBackgroundReattachment(context.Background(), "session-1", nil))
	assert.Equal(t, download.StatusDownloading, h.status("survivor"))
	assert.Zero(t, handle.Cancels())

	handle.Complete()
	h.waitStatus("survivor", download.StatusCompleted)

	it, _ := h.m.Get("survivor")
	assert.Equal(t, 1.0, it.Progress)
}

func TestReattach_CancelsOrphans(t *testing.T) {
	repo := newMemRepository(storedItem("done", 1, download.StatusCompleted))
	h := newHarness(t, repo)

	ghost := transporttest.NewHandle(transport.Request{ItemID: "ghost", SessionID: "session-1"})
	finished := transporttest.NewHandle(transport.Request{ItemID: "done", SessionID: "session-1"})
	other := transporttest.NewHandle(transport.Request{ItemID: "other", SessionID: "session-2"})

	h.transport.Inject("session-1", ghost)
	h.transport.Inject("session-1", finished)
	h.transport.Inject("session-2", other)

	require.NoError(t, h.m.HandleBackgroundReattachment(context.Background(), "session-1", nil))

	assert.Equal(t, 1, ghost.Cancels())
	assert.Equal(t, 1, finished.Cancels())
	assert.Zero(t, other.Cancels(), "other sessions are not touched")
	assert.Equal(t, download.StatusCompleted, h.status("done"))
	assert.Equal(t, 1, h.m.TotalCount())
}

func TestReattach_MergesItemsStoredLater(t *testing.T) {
	repo := newMemRepository()
	h := newHarness(t, repo)

	require.NoError(t, repo.SaveItem(context.Background(), storedItem("late", 7, download.StatusPending)))
	require.NoError(t, h.m.HandleBackgroundReattachment(context.Background(), "session-1", nil))

	assert.Equal(t, download.StatusDownloading, h.status("late"))

	h.settle()

	var queueChanged bool

	for _, e := range h.events.forItem("") {
		if e.Kind == events.KindQueueChanged {
			queueChanged = true
		}
	}

	assert.True(t, queueChanged)

	id := h.enqueue("next.png")
	it, _ := h.m.Get(id)
	assert.Equal(t, int64(8), it.Seq)
}

func TestReattach_AfterCloseStillCompletes(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.m.Close(context.Background()))

	calls := 0
	err := h.m.HandleBackgroundReattachment(context.Background(), "session-1", func() { calls++ })

	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, calls)
}

func TestManager_SurvivesRestartWithSQLite(t *testing.T) {
	ctx := context.Background()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewItemRepository(db)
	dir := t.TempDir()

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	tr := transporttest.New()
	tr.PauseToken = []byte(`{"offset":40}`)

	first := New(Config{DownloadDir: dir, MaxConcurrent: 1, SessionID: "session-1"}, repo, tr, bus)
	require.NoError(t, first.Start(ctx))

	running, err := first.Enqueue(ctx, EnqueueRequest{SourceURL: "https://media.example.org/g/a.webm"})
	require.NoError(t, err)

	waiting, err := first.Enqueue(ctx, EnqueueRequest{SourceURL: "https://media.example.org/g/b.webm"})
	require.NoError(t, err)

	tr.Last(running).Emit(40, 100)
	require.Eventually(t, func() bool {
		it, _ := first.Get(running)

		return it.BytesDownloaded == 40
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close(ctx))

	// The transport keeps nothing alive, so the restarted manager finds the
	// running item interrupted and moves on to the waiting one.
	second := New(Config{DownloadDir: dir, MaxConcurrent: 1, SessionID: "session-1"}, repo, tr, bus)
	require.NoError(t, second.Start(ctx))

	t.Cleanup(func() { _ = second.Close(ctx) })

	it, ok := second.Get(running)
	require.True(t, ok)
	assert.Equal(t, download.StatusDownloading, it.Status)
	assert.Equal(t, []byte(`{"offset":40}`), it.ResumeToken)
	assert.Equal(t, int64(40), it.BytesDownloaded)

	require.NoError(t, second.HandleBackgroundReattachment(ctx, "session-1", nil))

	it, _ = second.Get(running)
	assert.Equal(t, download.StatusFailed, it.Status)
	assert.Equal(t, "transfer interrupted", it.ErrorMessage)
	assert.Equal(t, []byte(`{"offset":40}`), it.ResumeToken, "a failed item keeps its token for retry")

	it, _ = second.Get(waiting)
	assert.Equal(t, download.StatusDownloading, it.Status)

	require.True(t, second.Retry(ctx, running))

	it, _ = second.Get(running)
	assert.Equal(t, download.StatusPending, it.Status)
	assert.Equal(t, int64(40), it.BytesDownloaded)

	third, err := second.Enqueue(ctx, EnqueueRequest{SourceURL: "https://media.example.org/g/c.webm"})
	require.NoError(t, err)

	it, _ = second.Get(third)
	assert.Equal(t, int64(3), it.Seq)
}

func TestReattach_RemovalDuringReloadSticks(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepository(
		storedItem("removed", 1, download.StatusCompleted),
		storedItem("cleared", 2, download.StatusCompleted),
		storedItem("kept", 3, download.StatusPaused),
	)
	h := newHarness(t, repo)

	repo.mu.Lock()
	repo.afterLoad = func() {
		require.True(t, h.m.Remove(ctx, "removed"))
		assert.Equal(t, 1, h.m.ClearCompleted(ctx))
	}
	repo.mu.Unlock()

	require.NoError(t, h.m.HandleBackgroundReattachment(ctx, "session-1", nil))

	_, ok := h.m.Get("removed")
	assert.False(t, ok, "a removed item stays removed")

	_, ok = h.m.Get("cleared")
	assert.False(t, ok)

	assert.Equal(t, 1, h.m.TotalCount())
	assert.Equal(t, 1, repo.len())

	assert.False(t, h.m.Retry(ctx, "removed"))
	_, ok = repo.get("removed")
	assert.False(t, ok, "nothing writes the removed record back")

	repo.mu.Lock()
	repo.afterLoad = nil
	repo.mu.Unlock()

	require.NoError(t, h.m.HandleBackgroundReattachment(ctx, "session-1", nil))
	assert.Equal(t, 1, h.m.TotalCount())

	h.m.mu.Lock()
	pending := len(h.m.removed)
	h.m.mu.Unlock()
	assert.Zero(t, pending, "removals are only remembered while a reload is in flight")
}
