package downloader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/media_downloader/internal/transport"
	"github.com/italolelis/media_downloader/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type finish struct {
	gen uint64
	err error
}

type recordingSink struct {
	mu       sync.Mutex
	progress []transport.Progress
	finished []finish
	afterEnd bool
	done     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{})}
}

func (s *recordingSink) TransferProgress(_ string, _ uint64, p transport.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.finished) > 0 {
		s.afterEnd = true
	}

	s.progress = append(s.progress, p)
}

func (s *recordingSink) TransferFinished(_ string, gen uint64, err error) {
	s.mu.Lock()
	s.finished = append(s.finished, finish{gen: gen, err: err})
	s.mu.Unlock()
	close(s.done)
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never finished")
	}
}

func TestWorker_DeliversProgressThenOutcome(t *testing.T) {
	tr := transporttest.New()
	sink := newRecordingSink()

	w, err := Start(context.Background(), tr, transport.Request{ItemID: "a"}, 7, sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), w.Generation())

	h := tr.Last("a")
	h.Emit(10, 100)
	h.Emit(50, 100)
	h.Emit(100, 100)
	h.Complete()

	sink.wait(t)
	require.NoError(t, w.Wait())

	sink.mu.Lock()
	defer sink.mu.Unlock()

	require.Len(t, sink.finished, 1)
	assert.Equal(t, uint64(7), sink.finished[0].gen)
	assert.NoError(t, sink.finished[0].err)
	assert.False(t, sink.afterEnd)
	require.NotEmpty(t, sink.progress)
	assert.Equal(t, int64(100), sink.progress[len(sink.progress)-1].BytesDownloaded, "the latest sample is flushed before the outcome")
}

func TestWorker_DropsRegressingSamples(t *testing.T) {
	tr := transporttest.New()
	sink := newRecordingSink()

	w, err := Start(context.Background(), tr, transport.Request{ItemID: "a"}, 1, sink)
	require.NoError(t, err)

	h := tr.Last("a")
	h.Emit(80, 100)
	h.Emit(20, 100)
	h.Complete()

	sink.wait(t)
	require.NoError(t, w.Wait())

	sink.mu.Lock()
	defer sink.mu.Unlock()

	for _, p := range sink.progress {
		assert.Equal(t, int64(80), p.BytesDownloaded)
	}
}

func TestWorker_PauseReturnsToken(t *testing.T) {
	tr := transporttest.New()
	tr.PauseToken = []byte(`{"offset":5}`)
	sink := newRecordingSink()

	w, err := Start(context.Background(), tr, transport.Request{ItemID: "a"}, 1, sink)
	require.NoError(t, err)

	assert.Equal(t, []byte(`{"offset":5}`), w.Pause())

	sink.wait(t)
	assert.ErrorIs(t, w.Wait(), transport.ErrPaused)
}

func TestWorker_Cancel(t *testing.T) {
	tr := transporttest.New()
	sink := newRecordingSink()

	w, err := Start(context.Background(), tr, transport.Request{ItemID: "a"}, 1, sink)
	require.NoError(t, err)

	w.Cancel()

	sink.wait(t)
	assert.ErrorIs(t, w.Wait(), transport.ErrCancelled)
	assert.Equal(t, 1, tr.Last("a").Cancels())
}

func TestWorker_StartError(t *testing.T) {
	tr := transporttest.New()
	tr.StartErr = errors.New("boom")

	_, err := Start(context.Background(), tr, transport.Request{ItemID: "a"}, 1, newRecordingSink())
	require.Error(t, err)
}

func TestWorker_Attach(t *testing.T) {
	h := transporttest.NewHandle(transport.Request{ItemID: "b"})
	sink := newRecordingSink()

	w := Attach(h, 3, sink)
	assert.Equal(t, "b", w.ItemID())

	h.Emit(5, 10)
	h.Fail(errors.New("reset"))

	sink.wait(t)
	require.EqualError(t, w.Wait(), "reset")

	sink.mu.Lock()
	defer sink.mu.Unlock()

	assert.Equal(t, uint64(3), sink.finished[0].gen)
}
