// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/italolelis/media_downloader/internal/transport"
)

// Transport records every started transfer and lets tests drive them.
type Transport struct {
	mu       sync.Mutex
	handles  map[string][]*Handle
	injected map[string][]*Handle

	// StartErr, when set, is returned by Start.
	StartErr error
	// PauseToken is handed to every new handle.
	PauseToken []byte
	// OnStart is called synchronously for every started handle.
	OnStart func(h *Handle)
}

func New() *Transport {
	return &Transport{
		handles:  make(map[string][]*Handle),
		injected: make(map[string][]*Handle),
	}
}

func (t *Transport) Start(_ context.Context, req transport.Request) (transport.Handle, error) {
	t.mu.Lock()

	if t.StartErr != nil {
		t.mu.Unlock()

		return nil, t.StartErr
	}

	h := NewHandle(req)
	h.PauseToken = t.PauseToken
	t.handles[req.ItemID] = append(t.handles[req.ItemID], h)
	onStart := t.OnStart
	t.mu.Unlock()

	if onStart != nil {
		onStart(h)
	}

	return h, nil
}

// Tracked returns live handles started or injected under sessionID.
func (t *Transport) Tracked(_ context.Context, sessionID string) ([]transport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []transport.Handle

	for _, hs := range t.handles {
		for _, h := range hs {
			if h.Req.SessionID == sessionID && !h.Finished() {
				out = append(out, h)
			}
		}
	}

	for _, h := range t.injected[sessionID] {
		if !h.Finished() {
			out = append(out, h)
		}
	}

	return out, nil
}

// Inject registers a transfer that survived outside this process.
func (t *Transport) Inject(sessionID string, h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.injected[sessionID] = append(t.injected[sessionID], h)
}

// Handles returns every handle started for itemID, oldest first.
func (t *Transport) Handles(itemID string) []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*Handle(nil), t.handles[itemID]...)
}

// Last returns the most recent handle for itemID, or nil.
func (t *Transport) Last(itemID string) *Handle {
	hs := t.Handles(itemID)
	if len(hs) == 0 {
		return nil
	}

	return hs[len(hs)-1]
}

// Live counts unfinished started handles.
func (t *Transport) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0

	for _, hs := range t.handles {
		for _, h := range hs {
			if !h.Finished() {
				n++
			}
		}
	}

	return n
}

// Handle is a transfer completed, failed or progressed by the test.
type Handle struct {
	Req        transport.Request
	PauseToken []byte

	mu         sync.Mutex
	onProgress transport.ProgressFunc
	done       chan struct{}
	once       sync.Once
	err        error

	pauses  atomic.Int32
	cancels atomic.Int32
}

func NewHandle(req transport.Request) *Handle {
	return &Handle{
		Req:        req,
		onProgress: req.OnProgress,
		done:       make(chan struct{}),
	}
}

func (h *Handle) ItemID() string {
	return h.Req.ItemID
}

func (h *Handle) OnProgress(fn transport.ProgressFunc) {
	h.mu.Lock()
	h.onProgress = fn
	h.mu.Unlock()
}

func (h *Handle) Wait() error {
	<-h.done

	return h.err
}

func (h *Handle) Pause() []byte {
	h.pauses.Add(1)

	if !h.finish(transport.ErrPaused) {
		return nil
	}

	return h.PauseToken
}

func (h *Handle) Cancel() {
	h.cancels.Add(1)
	h.finish(transport.ErrCancelled)
}

// Emit delivers a progress sample.
func (h *Handle) Emit(downloaded, total int64) {
	h.mu.Lock()
	fn := h.onProgress
	h.mu.Unlock()

	if fn != nil {
		fn(transport.Progress{BytesDownloaded: downloaded, TotalBytes: total})
	}
}

func (h *Handle) Complete() bool {
	return h.finish(nil)
}

func (h *Handle) Fail(err error) bool {
	return h.finish(err)
}

func (h *Handle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) Pauses() int {
	return int(h.pauses.Load())
}

func (h *Handle) Cancels() int {
	return int(h.cancels.Load())
}

func (h *Handle) finish(err error) bool {
	finished := false

	h.once.Do(func() {
		h.err = err
		close(h.done)
		finished = true
	})

	return finished
}
