package downloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/italolelis/media_downloader/internal/transport"
)

// Sink receives the reports of a worker. Calls for one worker arrive in
// order and every progress sample precedes the terminal call.
type Sink interface {
	TransferProgress(itemID string, gen uint64, p transport.Progress)
	TransferFinished(itemID string, gen uint64, err error)
}

// Worker owns one in-flight transfer for one item. Progress reaching the
// sink is decoupled from the transport so Pause and Cancel never wait on the
// sink.
type Worker struct {
	itemID string
	gen    uint64
	handle transport.Handle
	sink   Sink

	mu      sync.Mutex
	latest  transport.Progress
	pending bool
	notify  chan struct{}

	done chan struct{}
	err  error
}

// Start launches a transfer for req and returns its worker.
func Start(ctx context.Context, t transport.Transport, req transport.Request, gen uint64, sink Sink) (*Worker, error) {
	w := newWorker(req.ItemID, gen, sink)
	req.OnProgress = w.observe

	h, err := t.Start(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start transfer: %w", err)
	}

	w.handle = h

	go w.run()

	return w, nil
}

// Attach wraps a transfer that is already running, such as one the transport
// kept alive while the process was away.
func Attach(h transport.Handle, gen uint64, sink Sink) *Worker {
	w := newWorker(h.ItemID(), gen, sink)
	w.handle = h
	h.OnProgress(w.observe)

	go w.run()

	return w
}

func newWorker(itemID string, gen uint64, sink Sink) *Worker {
	return &Worker{
		itemID: itemID,
		gen:    gen,
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *Worker) ItemID() string {
	return w.itemID
}

// Generation identifies this worker among all workers ever started for the item.
func (w *Worker) Generation() uint64 {
	return w.gen
}

// Pause stops the transfer and returns its resume token, if any.
func (w *Worker) Pause() []byte {
	return w.handle.Pause()
}

// Cancel stops the transfer and discards partial data.
func (w *Worker) Cancel() {
	w.handle.Cancel()
}

// Done is closed once the terminal outcome has been handed to the sink.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the worker has finished and returns the transfer outcome.
// It must not be called while holding a lock the sink needs.
func (w *Worker) Wait() error {
	<-w.done

	return w.err
}

// observe keeps only the newest sample and never blocks the transport.
func (w *Worker) observe(p transport.Progress) {
	w.mu.Lock()

	if p.BytesDownloaded < w.latest.BytesDownloaded || p == w.latest {
		w.mu.Unlock()

		return
	}

	w.latest = p
	w.pending = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	finished := make(chan error, 1)

	go func() {
		finished <- w.handle.Wait()
	}()

	for {
		select {
		case <-w.notify:
			w.flush()
		case err := <-finished:
			w.flush()

			w.err = err
			w.sink.TransferFinished(w.itemID, w.gen, err)
			close(w.done)

			return
		}
	}
}

func (w *Worker) flush() {
	w.mu.Lock()

	if !w.pending {
		w.mu.Unlock()

		return
	}

	p := w.latest
	w.pending = false
	w.mu.Unlock()

	w.sink.TransferProgress(w.itemID, w.gen, p)
}
