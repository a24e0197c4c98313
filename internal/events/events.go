// Package events fans queue changes out to subscribers.
package events

import (
	"sync"

	"github.com/italolelis/media_downloader/internal/download"
)

type Kind string

const (
	KindStatusChanged   Kind = "status_changed"
	KindProgressChanged Kind = "progress_changed"
	KindQueueChanged    Kind = "queue_changed"
)

// Event is one notification. Only the fields meaningful for Kind are set.
type Event struct {
	Kind         Kind            `json:"kind"`
	ItemID       string          `json:"item_id,omitempty"`
	Status       download.Status `json:"status,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Progress     float64         `json:"progress,omitempty"`
	Bytes        int64           `json:"bytes_downloaded,omitempty"`
	Total        int64           `json:"total_bytes,omitempty"`
}

func StatusChanged(id string, status download.Status, errorMessage string) Event {
	return Event{Kind: KindStatusChanged, ItemID: id, Status: status, ErrorMessage: errorMessage}
}

func ProgressChanged(id string, progress float64, bytes, total int64) Event {
	return Event{Kind: KindProgressChanged, ItemID: id, Progress: progress, Bytes: bytes, Total: total}
}

func QueueChanged() Event {
	return Event{Kind: KindQueueChanged}
}

type Handler func(Event)

// Dispatcher runs fn on the subscriber's preferred goroutine, such as a UI
// event loop. The default calls fn directly.
type Dispatcher func(fn func())

type SubscribeOption func(*subscription)

// WithDispatcher routes every handler call through d.
func WithDispatcher(d Dispatcher) SubscribeOption {
	return func(s *subscription) {
		s.dispatch = d
	}
}

// Bus delivers published events to every subscriber in publish order.
// Publish never blocks: each subscription owns an unbounded queue drained by
// its own goroutine.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Subscribe registers handler and returns a function that removes it. Events
// already queued for the subscription are dropped on removal.
func (b *Bus) Subscribe(handler Handler, opts ...SubscribeOption) func() {
	s := &subscription{
		handler:  handler,
		dispatch: func(fn func()) { fn() },
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()

	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			s.stop()
		})
	}
}

// Publish queues e for every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		s.push(e)
	}
}

// Close stops every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

type subscription struct {
	handler  Handler
	dispatch Dispatcher

	mu      sync.Mutex
	queue   []Event
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func (s *subscription) push(e Event) {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()

		return
	}

	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()

		return
	}

	s.stopped = true
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()

			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()

				break
			}

			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.dispatch(func() { s.handler(e) })
		}
	}
}
