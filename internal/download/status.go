package download

// Status is the lifecycle state of a download item.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Event is a request to move an item from one status to another.
type Event string

const (
	EventAdmit    Event = "admit"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventCancel   Event = "cancel"
	EventRetry    Event = "retry"
)

var transitions = map[Event]struct {
	from []Status
	to   Status
}{
	EventAdmit:    {from: []Status{StatusPending}, to: StatusDownloading},
	EventComplete: {from: []Status{StatusDownloading}, to: StatusCompleted},
	EventFail:     {from: []Status{StatusDownloading}, to: StatusFailed},
	EventPause:    {from: []Status{StatusDownloading}, to: StatusPaused},
	EventResume:   {from: []Status{StatusPaused}, to: StatusPending},
	EventCancel:   {from: []Status{StatusDownloading, StatusPending, StatusPaused}, to: StatusCancelled},
	EventRetry:    {from: []Status{StatusFailed, StatusCancelled}, to: StatusPending},
}

// Next returns the status reached by applying e to s, and false when the
// transition is not allowed.
func (s Status) Next(e Event) (Status, bool) {
	t, ok := transitions[e]
	if !ok {
		return s, false
	}

	for _, from := range t.from {
		if from == s {
			return t.to, true
		}
	}

	return s, false
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// IsActive reports whether the item is waiting for or holding a transfer slot.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusDownloading || s == StatusPaused
}

// IsTerminal reports whether the item only leaves its state through an
// explicit retry or removal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}
