package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrCancelled is returned by Handle.Wait after Cancel.
	ErrCancelled = errors.New("transport: transfer cancelled")
	// ErrPaused is returned by Handle.Wait after Pause.
	ErrPaused = errors.New("transport: transfer paused")
)

// Request describes one transfer.
type Request struct {
	ItemID          string
	URL             string
	DestinationPath string
	ResumeToken     []byte
	SessionID       string
	// OnProgress is the initial progress observer.
	OnProgress ProgressFunc
}

// Progress is a cumulative sample of a running transfer.
type Progress struct {
	BytesDownloaded int64
	TotalBytes      int64
}

type ProgressFunc func(Progress)

// Handle controls one in-flight transfer.
type Handle interface {
	ItemID() string
	// OnProgress replaces the progress observer. It must not block.
	OnProgress(fn ProgressFunc)
	// Wait blocks until the transfer ends. It returns nil once the file is at
	// its destination, ErrCancelled or ErrPaused after the matching command,
	// or the failure that ended the transfer.
	Wait() error
	// Pause stops the transfer and returns a resume token, or nil when the
	// transfer cannot be continued.
	Pause() []byte
	// Cancel stops the transfer and discards partial data.
	Cancel()
}

// Transport starts transfers and reports the ones it is still tracking.
type Transport interface {
	Start(ctx context.Context, req Request) (Handle, error)
	Tracked(ctx context.Context, sessionID string) ([]Handle, error)
}

// resumeToken is the payload carried by Handle.Pause.
type resumeToken struct {
	Offset int64  `json:"offset"`
	ETag   string `json:"etag,omitempty"`
	Total  int64  `json:"total,omitempty"`
}

func (t resumeToken) encode() []byte {
	b, err := json.Marshal(t)
	if err != nil {
		return nil
	}

	return b
}

func decodeResumeToken(b []byte) (resumeToken, bool) {
	if len(b) == 0 {
		return resumeToken{}, false
	}

	var t resumeToken
	if err := json.Unmarshal(b, &t); err != nil || t.Offset <= 0 {
		return resumeToken{}, false
	}

	return t, true
}
