package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/fsys"
	"github.com/italolelis/media_downloader/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultProgressInterval = 64 * 1024

// HTTPTransport downloads media over HTTP, resuming with range requests when
// the server allows it.
type HTTPTransport struct {
	client           *http.Client
	fs               fsys.FS
	progressInterval int64
	userAgent        string

	mu       sync.Mutex
	sessions map[string]map[string]*httpHandle
}

type Option func(*HTTPTransport)

// WithHTTPClient overrides the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) { t.client = c }
}

// WithProgressInterval sets how many bytes are read between progress samples.
func WithProgressInterval(n int64) Option {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.progressInterval = n
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(t *HTTPTransport) { t.userAgent = ua }
}

// NewDefaultClient returns an HTTP client with transport level timeouts. The
// body of a download is not bounded by a timeout.
func NewDefaultClient(headerTimeout time.Duration) *http.Client {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	}

	return &http.Client{Transport: otelhttp.NewTransport(base)}
}

func NewHTTPTransport(fs fsys.FS, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		client:           NewDefaultClient(30 * time.Second),
		fs:               fs,
		progressInterval: defaultProgressInterval,
		sessions:         make(map[string]map[string]*httpHandle),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins the transfer in its own goroutine. The transfer is bound to ctx.
func (t *HTTPTransport) Start(ctx context.Context, req Request) (Handle, error) {
	if req.URL == "" || req.DestinationPath == "" {
		return nil, fmt.Errorf("transport: url and destination are required")
	}

	ctx, cancel := context.WithCancelCause(ctx)

	h := &httpHandle{
		req:        req,
		t:          t,
		cancel:     cancel,
		done:       make(chan struct{}),
		onProgress: req.OnProgress,
	}

	t.track(h)

	go func() {
		defer close(h.done)
		defer t.untrack(h)

		h.err = h.run(ctx)
	}()

	return h, nil
}

// Tracked returns the transfers still running under sessionID.
func (t *HTTPTransport) Tracked(_ context.Context, sessionID string) ([]Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var handles []Handle

	for _, h := range t.sessions[sessionID] {
		handles = append(handles, h)
	}

	return handles, nil
}

func (t *HTTPTransport) track(h *httpHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[h.req.SessionID]
	if !ok {
		s = make(map[string]*httpHandle)
		t.sessions[h.req.SessionID] = s
	}

	s[h.req.ItemID] = h
}

func (t *HTTPTransport) untrack(h *httpHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[h.req.SessionID]
	if s[h.req.ItemID] == h {
		delete(s, h.req.ItemID)
	}

	if len(s) == 0 {
		delete(t.sessions, h.req.SessionID)
	}
}

type httpHandle struct {
	req    Request
	t      *HTTPTransport
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error

	mu         sync.Mutex
	onProgress ProgressFunc
	etag       string
	resumable  bool

	written atomic.Int64
	total   atomic.Int64
}

func (h *httpHandle) ItemID() string {
	return h.req.ItemID
}

func (h *httpHandle) OnProgress(fn ProgressFunc) {
	h.mu.Lock()
	h.onProgress = fn
	h.mu.Unlock()
}

func (h *httpHandle) Wait() error {
	<-h.done

	return h.err
}

func (h *httpHandle) Pause() []byte {
	h.cancel(ErrPaused)
	<-h.done

	if !errors.Is(h.err, ErrPaused) {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.resumable || h.written.Load() == 0 {
		return nil
	}

	return resumeToken{Offset: h.written.Load(), ETag: h.etag, Total: h.total.Load()}.encode()
}

func (h *httpHandle) Cancel() {
	h.cancel(ErrCancelled)
	<-h.done
}

func (h *httpHandle) emit() {
	h.mu.Lock()
	fn := h.onProgress
	h.mu.Unlock()

	if fn != nil {
		fn(Progress{BytesDownloaded: h.written.Load(), TotalBytes: h.total.Load()})
	}
}

func (h *httpHandle) run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("item_id", h.req.ItemID)
	part := fsys.PartialPath(h.req.DestinationPath)

	err := h.transfer(ctx, part)
	if err == nil {
		return nil
	}

	cause := context.Cause(ctx)

	switch {
	case errors.Is(cause, ErrCancelled):
		if rmErr := h.t.fs.Remove(part); rmErr != nil {
			logger.Warn("failed to remove partial file", "path", part, "err", rmErr)
		}

		return ErrCancelled
	case errors.Is(cause, ErrPaused):
		return ErrPaused
	}

	return err
}

func (h *httpHandle) transfer(ctx context.Context, part string) error {
	logger := logctx.LoggerFromContext(ctx).With("item_id", h.req.ItemID)

	var offset int64

	tok, hasToken := decodeResumeToken(h.req.ResumeToken)
	if hasToken {
		if size, err := h.t.fs.Size(part); err == nil && size >= tok.Offset {
			offset = tok.Offset
		} else {
			logger.Debug("resume token does not match partial file, restarting", "offset", tok.Offset)
		}
	}

	if err := h.t.fs.MkdirAll(filepath.Dir(h.req.DestinationPath)); err != nil {
		return &download.StorageError{Op: "create directory for", Path: h.req.DestinationPath, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.req.URL, nil)
	if err != nil {
		return &download.NetworkError{Operation: "get", Message: "invalid request", Err: err}
	}

	if h.t.userAgent != "" {
		req.Header.Set("User-Agent", h.t.userAgent)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

		if tok.ETag != "" {
			req.Header.Set("If-Range", tok.ETag)
		}
	}

	resp, err := h.t.client.Do(req)
	if err != nil {
		return &download.NetworkError{Operation: "get", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	var total int64

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total = contentRangeTotal(resp.Header.Get("Content-Range"))
		h.setResumable(resp.Header.Get("ETag"), true)
	case http.StatusOK:
		if offset > 0 {
			logger.Info("server ignored range request, restarting from zero", "offset", offset)
		}

		offset = 0
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}

		h.setResumable(resp.Header.Get("ETag"), strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"))
	default:
		return &download.NetworkError{Operation: "get", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	w, err := h.t.fs.OpenWriter(part, offset)
	if err != nil {
		return &download.StorageError{Op: "create", Path: part, Err: err}
	}

	h.written.Store(offset)
	h.total.Store(total)

	logger.Debug("transfer started",
		"offset", humanize.Bytes(uint64(offset)),
		"total", humanize.Bytes(uint64(total)))

	pw := NewProgressWriter(&storageWriter{w: w, path: part}, offset, total, h.t.progressInterval, func(written, _ int64) {
		h.written.Store(written)
		h.emit()
	})

	_, copyErr := io.Copy(pw, resp.Body)
	closeErr := w.Close()

	h.written.Store(pw.Written())

	if copyErr != nil {
		var storageErr *download.StorageError
		if errors.As(copyErr, &storageErr) {
			return storageErr
		}

		return &download.NetworkError{Operation: "read", Message: copyErr.Error(), Err: copyErr}
	}

	if closeErr != nil {
		return &download.StorageError{Op: "write", Path: part, Err: closeErr}
	}

	if total > 0 && h.written.Load() != total {
		return &download.NetworkError{
			Operation: "read",
			Message:   fmt.Sprintf("short body: got %d of %d bytes", h.written.Load(), total),
		}
	}

	if total == 0 {
		h.total.Store(h.written.Load())
	}

	if err := h.t.fs.Rename(part, h.req.DestinationPath); err != nil {
		return &download.StorageError{Op: "rename", Path: h.req.DestinationPath, Err: err}
	}

	h.emit()

	logger.Info("downloaded and saved file",
		"target", h.req.DestinationPath,
		"size", humanize.Bytes(uint64(h.written.Load())))

	return nil
}

func (h *httpHandle) setResumable(etag string, resumable bool) {
	h.mu.Lock()
	h.etag = etag
	h.resumable = resumable
	h.mu.Unlock()
}

// storageWriter tags write failures as storage errors.
type storageWriter struct {
	w    io.Writer
	path string
}

func (s *storageWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, &download.StorageError{Op: "write", Path: s.path, Err: err}
	}

	return n, nil
}

// contentRangeTotal parses the complete length from "bytes a-b/total".
func contentRangeTotal(v string) int64 {
	idx := strings.LastIndexByte(v, '/')
	if idx < 0 {
		return 0
	}

	total, err := strconv.ParseInt(strings.TrimSpace(v[idx+1:]), 10, 64)
	if err != nil {
		return 0
	}

	return total
}
