package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/events"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/queue"
)

// Queue is the part of the queue manager exposed over HTTP.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Get(id string) (*download.Item, bool)
	List() []*download.Item
	ActiveItems() []*download.Item
	FailedItems() []*download.Item
	CompletedItems() []*download.Item
	Grouped() []download.Group
	TotalCount() int
	CountByStatus() map[download.Status]int

	Pause(ctx context.Context, id string) bool
	Resume(ctx context.Context, id string) bool
	Cancel(ctx context.Context, id string) bool
	Retry(ctx context.Context, id string) bool
	Remove(ctx context.Context, id string) bool

	PauseAll(ctx context.Context) int
	ResumeAll(ctx context.Context) int
	RetryAllFailed(ctx context.Context) int
	ClearCompleted(ctx context.Context) int
	ClearAll(ctx context.Context) int

	HandleBackgroundReattachment(ctx context.Context, sessionID string, completion func()) error
}

// EventSource is where the stream endpoint subscribes.
type EventSource interface {
	Subscribe(handler events.Handler, opts ...events.SubscribeOption) func()
}

type ItemResponse struct {
	ID              string    `json:"id"`
	SourceURL       string    `json:"source_url"`
	DestinationPath string    `json:"destination_path"`
	Filename        string    `json:"filename"`
	MediaType       string    `json:"media_type"`
	Board           string    `json:"board,omitempty"`
	Thread          string    `json:"thread,omitempty"`
	Status          string    `json:"status"`
	Progress        float64   `json:"progress"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      int64     `json:"total_bytes"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Resumable       bool      `json:"resumable"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type GroupResponse struct {
	Board        string         `json:"board,omitempty"`
	Thread       string         `json:"thread,omitempty"`
	DisplayTitle string         `json:"display_title"`
	Items        []ItemResponse `json:"items"`
}

type EnqueueRequest struct {
	SourceURL       string `json:"source_url"`
	DestinationPath string `json:"destination_path"`
	Board           string `json:"board"`
	Thread          string `json:"thread"`
}

type CountResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

type BulkResponse struct {
	Affected int `json:"affected"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// DownloadsHandler serves the queue commands, queries and event stream.
type DownloadsHandler struct {
	queue  Queue
	events EventSource
}

func NewDownloadsHandler(q Queue, src EventSource) *DownloadsHandler {
	return &DownloadsHandler{queue: q, events: src}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)
	r.Get("/events", h.HandleEvents)
	r.Post("/sessions/{sessionID}/reattach", h.HandleReattach)
	r.Get("/groups", h.HandleGroups)

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleEnqueue)
		r.Delete("/", h.HandleClearAll)
		r.Get("/count", h.HandleCount)
		r.Delete("/completed", h.HandleClearCompleted)
		r.Post("/pause-all", h.bulk(Queue.PauseAll))
		r.Post("/resume-all", h.bulk(Queue.ResumeAll))
		r.Post("/retry-failed", h.bulk(Queue.RetryAllFailed))

		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.command(Queue.Remove))
		r.Post("/{id}/pause", h.command(Queue.Pause))
		r.Post("/{id}/resume", h.command(Queue.Resume))
		r.Post("/{id}/cancel", h.command(Queue.Cancel))
		r.Post("/{id}/retry", h.command(Queue.Retry))
	})

	return r
}

func (h *DownloadsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleList returns every item, or only those matching the status filter.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var items []*download.Item

	switch filter := r.URL.Query().Get("status"); filter {
	case "":
		items = h.queue.List()
	case "active":
		items = h.queue.ActiveItems()
	case "failed":
		items = h.queue.FailedItems()
	case "completed":
		items = h.queue.CompletedItems()
	default:
		writeError(r.Context(), w, http.StatusBadRequest, fmt.Sprintf("unknown status filter %q", filter))

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, toItemResponses(items))
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	it, ok := h.queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "download not found")

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, toItemResponse(it))
}

func (h *DownloadsHandler) HandleGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.queue.Grouped()

	out := make([]GroupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupResponse{
			Board:        g.Key.Board,
			Thread:       g.Key.Thread,
			DisplayTitle: g.DisplayTitle,
			Items:        toItemResponses(g.Items),
		})
	}

	writeJSON(r.Context(), w, http.StatusOK, out)
}

func (h *DownloadsHandler) HandleCount(w http.ResponseWriter, r *http.Request) {
	resp := CountResponse{Total: h.queue.TotalCount(), ByStatus: make(map[string]int)}
	for status, n := range h.queue.CountByStatus() {
		resp.ByStatus[string(status)] = n
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *DownloadsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")

		return
	}

	id, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		SourceURL:       req.SourceURL,
		DestinationPath: req.DestinationPath,
		Group:           download.GroupKey{Board: req.Board, Thread: req.Thread},
	})

	switch {
	case errors.Is(err, queue.ErrInvalidRequest):
		writeError(r.Context(), w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrClosed), errors.Is(err, queue.ErrNotStarted):
		writeError(r.Context(), w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		logger.Error("failed to enqueue download", "err", err)
		writeError(r.Context(), w, http.StatusInternalServerError, "failed to enqueue download")
	default:
		writeJSON(r.Context(), w, http.StatusCreated, map[string]string{"id": id})
	}
}

func (h *DownloadsHandler) HandleClearCompleted(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, BulkResponse{Affected: h.queue.ClearCompleted(r.Context())})
}

func (h *DownloadsHandler) HandleClearAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, BulkResponse{Affected: h.queue.ClearAll(r.Context())})
}

// HandleReattach reconciles the queue with transfers that kept running under
// the given session.
func (h *DownloadsHandler) HandleReattach(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.queue.HandleBackgroundReattachment(r.Context(), sessionID, nil); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to reattach session", "session_id", sessionID, "err", err)

		if errors.Is(err, queue.ErrClosed) || errors.Is(err, queue.ErrNotStarted) {
			writeError(r.Context(), w, http.StatusServiceUnavailable, err.Error())

			return
		}

		writeError(r.Context(), w, http.StatusInternalServerError, "failed to reattach session")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents streams queue events as server-sent events until the client
// goes away.
func (h *DownloadsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)
	rc := http.NewResponseController(w)

	// The stream outlives the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn("failed to clear write deadline", "err", err)
	}

	ch := make(chan events.Event, 64)
	unsubscribe := h.events.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}

	if err := rc.Flush(); err != nil {
		logger.Error("streaming not supported", "err", err)

		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				logger.Error("failed to marshal event", "err", err)

				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				logger.Debug("event stream closed", "err", err)

				return
			}

			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// command adapts a single-item command. A command that changes nothing is
// reported as not found.
func (h *DownloadsHandler) command(fn func(Queue, context.Context, string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !fn(h.queue, r.Context(), chi.URLParam(r, "id")) {
			writeError(r.Context(), w, http.StatusNotFound, "download not found or not applicable")

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *DownloadsHandler) bulk(fn func(Queue, context.Context) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, http.StatusOK, BulkResponse{Affected: fn(h.queue, r.Context())})
	}
}

func toItemResponses(items []*download.Item) []ItemResponse {
	out := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toItemResponse(it))
	}

	return out
}

func toItemResponse(it *download.Item) ItemResponse {
	return ItemResponse{
		ID:              it.ID,
		SourceURL:       it.SourceURL,
		DestinationPath: it.DestinationPath,
		Filename:        it.Filename,
		MediaType:       string(it.MediaType),
		Board:           it.Group.Board,
		Thread:          it.Group.Thread,
		Status:          string(it.Status),
		Progress:        it.Progress,
		BytesDownloaded: it.BytesDownloaded,
		TotalBytes:      it.TotalBytes,
		ErrorMessage:    it.ErrorMessage,
		Resumable:       len(it.ResumeToken) > 0,
		CreatedAt:       it.CreatedAt,
		UpdatedAt:       it.UpdatedAt,
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeJSON(ctx, w, status, errorResponse{Error: msg, RequestID: logctx.RequestIDFromContext(ctx)})
}
