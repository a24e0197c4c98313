package telemetry

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/italolelis/media_downloader/internal/logctx"
)

const (
	RequestIDHeader = "X-Request-ID"

	maxRequestIDLen = 128
)

// RequestID tags every API request with an id and echoes it in the response.
// An upstream X-Request-ID is reused unless it is unreasonably long. The
// request context gets a logger bound to the id, so the queue's logs for a
// command share it with the access log line.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := logctx.WithRequestID(r.Context(), id)
		ctx = logctx.WithLogger(ctx, logctx.LoggerFromContext(ctx).With("request_id", id))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
