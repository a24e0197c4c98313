package transport

import (
	"io"
	"sync/atomic"
)

// ProgressWriter wraps an io.Writer and reports cumulative progress via a callback.
type ProgressWriter struct {
	Writer         io.Writer
	Total          int64
	OnProgress     func(written int64, total int64)
	totalWritten   atomic.Int64 // cumulative total, including the resume offset
	lastReport     int64        // bytes since last report
	reportInterval int64        // bytes
}

// NewProgressWriter returns a writer that starts counting at offset and calls
// cb every interval bytes.
func NewProgressWriter(w io.Writer, offset, total, interval int64, cb func(written int64, total int64)) *ProgressWriter {
	pw := &ProgressWriter{
		Writer:         w,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
	pw.totalWritten.Store(offset)

	return pw
}

func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		written := pw.totalWritten.Add(int64(n))
		pw.lastReport += int64(n)

		if pw.lastReport >= pw.reportInterval {
			pw.OnProgress(written, pw.Total)
			pw.lastReport = 0
		}
	}

	return n, err
}

// Written returns the cumulative count, including the starting offset. It is
// safe to call from other goroutines.
func (pw *ProgressWriter) Written() int64 {
	return pw.totalWritten.Load()
}
