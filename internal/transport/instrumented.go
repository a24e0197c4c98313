package transport

import (
	"context"

	"github.com/italolelis/media_downloader/internal/telemetry"
)

// InstrumentedTransport wraps Transport with telemetry.
type InstrumentedTransport struct {
	transport     Transport
	telemetry     *telemetry.Telemetry
	transportType string
}

// NewInstrumentedTransport creates a new instrumented transport.
func NewInstrumentedTransport(t Transport, tel *telemetry.Telemetry, transportType string) *InstrumentedTransport {
	return &InstrumentedTransport{
		transport:     t,
		telemetry:     tel,
		transportType: transportType,
	}
}

// Start starts a transfer with telemetry.
func (c *InstrumentedTransport) Start(ctx context.Context, req Request) (Handle, error) {
	var result Handle

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.transportType, "start", func(ctx context.Context) error {
		result, err = c.transport.Start(ctx, req)

		return err
	})

	if instrumentedErr != nil {
		c.telemetry.RecordTransfer(ctx, "start", "error")

		return nil, instrumentedErr
	}

	c.telemetry.RecordTransfer(ctx, "start", "success")

	return &instrumentedHandle{Handle: result, telemetry: c.telemetry}, nil
}

// Tracked lists the transfers still running under a session with telemetry.
func (c *InstrumentedTransport) Tracked(ctx context.Context, sessionID string) ([]Handle, error) {
	var result []Handle

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.transportType, "tracked", func(ctx context.Context) error {
		result, err = c.transport.Tracked(ctx, sessionID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	handles := make([]Handle, 0, len(result))
	for _, h := range result {
		handles = append(handles, &instrumentedHandle{Handle: h, telemetry: c.telemetry})
	}

	return handles, nil
}

// instrumentedHandle records pause and cancel commands.
type instrumentedHandle struct {
	Handle
	telemetry *telemetry.Telemetry
}

func (h *instrumentedHandle) Pause() []byte {
	token := h.Handle.Pause()

	status := "resumable"
	if token == nil {
		status = "restart"
	}

	h.telemetry.RecordTransfer(context.Background(), "pause", status)

	return token
}

func (h *instrumentedHandle) Cancel() {
	h.Handle.Cancel()
	h.telemetry.RecordTransfer(context.Background(), "cancel", "success")
}
