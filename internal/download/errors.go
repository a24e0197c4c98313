package download

import (
	"context"
	"errors"
	"fmt"
)

// NetworkError represents transport failures: connection errors, timeouts and
// non-success responses from the media host.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "get", "resume")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Short description of the failure
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StorageError represents local filesystem failures such as a full disk or a
// denied permission while materializing a file.
type StorageError struct {
	Op   string // The filesystem operation (e.g., "create", "rename")
	Path string // The path involved
	Err  error  // Underlying error, if any
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage error during %s of '%s': %v", e.Op, e.Path, e.Err)
	}

	return fmt.Sprintf("storage error during %s of '%s'", e.Op, e.Path)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// InterruptedError marks an item that was persisted as downloading but whose
// transfer is no longer tracked by the transport.
type InterruptedError struct {
	SessionID string
}

func (e *InterruptedError) Error() string {
	return "transfer interrupted"
}

// FailureMessage returns the short text shown to users for a failed item.
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		netErr         *NetworkError
		storageErr     *StorageError
		interruptedErr *InterruptedError
	)

	switch {
	case errors.As(err, &interruptedErr):
		return interruptedErr.Error()
	case errors.As(err, &netErr):
		if netErr.StatusCode > 0 {
			return fmt.Sprintf("server returned HTTP %d", netErr.StatusCode)
		}

		if errors.Is(netErr, context.DeadlineExceeded) {
			return "connection timed out"
		}

		return "connection failed: " + netErr.Message
	case errors.As(err, &storageErr):
		if storageErr.Err == nil {
			return fmt.Sprintf("could not %s file", storageErr.Op)
		}

		return fmt.Sprintf("could not %s file: %v", storageErr.Op, storageErr.Err)
	default:
		return err.Error()
	}
}
