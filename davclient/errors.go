package davclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cyp0633/meetsync/internal/httpclient"
)

var (
	// ErrNotFound means the container or event does not exist.
	ErrNotFound = errors.New("davclient: not found")
	// ErrConflict means the server refused the write because of existing state.
	ErrConflict = errors.New("davclient: conflict")
	// ErrUnauthorized means the credentials were rejected (401 or 403).
	ErrUnauthorized = errors.New("davclient: unauthorized")
	// ErrTransport covers network failures, timeouts and unexpected statuses.
	ErrTransport = errors.New("davclient: transport failure")
)

// classify wraps err with the sentinel matching its cause.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *httpclient.StatusError
	if errors.As(err, &se) {
		var kind error
		switch se.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			kind = ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = ErrUnauthorized
		case http.StatusConflict, http.StatusPreconditionFailed, http.StatusMethodNotAllowed:
			kind = ErrConflict
		default:
			kind = ErrTransport
		}
		return fmt.Errorf("failed to %s: %w: %w", op, kind, err)
	}

	if errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, ErrTransport, err)
}
