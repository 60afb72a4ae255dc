package syncqueue

import (
	"errors"
	"fmt"
	"net/http"
)

// RemoteError is returned when the endpoint answered with a non-2xx status
type RemoteError struct {
	Tag    string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sync %s rejected: status %d: %s", e.Tag, e.Status, e.Body)
}

// Retryable reports whether a Flush error is worth retrying soon. Transport
// failures, timeouts, rate limiting and server errors are; bad requests and
// unknown tags are not. Either way the task stays queued.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownTag) || errors.Is(err, ErrInvalidPayload) {
		return false
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		switch {
		case remote.Status == http.StatusRequestTimeout,
			remote.Status == http.StatusTooManyRequests,
			remote.Status >= 500:
			return true
		default:
			return false
		}
	}

	// Network/connectivity issues
	return true
}
