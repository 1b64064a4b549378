package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FetchFailed is returned when a url can't be fetched or parsed. It is never
// cached, the next run may retry the same url.
type FetchFailed struct {
	Url     string
	Cause   error
	Timeout bool
}

func (e *FetchFailed) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch %s timed out: %v", e.Url, e.Cause)
	}
	return fmt.Sprintf("fetch %s failed: %v", e.Url, e.Cause)
}

func (e *FetchFailed) Unwrap() error {
	return e.Cause
}

func newFetchFailed(url string, cause error) *FetchFailed {
	var ff *FetchFailed
	if errors.As(cause, &ff) {
		return ff
	}
	return &FetchFailed{Url: url, Cause: cause, Timeout: IsTimeout(cause)}
}

func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
