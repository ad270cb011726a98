package caldav

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

var (
	// ErrHomeSetNotFound means the server answered but did not advertise
	// exactly one calendar-home-set for the principal.
	ErrHomeSetNotFound = errors.New("calendar home set not found")

	// ErrNoSupportedCalendars means the home set contains no collection
	// that stores VTODO components.
	ErrNoSupportedCalendars = errors.New("server has no task calendars")
)

// HTTPError is a protocol-level failure: the server answered with an
// unexpected status.
type HTTPError struct {
	Method string
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Status)
}

// DavError is a malformed or incomplete WebDAV response, e.g. a multiget
// member without an ETag.
type DavError struct {
	Reason string
}

func (e *DavError) Error() string {
	return "dav: " + e.Reason
}

// StatusOf returns the HTTP status carried by err, or 0 for non-protocol
// errors.
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// IsNetworkError reports whether err happened below the HTTP layer
// (timeout, DNS, TLS, connection refused). These are the retryable class:
// they go into the account error field but are never reported to telemetry.
func IsNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
