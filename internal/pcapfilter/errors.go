package pcapfilter

import "errors"

var (
	// ErrNoAddresses is returned when there is no relay address to filter on.
	// The capture is left untouched.
	ErrNoAddresses = errors.New("no relay addresses to filter on")

	// ErrCaptureNotFound is returned when neither the capture nor its
	// preserved original exists.
	ErrCaptureNotFound = errors.New("capture file not found")
)
