package config

import "errors"

// Configuration validation errors.
// These errors are returned by Config.Validate() and by the URL list loader.
// A crawl that hits one of them is aborted; every other failure is recovered
// at visit or batch granularity.
var (
	// ErrNoURLs is returned when the URL list is empty.
	ErrNoURLs = errors.New("no URLs to crawl: provide a URL list file")

	// ErrInvalidURL is returned when a URL cannot be parsed or is not http(s).
	ErrInvalidURL = errors.New("invalid URL")

	// ErrInvalidBatches is returned when the number of batches is not positive.
	ErrInvalidBatches = errors.New("invalid batches: must be positive")

	// ErrInvalidVisits is returned when the number of visits per site is not positive.
	ErrInvalidVisits = errors.New("invalid visits: must be positive")

	// ErrInvalidTimeout is returned when a visit timeout is not positive or the
	// hard timeout does not exceed the soft page-load timeout.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive and hard timeout must exceed soft timeout")

	// ErrInvalidPause is returned when one of the pauses is negative.
	ErrInvalidPause = errors.New("invalid pause: must be non-negative")

	// ErrInvalidVariant is returned for an unknown crawl variant name.
	ErrInvalidVariant = errors.New("invalid crawl variant: must be standard, middle or multitab")

	// ErrInvalidNaming is returned for an unknown directory naming scheme.
	ErrInvalidNaming = errors.New("invalid naming: must be index or hostname")

	// ErrInvalidFingerprint is returned when the middle relay fingerprint is
	// missing for the middle variant or is not 40 hex characters.
	ErrInvalidFingerprint = errors.New("invalid middle relay fingerprint: expected 40 hex characters")

	// ErrInvalidMaxURLLength is returned when the maximum URL length is not positive.
	ErrInvalidMaxURLLength = errors.New("invalid max URL length: must be positive")
)

// configErrors lists every sentinel that IsConfigError recognises.
var configErrors = []error{
	ErrNoURLs,
	ErrInvalidURL,
	ErrInvalidBatches,
	ErrInvalidVisits,
	ErrInvalidTimeout,
	ErrInvalidPause,
	ErrInvalidVariant,
	ErrInvalidNaming,
	ErrInvalidFingerprint,
	ErrInvalidMaxURLLength,
	ErrConfigNotFound,
}

// IsConfigError reports whether err is (or wraps) a configuration error.
// The crawler uses it to decide whether a failure aborts the whole crawl.
func IsConfigError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range configErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
