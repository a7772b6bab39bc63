package config

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// LoadURLList reads the URL list file.
// One URL per line; blank lines and lines starting with '#' are ignored.
// Lines in "rank,url" form (top-sites lists) keep only the URL.
// Every URL is validated, the first invalid one aborts loading.
func LoadURLList(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided URL list path is intentional
	if err != nil {
		return nil, fmt.Errorf("failed to open URL list: %w", err)
	}
	defer f.Close()

	return ReadURLList(f)
}

// ReadURLList parses a URL list from r. See LoadURLList for the format.
func ReadURLList(r io.Reader) ([]string, error) {
	urls := make([]string, 0)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rank, rest, ok := strings.Cut(line, ","); ok && isNumber(rank) {
			line = strings.TrimSpace(rest)
		}
		if err := ValidateURL(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read URL list: %w", err)
	}
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	return urls, nil
}

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidURL, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w %q: scheme must be http or https", ErrInvalidURL, raw)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w %q: missing host", ErrInvalidURL, raw)
	}
	return nil
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
