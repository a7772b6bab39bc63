// Package log builds the crawler's slog loggers.
//
// Every logger is wrapped in a SecureHandler that masks Tor control port
// secrets before they are written: control passwords, hashed passwords,
// authentication cookies and AUTHENTICATE lines. Relay fingerprints, IP
// addresses and URLs are left readable since they are what a crawl log is
// read for.
//
//	logger := log.NewSecureLogger(os.Stderr, verbose)
//	slog.SetDefault(logger)
//
// A crawl additionally keeps its own log next to the captures:
//
//	logger, closer, err := log.NewCrawlLogger(os.Stderr, root, verbose)
//
// The loggers are plain *slog.Logger values and can be handed to tornago and
// go-rod helpers that accept one.
package log
