package pcapfilter

import (
	"log/slog"
	"net/netip"
)

// Resolver returns the relay addresses of one capture. It lets Refilter use
// the addresses recorded for each visit instead of one fixed set.
type Resolver func(capturePath string) ([]netip.Addr, error)

type options struct {
	strip         bool
	reuseOriginal bool
	concurrency   int
	resolver      Resolver
	logger        *slog.Logger
}

// Option configures Filter and Refilter.
type Option func(*options)

// WithStrip removes TCP payloads from kept packets.
func WithStrip(strip bool) Option {
	return func(o *options) {
		o.strip = strip
	}
}

// WithReuseOriginal makes Filter read an existing preserved original
// instead of the capture at path. Refilter always sets it.
func WithReuseOriginal(reuse bool) Option {
	return func(o *options) {
		o.reuseOriginal = reuse
	}
}

// WithConcurrency sets how many captures Refilter processes at once.
// Non-positive values keep the default.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithResolver makes Refilter look up the addresses of every capture.
// Captures the resolver returns no addresses for fall back to the fixed set.
func WithResolver(r Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithLogger sets the logger used by Refilter.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) *options {
	o := &options{concurrency: 4}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
