// Package sniffer runs a packet capture for the lifetime of one visit.
//
// The capture is done by dumpcap (or a compatible program) as a child
// process. Start returns once the capture file exists; Stop asks the
// program to finish, waits until it has flushed and exited, and kills it
// if it does not exit in time.
package sniffer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrStartFailed is returned when the capture program exits or does not
// create its output before the start timeout.
var ErrStartFailed = errors.New("packet capture failed to start")

// StopTimeoutError is returned by Stop when the capture program did not
// exit in time and had to be killed. The capture file may be truncated.
type StopTimeoutError struct {
	Path  string
	Limit time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("packet capture %s did not stop within %s", e.Path, e.Limit)
}

// Timeout reports true so callers can classify the error as a timeout.
func (e *StopTimeoutError) Timeout() bool {
	return true
}

// Sniffer starts captures with a fixed program, device and filter.
type Sniffer struct {
	binary       string
	device       string
	filter       string
	startTimeout time.Duration
	stopTimeout  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Sniffer.
type Option func(*Sniffer)

// WithBinary sets the capture program.
func WithBinary(path string) Option {
	return func(s *Sniffer) {
		if path != "" {
			s.binary = path
		}
	}
}

// WithDevice sets the capture interface.
func WithDevice(device string) Option {
	return func(s *Sniffer) {
		if device != "" {
			s.device = device
		}
	}
}

// WithFilter sets the capture filter expression (BPF syntax).
func WithFilter(filter string) Option {
	return func(s *Sniffer) {
		s.filter = filter
	}
}

// WithStartTimeout bounds the wait for the capture file to appear.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Sniffer) {
		if d > 0 {
			s.startTimeout = d
		}
	}
}

// WithStopTimeout bounds the wait for the capture program to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Sniffer) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sniffer) {
		s.logger = logger
	}
}

// New creates a Sniffer. Without options it runs
// "dumpcap -i eth0 -f 'tcp and not host 127.0.0.1'".
func New(opts ...Option) *Sniffer {
	s := &Sniffer{
		binary:       "dumpcap",
		device:       "eth0",
		filter:       "tcp and not host 127.0.0.1",
		startTimeout: 10 * time.Second,
		stopTimeout:  10 * time.Second,
		pollInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Capture is a running capture.
type Capture struct {
	path        string
	cmd         *exec.Cmd
	stderr      *lockedBuffer
	done        chan struct{}
	waitErr     error
	stopTimeout time.Duration
	logger      *slog.Logger

	stopOnce sync.Once
	stopErr  error
}

// Path returns the capture file.
func (c *Capture) Path() string {
	return c.path
}

// args builds the command line. -P writes pcap instead of pcapng and -q
// silences the packet counter.
func (s *Sniffer) args(path string) []string {
	args := []string{"-P", "-q", "-i", s.device}
	if s.filter != "" {
		args = append(args, "-f", s.filter)
	}
	return append(args, "-w", path)
}

// Start launches a capture writing to path and waits until the file exists.
// A file already at path is removed first. The capture keeps running after
// ctx ends; it is only stopped by Stop.
func (s *Sniffer) Start(ctx context.Context, path string) (*Capture, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to remove stale capture: %w", ErrStartFailed, err)
	}

	cmd := exec.Command(s.binary, s.args(path)...) //nolint:gosec // binary comes from the operator's configuration
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	// Children holding stderr open must not block Wait after a kill.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	c := &Capture{
		path:        path,
		cmd:         cmd,
		stderr:      stderr,
		done:        make(chan struct{}),
		stopTimeout: s.stopTimeout,
		logger:      s.logger,
	}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()

	s.logger.Debug("packet capture started",
		"binary", s.binary,
		"device", s.device,
		"path", path,
		"pid", cmd.Process.Pid)

	if err := s.waitForFile(ctx, c); err != nil {
		c.kill()
		return nil, err
	}
	return c, nil
}

func (s *Sniffer) waitForFile(ctx context.Context, c *Capture) error {
	deadline := time.NewTimer(s.startTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(c.path); err == nil {
			return nil
		}
		select {
		case <-c.done:
			return fmt.Errorf("%w: %s exited: %v: %s",
				ErrStartFailed, s.binary, c.waitErr, strings.TrimSpace(c.stderr.String()))
		case <-deadline.C:
			return fmt.Errorf("%w: no capture file after %s", ErrStartFailed, s.startTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrStartFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop ends the capture and blocks until the capture file is complete.
// Calling Stop more than once returns the first result.
func (c *Capture) Stop() error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop()
	})
	return c.stopErr
}

func (c *Capture) stop() error {
	select {
	case <-c.done:
		c.logger.Warn("packet capture exited before stop",
			"path", c.path,
			"error", c.waitErr,
			"stderr", strings.TrimSpace(c.stderr.String()))
		return nil
	default:
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Warn("failed to signal packet capture", "path", c.path, "error", err)
	}

	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		c.logger.Debug("packet capture stopped", "path", c.path)
		return nil
	case <-timer.C:
		c.kill()
		return &StopTimeoutError{Path: c.path, Limit: c.stopTimeout}
	}
}

func (c *Capture) kill() {
	_ = c.cmd.Process.Kill()
	<-c.done
}

// lockedBuffer collects stderr of the capture program, which is written by
// the exec copier goroutine and read on failure.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Only the beginning is useful for diagnostics.
	if b.buf.Len() < 4096 {
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
