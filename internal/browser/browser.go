package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/nao1215/tbcrawler/internal/config"
)

// ErrLaunchFailed is returned when the browser cannot be started or connected to.
var ErrLaunchFailed = errors.New("failed to launch browser")

// DefaultSoftTimeout is the page load timeout until SetSoftTimeout is called.
const DefaultSoftTimeout = 100 * time.Second

// Driver launches browser sessions.
type Driver struct {
	binary     string
	socksProxy string
	headless   bool
	profileDir string
	logger     *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithBinary sets the browser executable. When empty, a locally installed
// Chromium-family browser is looked up.
func WithBinary(path string) Option {
	return func(d *Driver) {
		d.binary = path
	}
}

// WithSocksProxy routes all browser traffic through the SOCKS5 proxy at addr
// (host:port). Host names are resolved by the proxy.
func WithSocksProxy(addr string) Option {
	return func(d *Driver) {
		d.socksProxy = addr
	}
}

// WithHeadless runs the browser without a window.
func WithHeadless(headless bool) Option {
	return func(d *Driver) {
		d.headless = headless
	}
}

// WithProfileDir sets a profile that is cloned for every launch.
func WithProfileDir(dir string) Option {
	return func(d *Driver) {
		d.profileDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// New creates a Driver.
func New(opts ...Option) *Driver {
	d := &Driver{headless: true}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Session is one running browser with a single page.
type Session struct {
	launcher   *launcher.Launcher
	browser    *rod.Browser
	page       *rod.Page
	profileDir string
	logger     *slog.Logger

	mu          sync.Mutex
	softTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Launch starts a browser and opens a blank page.
func (d *Driver) Launch(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	profile, err := cloneProfile(d.profileDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	l := launcher.New().
		Headless(d.headless).
		UserDataDir(profile).
		Set("disable-background-networking").
		Set("no-first-run")
	if bin := d.resolveBinary(); bin != "" {
		l = l.Bin(bin)
	}
	if d.socksProxy != "" {
		l = l.Proxy("socks5://" + d.socksProxy)
	}

	s := &Session{
		launcher:    l,
		profileDir:  profile,
		logger:      d.logger,
		softTimeout: DefaultSoftTimeout,
	}

	controlURL, err := l.Launch()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("%w: failed to connect: %w", ErrLaunchFailed, err)
	}
	s.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: failed to open page: %w", ErrLaunchFailed, err)
	}
	s.page = page

	d.logger.Debug("browser launched", "profile", profile, "proxy", d.socksProxy)
	return s, nil
}

func (d *Driver) resolveBinary() string {
	if d.binary != "" {
		return d.binary
	}
	if path, ok := launcher.LookPath(); ok {
		return path
	}
	return ""
}

// SetSoftTimeout sets how long Navigate waits for the page to load.
func (s *Session) SetSoftTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.softTimeout = d
	s.mu.Unlock()
}

func (s *Session) soft() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.softTimeout
}

// Navigate loads url and waits for the load event. A malformed url is a
// configuration error. Exceeding the soft timeout or ctx yields an error
// whose Timeout method reports true.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := config.ValidateURL(url); err != nil {
		return err
	}

	p := s.page.Context(ctx).Timeout(s.soft())
	defer p.CancelTimeout()

	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("failed to load %s: %w", url, err)
	}
	return nil
}

// PageSource returns the HTML of the current page.
func (s *Session) PageSource(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("failed to get page source: %w", err)
	}
	return html, nil
}

// Screenshot writes a PNG of the visible page to path.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	img, err := s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return fmt.Errorf("failed to capture screenshot: %w", err)
	}
	if err := os.WriteFile(path, img, 0600); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	return nil
}

// Close quits the browser and removes the cloned profile.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				s.logger.Debug("browser did not close cleanly", "error", err)
			}
		}
		s.cleanup()
	})
	return s.closeErr
}

// cleanup does not use launcher.Cleanup, which blocks forever when the
// process never started.
func (s *Session) cleanup() {
	s.launcher.Kill()
	if s.profileDir != "" {
		if err := os.RemoveAll(s.profileDir); err != nil {
			s.closeErr = fmt.Errorf("failed to remove profile %s: %w", s.profileDir, err)
		}
	}
}
