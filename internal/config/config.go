package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
// Timing defaults follow the usual website fingerprinting collection setup:
// the hard visit timeout must leave room for the soft page-load timeout plus
// the in-page dwell time.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "tbcrawler"

	// DefaultBatches is the number of full passes over the URL list.
	DefaultBatches = 10

	// DefaultVisits is the number of consecutive visits to a site per batch.
	DefaultVisits = 4

	// DefaultVariant is the crawl strategy used when none is configured.
	DefaultVariant = "standard"

	// DefaultNaming names visit directories after the site index.
	DefaultNaming = "index"

	// DefaultSoftVisitTimeout is how long the browser itself waits for a page load.
	DefaultSoftVisitTimeout = 100 * time.Second

	// DefaultHardVisitTimeout is the wall-clock ceiling of a whole visit.
	DefaultHardVisitTimeout = 120 * time.Second

	// DefaultScreenshotTimeout bounds a screenshot call that ignores cancellation.
	DefaultScreenshotTimeout = 10 * time.Second

	// DefaultSnifferGrace is the delay between starting the capture and navigating.
	DefaultSnifferGrace = 1 * time.Second

	// DefaultPauseBetweenBatches is the pause after each batch.
	DefaultPauseBetweenBatches = 5 * time.Second

	// DefaultPauseBetweenSites is the pause after all visits to a site.
	DefaultPauseBetweenSites = 1 * time.Second

	// DefaultPauseBetweenVisits is the pause before post-processing a visit.
	DefaultPauseBetweenVisits = 4 * time.Second

	// DefaultPauseInSite is the dwell time on a loaded page.
	DefaultPauseInSite = 5 * time.Second

	// DefaultMaxURLLength is the longest URL that is still crawled.
	// Longer URLs are skipped because they cannot be used in path names.
	DefaultMaxURLLength = 200

	// DefaultTorSocksAddr is the SOCKS5 address of an external Tor.
	DefaultTorSocksAddr = "127.0.0.1:9050"

	// DefaultTorControlAddr is the control port address of an external Tor.
	DefaultTorControlAddr = "127.0.0.1:9051"

	// DefaultTorStartupTimeout is the maximum time to wait for the embedded
	// Tor daemon to bootstrap.
	DefaultTorStartupTimeout = 3 * time.Minute

	// DefaultProbeAddr is dialed through Tor to check a new session works.
	DefaultProbeAddr = "check.torproject.org:443"

	// DefaultCircuitBuildTimeout bounds the wait for a custom circuit to be built.
	DefaultCircuitBuildTimeout = 60 * time.Second

	// DefaultSnifferBinary is the capture program.
	DefaultSnifferBinary = "dumpcap"

	// DefaultSnifferDevice is the capture interface.
	DefaultSnifferDevice = "eth0"

	// DefaultSnifferFilter keeps TCP traffic and drops loopback chatter
	// between the browser and the local Tor SOCKS port.
	DefaultSnifferFilter = "tcp and not host 127.0.0.1"

	// DefaultSnifferStartTimeout bounds the wait for the capture file to appear.
	DefaultSnifferStartTimeout = 10 * time.Second

	// DefaultSnifferStopTimeout bounds the wait for the capture to be flushed.
	DefaultSnifferStopTimeout = 10 * time.Second

	// DefaultFilterConcurrency is the number of captures re-filtered at once.
	DefaultFilterConcurrency = 4
)

// JobConfig describes the shape of a crawl job.
type JobConfig struct {
	// Batches is the number of full passes over all URLs.
	// Each batch runs under a fresh Tor session.
	Batches int `yaml:"batches" json:"batches"`

	// Visits is the number of consecutive visits to each site within a batch.
	Visits int `yaml:"visits" json:"visits"`
}

// CrawlConfig holds the orchestration settings.
type CrawlConfig struct {
	// Variant selects the crawl strategy: standard, middle or multitab.
	Variant string `yaml:"variant" json:"variant"`

	// Naming selects how visit directories are named: index or hostname.
	Naming string `yaml:"naming" json:"naming"`

	// SoftVisitTimeout is the browser page-load timeout.
	SoftVisitTimeout time.Duration `yaml:"softVisitTimeout" json:"soft_visit_timeout"`

	// HardVisitTimeout is the wall-clock ceiling of the visit body
	// (navigation, captcha detection and dwell).
	HardVisitTimeout time.Duration `yaml:"hardVisitTimeout" json:"hard_visit_timeout"`

	// ScreenshotTimeout bounds a single screenshot call.
	ScreenshotTimeout time.Duration `yaml:"screenshotTimeout" json:"screenshot_timeout"`

	// SnifferGrace is the delay between capture start and navigation.
	SnifferGrace time.Duration `yaml:"snifferGrace" json:"sniffer_grace"`

	PauseBetweenBatches time.Duration `yaml:"pauseBetweenBatches" json:"pause_between_batches"`
	PauseBetweenSites   time.Duration `yaml:"pauseBetweenSites" json:"pause_between_sites"`
	PauseBetweenVisits  time.Duration `yaml:"pauseBetweenVisits" json:"pause_between_visits"`
	PauseInSite         time.Duration `yaml:"pauseInSite" json:"pause_in_site"`

	// Screenshots enables a screenshot after every successful navigation.
	Screenshots bool `yaml:"screenshots" json:"screenshots"`

	// Strip removes TCP payloads from the filtered capture.
	Strip bool `yaml:"strip" json:"strip"`

	// MaxURLLength is the longest URL that is crawled; longer ones are skipped.
	MaxURLLength int `yaml:"maxURLLength" json:"max_url_length"`
}

// TorConfig holds the anonymity network settings.
type TorConfig struct {
	// External attaches to a running Tor instead of starting an embedded daemon.
	External bool `yaml:"external" json:"external"`

	// SocksAddr is the SOCKS5 address of the external Tor.
	SocksAddr string `yaml:"socksAddr" json:"socks_addr"`

	// ControlAddr is the control port address of the external Tor.
	ControlAddr string `yaml:"controlAddr" json:"control_addr"`

	// ControlPassword is used when the control port requires HASHEDPASSWORD auth.
	ControlPassword string `yaml:"controlPassword" json:"-"`

	// StartupTimeout bounds the embedded daemon bootstrap.
	StartupTimeout time.Duration `yaml:"startupTimeout" json:"startup_timeout"`

	// CircuitBuildTimeout bounds the wait for a custom circuit.
	CircuitBuildTimeout time.Duration `yaml:"circuitBuildTimeout" json:"circuit_build_timeout"`

	// Torrc holds torrc options applied with SETCONF after the session starts.
	Torrc map[string]string `yaml:"torrc,omitempty" json:"torrc,omitempty"`

	// MiddleFingerprint is the relay forced as middle hop by the middle variant.
	MiddleFingerprint string `yaml:"middleFingerprint,omitempty" json:"middle_fingerprint,omitempty"`

	// ProbeAddr is a host:port dialed through the fresh session before a
	// batch starts. Empty disables the probe.
	ProbeAddr string `yaml:"probeAddr,omitempty" json:"probe_addr,omitempty"`
}

// BrowserConfig holds the browser driver settings.
type BrowserConfig struct {
	// Binary is the browser executable. Empty lets the driver pick one.
	Binary string `yaml:"binary,omitempty" json:"binary,omitempty"`

	// ProfileDir is a profile template cloned for every browser launch.
	ProfileDir string `yaml:"profileDir,omitempty" json:"profile_dir,omitempty"`

	// Headless runs the browser without a display.
	Headless bool `yaml:"headless" json:"headless"`

	// ExtensionLog is the file a browser extension writes during a visit.
	// It is moved into the visit directory after the visit.
	ExtensionLog string `yaml:"extensionLog,omitempty" json:"extension_log,omitempty"`
}

// SnifferConfig holds the packet capture settings.
type SnifferConfig struct {
	Binary       string        `yaml:"binary" json:"binary"`
	Device       string        `yaml:"device" json:"device"`
	Filter       string        `yaml:"filter" json:"filter"`
	StartTimeout time.Duration `yaml:"startTimeout" json:"start_timeout"`
	StopTimeout  time.Duration `yaml:"stopTimeout" json:"stop_timeout"`
}

// Config holds all configuration options for tbcrawler.
// It is populated from the YAML file and CLI flags and passed through
// the application rather than kept in global state.
type Config struct {
	Job     JobConfig     `yaml:"job" json:"job"`
	Crawl   CrawlConfig   `yaml:"crawl" json:"crawl"`
	Tor     TorConfig     `yaml:"tor" json:"tor"`
	Browser BrowserConfig `yaml:"browser" json:"browser"`
	Sniffer SnifferConfig `yaml:"sniffer" json:"sniffer"`

	// URLs is the list of target URLs, loaded from the URL list file.
	URLs []string `yaml:"-" json:"-"`

	// CrawlDir is the root directory of the crawl output.
	CrawlDir string `yaml:"-" json:"-"`

	// ConfigFilePath is the path of the YAML file the config was loaded from.
	ConfigFilePath string `yaml:"-" json:"-"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"-" json:"-"`
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		Job: JobConfig{
			Batches: DefaultBatches,
			Visits:  DefaultVisits,
		},
		Crawl: CrawlConfig{
			Variant:             DefaultVariant,
			Naming:              DefaultNaming,
			SoftVisitTimeout:    DefaultSoftVisitTimeout,
			HardVisitTimeout:    DefaultHardVisitTimeout,
			ScreenshotTimeout:   DefaultScreenshotTimeout,
			SnifferGrace:        DefaultSnifferGrace,
			PauseBetweenBatches: DefaultPauseBetweenBatches,
			PauseBetweenSites:   DefaultPauseBetweenSites,
			PauseBetweenVisits:  DefaultPauseBetweenVisits,
			PauseInSite:         DefaultPauseInSite,
			Screenshots:         true,
			Strip:               true,
			MaxURLLength:        DefaultMaxURLLength,
		},
		Tor: TorConfig{
			SocksAddr:           DefaultTorSocksAddr,
			ControlAddr:         DefaultTorControlAddr,
			StartupTimeout:      DefaultTorStartupTimeout,
			CircuitBuildTimeout: DefaultCircuitBuildTimeout,
			ProbeAddr:           DefaultProbeAddr,
			Torrc:               map[string]string{},
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Sniffer: SnifferConfig{
			Binary:       DefaultSnifferBinary,
			Device:       DefaultSnifferDevice,
			Filter:       DefaultSnifferFilter,
			StartTimeout: DefaultSnifferStartTimeout,
			StopTimeout:  DefaultSnifferStopTimeout,
		},
	}
}

// XDGDataDir returns the XDG data directory for tbcrawler.
// On Linux: ~/.local/share/tbcrawler
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for tbcrawler.
// On Linux: ~/.config/tbcrawler
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// DefaultCrawlDir returns a fresh crawl directory under the XDG data
// directory, named after the crawl start time.
func DefaultCrawlDir(now time.Time) string {
	return filepath.Join(XDGDataDir(), "crawls", now.Format("20060102_150405"))
}

// Validate checks if the configuration is valid.
// It returns the first error found; all of them are configuration errors
// (see IsConfigError).
func (c *Config) Validate() error {
	if len(c.URLs) == 0 {
		return ErrNoURLs
	}
	if c.Job.Batches <= 0 {
		return ErrInvalidBatches
	}
	if c.Job.Visits <= 0 {
		return ErrInvalidVisits
	}

	if c.Crawl.SoftVisitTimeout <= 0 || c.Crawl.HardVisitTimeout <= 0 || c.Crawl.ScreenshotTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Crawl.HardVisitTimeout <= c.Crawl.SoftVisitTimeout {
		return ErrInvalidTimeout
	}

	for _, d := range []time.Duration{
		c.Crawl.SnifferGrace,
		c.Crawl.PauseBetweenBatches,
		c.Crawl.PauseBetweenSites,
		c.Crawl.PauseBetweenVisits,
		c.Crawl.PauseInSite,
	} {
		if d < 0 {
			return ErrInvalidPause
		}
	}

	if c.Crawl.MaxURLLength <= 0 {
		return ErrInvalidMaxURLLength
	}

	switch c.Crawl.Naming {
	case "index", "hostname":
	default:
		return ErrInvalidNaming
	}

	switch c.Crawl.Variant {
	case "standard", "multitab":
	case "middle":
		if !isFingerprint(c.Tor.MiddleFingerprint) {
			return ErrInvalidFingerprint
		}
	default:
		return ErrInvalidVariant
	}

	for _, u := range c.URLs {
		if err := ValidateURL(u); err != nil {
			return err
		}
	}

	return nil
}

// isFingerprint reports whether s looks like a relay fingerprint
// (40 hex characters, optionally prefixed with '$').
func isFingerprint(s string) bool {
	if len(s) == 41 && s[0] == '$' {
		s = s[1:]
	}
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		isDigit := c >= '0' && c <= '9'
		isHex := (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isDigit && !isHex {
			return false
		}
	}
	return true
}
