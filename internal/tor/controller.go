package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/nao1215/tornago"
)

// circuitPollInterval is how often NewCircuit checks the build status.
const circuitPollInterval = 250 * time.Millisecond

// controlTimeout bounds every command sent through tornago's control client.
const controlTimeout = 10 * time.Second

// Controller hands out one Tor session per batch.
//
// In embedded mode every session is a freshly started daemon. In external
// mode sessions share a running Tor and each one begins with NEWNYM so no
// circuit is reused across batches.
type Controller struct {
	external       bool
	socksAddr      string
	controlAddr    string
	password       string
	startupTimeout time.Duration
	circuitTimeout time.Duration
	torrc          map[string]string
	probeAddr      string
	logger         *slog.Logger

	startDaemon startDaemonFunc
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithExternal attaches to a running Tor at the given SOCKS and control
// addresses instead of starting an embedded daemon.
func WithExternal(socksAddr, controlAddr string) ControllerOption {
	return func(c *Controller) {
		c.external = true
		c.socksAddr = socksAddr
		c.controlAddr = controlAddr
	}
}

// WithControlPassword sets the password for HASHEDPASSWORD authentication.
func WithControlPassword(password string) ControllerOption {
	return func(c *Controller) {
		c.password = password
	}
}

// WithStartupTimeout bounds the embedded daemon bootstrap.
func WithStartupTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.startupTimeout = d
		}
	}
}

// WithCircuitBuildTimeout bounds NewCircuit.
func WithCircuitBuildTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.circuitTimeout = d
		}
	}
}

// WithTorrc sets torrc options applied with SETCONF to every session.
func WithTorrc(torrc map[string]string) ControllerOption {
	return func(c *Controller) {
		c.torrc = torrc
	}
}

// WithProbeAddr sets the host:port dialed through every new session.
// An empty address disables the probe.
func WithProbeAddr(addr string) ControllerOption {
	return func(c *Controller) {
		c.probeAddr = addr
	}
}

// WithControllerLogger sets the logger.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a controller. Without WithExternal it runs an
// embedded daemon per session.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		startupTimeout: config.DefaultTorStartupTimeout,
		circuitTimeout: config.DefaultCircuitBuildTimeout,
		logger:         slog.Default(),
		startDaemon:    startEmbedded,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewControllerFromConfig maps the tor section of cfg to controller options.
func NewControllerFromConfig(cfg config.TorConfig, logger *slog.Logger) *Controller {
	opts := []ControllerOption{
		WithControlPassword(cfg.ControlPassword),
		WithStartupTimeout(cfg.StartupTimeout),
		WithCircuitBuildTimeout(cfg.CircuitBuildTimeout),
		WithTorrc(cfg.Torrc),
		WithProbeAddr(cfg.ProbeAddr),
		WithControllerLogger(logger),
	}
	if cfg.External {
		opts = append(opts, WithExternal(cfg.SocksAddr, cfg.ControlAddr))
	}
	return NewController(opts...)
}

// Session is one Tor session: a SOCKS address plus two authenticated
// control connections. Configuration, circuit status and NEWNYM go through
// tornago's ControlClient; STREAM events, EXTENDCIRCUIT, ATTACHSTREAM and
// relay lookups go through a ControlConn. Close releases both and stops an
// embedded daemon.
type Session struct {
	ctrl           *tornago.ControlClient
	events         *ControlConn
	daemon         daemon
	socksAddr      string
	circuitTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Launch starts (embedded) or attaches to (external) Tor and returns a
// ready session: the SOCKS port answers like Tor, the control connection is
// authenticated and the configured torrc options are applied.
func (c *Controller) Launch(ctx context.Context) (*Session, error) {
	socksAddr, controlAddr := c.socksAddr, c.controlAddr

	var d daemon
	if !c.external {
		c.logger.Info("starting embedded Tor daemon", "timeout", c.startupTimeout)
		var err error
		d, err = c.startDaemon(ctx, c.startupTimeout)
		if err != nil {
			return nil, err
		}
		socksAddr, controlAddr = d.SocksAddr(), d.ControlAddr()
	}

	s, err := c.open(ctx, d, socksAddr, controlAddr)
	if err != nil {
		if d != nil {
			_ = d.Stop() //nolint:errcheck // best effort cleanup
		}
		return nil, err
	}
	c.logger.Info("Tor session ready", "socks", socksAddr, "control", controlAddr, "external", c.external)
	return s, nil
}

func (c *Controller) open(ctx context.Context, d daemon, socksAddr, controlAddr string) (*Session, error) {
	if !isValidProxyAddress(socksAddr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProxyAddress, socksAddr)
	}
	if err := CheckProxy(ctx, socksAddr).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", socksAddr, err)
	}

	events, err := DialControl(ctx, controlAddr, c.logger)
	if err != nil {
		return nil, err
	}
	auth, err := c.authenticate(ctx, events)
	if err != nil {
		_ = events.Close()
		return nil, err
	}

	ctrl, err := tornago.NewControlClient(controlAddr, auth, controlTimeout)
	if err != nil {
		_ = events.Close()
		return nil, fmt.Errorf("failed to connect to control port %s: %w", controlAddr, err)
	}
	s := &Session{
		ctrl:           ctrl,
		events:         events,
		daemon:         d,
		socksAddr:      socksAddr,
		circuitTimeout: c.circuitTimeout,
		pollInterval:   circuitPollInterval,
		logger:         c.logger,
	}

	if err := c.prepare(ctx, s); err != nil {
		_ = ctrl.Close()
		_ = events.Close()
		return nil, err
	}
	return s, nil
}

// authenticate picks the credentials from PROTOCOLINFO and authenticates
// the event connection with them.
func (c *Controller) authenticate(ctx context.Context, events *ControlConn) (tornago.ControlAuth, error) {
	methods, cookieFile, err := events.ProtocolInfo(ctx)
	if err != nil {
		return tornago.ControlAuth{}, err
	}
	auth, err := chooseAuth(methods, cookieFile, c.password)
	if err != nil {
		return tornago.ControlAuth{}, err
	}
	if err := events.Authenticate(ctx, auth); err != nil {
		return tornago.ControlAuth{}, err
	}
	return auth, nil
}

func (c *Controller) prepare(ctx context.Context, s *Session) error {
	if err := s.ctrl.Authenticate(); err != nil {
		return fmt.Errorf("%w: %w", ErrControlAuth, err)
	}

	keys := make([]string, 0, len(c.torrc))
	for k := range c.torrc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.ctrl.SetConf(ctx, k, c.torrc[k]); err != nil {
			return fmt.Errorf("failed to apply torrc option %s: %w", k, err)
		}
	}

	if c.external {
		if err := s.ctrl.NewIdentity(ctx); err != nil {
			return fmt.Errorf("failed to request a fresh identity: %w", err)
		}
	}

	if c.probeAddr != "" {
		if err := Probe(ctx, s.socksAddr, c.probeAddr); err != nil {
			return err
		}
	}
	return nil
}

// SocksAddr returns the SOCKS5 address the browser must use.
func (s *Session) SocksAddr() string {
	return s.socksAddr
}

// Circuits returns the current circuits.
func (s *Session) Circuits(ctx context.Context) ([]Circuit, error) {
	infos, err := s.ctrl.GetCircuitStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list circuits: %w", err)
	}
	return toCircuits(infos), nil
}

// EntryRelayIPs returns the addresses of the first hop of every built
// circuit. Relays that cannot be resolved are logged and skipped.
func (s *Session) EntryRelayIPs(ctx context.Context) ([]netip.Addr, error) {
	circuits, err := s.Circuits(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	seenAddr := make(map[netip.Addr]bool)
	var addrs []netip.Addr
	for _, circ := range circuits {
		if circ.Status != CircuitBuilt || len(circ.Path) == 0 {
			continue
		}
		fp := circ.Path[0]
		if seen[fp] {
			continue
		}
		seen[fp] = true

		// The router status is a multi-line value, which tornago's GetInfo
		// does not return.
		v, err := s.events.GetInfo(ctx, "ns/id/"+fp)
		if err != nil {
			s.logger.Warn("failed to look up entry relay", "fingerprint", fp, "error", err)
			continue
		}
		relayAddrs, err := parseRelayAddrs(v)
		if err != nil {
			s.logger.Warn("failed to parse entry relay", "fingerprint", fp, "error", err)
			continue
		}
		for _, a := range relayAddrs {
			if !seenAddr[a] {
				seenAddr[a] = true
				addrs = append(addrs, a)
			}
		}
	}

	if len(addrs) == 0 {
		return nil, ErrNoEntryRelays
	}
	return addrs, nil
}

// SetConf sets one configuration option on the running Tor.
func (s *Session) SetConf(ctx context.Context, key, value string) error {
	return s.ctrl.SetConf(ctx, key, value)
}

// NewCircuit builds a circuit through the given relay fingerprints and
// waits until Tor reports it BUILT.
func (s *Session) NewCircuit(ctx context.Context, path []string) (string, error) {
	hops := make([]string, len(path))
	for i, fp := range path {
		hops[i] = strings.TrimPrefix(fp, "$")
	}

	r, err := s.events.Command(ctx, "EXTENDCIRCUIT 0 "+strings.Join(hops, ","))
	if err != nil {
		return "", fmt.Errorf("failed to extend circuit: %w", err)
	}
	id, ok := strings.CutPrefix(r.Text(), "EXTENDED ")
	if !ok || id == "" {
		return "", fmt.Errorf("%w: unexpected EXTENDCIRCUIT reply %q", ErrControlProtocol, r.Text())
	}

	// The build timeout is kept off the polls so a GETINFO is never cut off
	// halfway through its reply.
	deadline := time.NewTimer(s.circuitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		circuits, err := s.Circuits(ctx)
		if err != nil {
			return "", err
		}
		status := ""
		for _, c := range circuits {
			if c.ID == id {
				status = c.Status
				break
			}
		}
		switch status {
		case CircuitBuilt:
			return id, nil
		case CircuitFailed, CircuitClosed, "":
			// A circuit that vanished from the list was closed.
			return "", fmt.Errorf("%w: circuit %s", ErrCircuitFailed, id)
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return "", fmt.Errorf("%w: circuit %s", ErrCircuitTimeout, id)
		case <-ctx.Done():
			return "", fmt.Errorf("circuit %s: %w", id, ctx.Err())
		}
	}
}

// AttachStream attaches a stream to a circuit. Streams can only be attached
// while __LeaveStreamsUnattached is set.
func (s *Session) AttachStream(ctx context.Context, streamID, circuitID string) error {
	if _, err := s.events.Command(ctx, "ATTACHSTREAM "+streamID+" "+circuitID); err != nil {
		return fmt.Errorf("failed to attach stream %s to circuit %s: %w", streamID, circuitID, err)
	}
	return nil
}

// OnStream subscribes to STREAM events. The handler runs on the event
// dispatcher and may call other session methods.
func (s *Session) OnStream(ctx context.Context, handler func(StreamEvent)) error {
	return s.events.AddEventHandler(ctx, "STREAM", func(ev Event) {
		se, err := parseStreamEvent(ev.Fields)
		if err != nil {
			s.logger.Warn("ignoring stream event", "error", err)
			return
		}
		handler(se)
	})
}

// Close closes the control connection and stops an embedded daemon.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		err := errors.Join(s.ctrl.Close(), s.events.Close())
		if s.daemon != nil {
			if stopErr := s.daemon.Stop(); stopErr != nil {
				err = errors.Join(err, fmt.Errorf("failed to stop Tor daemon: %w", stopErr))
			}
		}
		s.closeErr = err
	})
	return s.closeErr
}

// ReplaceMiddle returns a copy of a three hop path with the middle relay
// replaced by fp.
func ReplaceMiddle(path []string, fp string) ([]string, error) {
	if len(path) != 3 {
		return nil, fmt.Errorf("%w: expected 3 hops, got %d", ErrCircuitFailed, len(path))
	}
	out := append([]string(nil), path...)
	out[1] = strings.ToUpper(strings.TrimPrefix(fp, "$"))
	return out, nil
}

// RandomBuiltCircuit picks a built circuit with exactly three hops.
func RandomBuiltCircuit(circuits []Circuit) (Circuit, bool) {
	var candidates []Circuit
	for _, c := range circuits {
		if c.Status == CircuitBuilt && len(c.Path) == 3 {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return Circuit{}, false
	}
	return candidates[rand.IntN(len(candidates))], true //nolint:gosec // sampling, not security
}
