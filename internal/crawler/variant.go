package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/nao1215/tbcrawler/internal/job"
	"github.com/nao1215/tbcrawler/internal/pcapfilter"
	"github.com/nao1215/tbcrawler/internal/tor"
)

// Kind names a crawl strategy.
type Kind string

const (
	// KindStandard filters every capture down to the entry relay traffic.
	KindStandard Kind = "standard"

	// KindMiddle is standard with every stream routed over a circuit whose
	// middle hop is a fixed relay.
	KindMiddle Kind = "middle"

	// KindMultitab is standard; the hook is kept for a multi-tab visit mode.
	KindMultitab Kind = "multitab"
)

// ParseKind converts a configured variant name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindStandard, KindMiddle, KindMultitab:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", config.ErrInvalidVariant, s)
	}
}

// PostVisitResult is what PostVisit learned about a visit.
type PostVisitResult struct {
	EntryIPs []netip.Addr
	Filter   pcapfilter.Stats
}

// Variant is the per strategy behaviour plugged into the crawl loop.
type Variant interface {
	Name() string

	// BeforeBatch runs once per batch right after the Tor session started.
	// An error skips the batch.
	BeforeBatch(ctx context.Context, sess NetworkSession) error

	// PostVisit runs after a successful visit. Errors degrade the visit's
	// artifacts but do not fail it.
	PostVisit(ctx context.Context, j *job.Job, sess NetworkSession) (PostVisitResult, error)

	// CleanupVisit runs after every visit that got as far as its directory.
	CleanupVisit(j *job.Job)
}

// VariantOptions configures the variants.
type VariantOptions struct {
	// PauseBetweenVisits is waited before the capture is post-processed so
	// late packets still reach the file.
	PauseBetweenVisits time.Duration

	// Strip removes TCP payloads from kept packets.
	Strip bool

	// ExtensionLog is the file a browser extension writes during a visit.
	ExtensionLog string

	// MiddleFingerprint is the relay pinned as middle hop (middle variant).
	MiddleFingerprint string

	Sleep  SleepFunc
	Logger *slog.Logger
}

// VariantOptionsFromConfig maps cfg to variant options.
func VariantOptionsFromConfig(cfg *config.Config, logger *slog.Logger) VariantOptions {
	return VariantOptions{
		PauseBetweenVisits: cfg.Crawl.PauseBetweenVisits,
		Strip:              cfg.Crawl.Strip,
		ExtensionLog:       cfg.Browser.ExtensionLog,
		MiddleFingerprint:  cfg.Tor.MiddleFingerprint,
		Logger:             logger,
	}
}

// NewVariant builds the strategy for kind.
func NewVariant(kind Kind, opts VariantOptions) (Variant, error) {
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	std := &standard{name: string(kind), opts: opts, logger: opts.Logger.With("variant", string(kind))}
	switch kind {
	case KindStandard, KindMultitab:
		return std, nil
	case KindMiddle:
		fp := strings.TrimPrefix(opts.MiddleFingerprint, "$")
		if len(fp) != 40 {
			return nil, fmt.Errorf("%w: %q", config.ErrInvalidFingerprint, opts.MiddleFingerprint)
		}
		return &middle{standard: std, fingerprint: strings.ToUpper(fp)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidVariant, kind)
	}
}

type standard struct {
	name   string
	opts   VariantOptions
	logger *slog.Logger
}

func (s *standard) Name() string {
	return s.name
}

func (s *standard) BeforeBatch(context.Context, NetworkSession) error {
	return nil
}

// PostVisit waits for late packets, filters the capture against the entry
// relays of the session and moves the extension log into the visit
// directory.
func (s *standard) PostVisit(ctx context.Context, j *job.Job, sess NetworkSession) (PostVisitResult, error) {
	var res PostVisitResult
	if err := s.opts.Sleep(ctx, s.opts.PauseBetweenVisits); err != nil {
		return res, err
	}

	var errs []error
	ips, err := sess.EntryRelayIPs(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to get entry relays: %w", err))
	} else {
		res.EntryIPs = ips
		stats, err := pcapfilter.Filter(j.PcapPath(), ips, pcapfilter.WithStrip(s.opts.Strip), pcapfilter.WithLogger(s.logger))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to filter capture: %w", err))
		}
		res.Filter = stats
	}

	if err := s.moveExtensionLog(j); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// CleanupVisit removes an extension log left behind, so the next visit
// does not pick it up.
func (s *standard) CleanupVisit(*job.Job) {
	if s.opts.ExtensionLog == "" {
		return
	}
	if err := os.Remove(s.opts.ExtensionLog); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove stale extension log", "path", s.opts.ExtensionLog, "error", err)
	}
}

func (s *standard) moveExtensionLog(j *job.Job) error {
	if s.opts.ExtensionLog == "" {
		return nil
	}
	dst := j.ExtensionLogPath()
	err := os.Rename(s.opts.ExtensionLog, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	}

	// Rename fails across file systems; copy instead.
	if err := copyFile(s.opts.ExtensionLog, dst); err != nil {
		return fmt.Errorf("failed to move extension log: %w", err)
	}
	return os.Remove(s.opts.ExtensionLog)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // configured extension log path
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // inside the visit directory
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// middle pins the middle hop of every stream's circuit.
type middle struct {
	*standard
	fingerprint string
}

// BeforeBatch makes Tor leave new streams unattached and attaches each of
// them to a fresh circuit through the pinned middle relay.
func (m *middle) BeforeBatch(ctx context.Context, sess NetworkSession) error {
	if err := sess.SetConf(ctx, "__LeaveStreamsUnattached", "1"); err != nil {
		return fmt.Errorf("failed to leave streams unattached: %w", err)
	}
	return sess.OnStream(ctx, func(ev tor.StreamEvent) {
		if ev.Status != tor.StreamNew {
			return
		}
		if err := m.attach(ctx, sess, ev); err != nil {
			m.logger.Warn("failed to attach stream to pinned circuit", "stream", ev.ID, "target", ev.Target, "error", err)
		}
	})
}

func (m *middle) attach(ctx context.Context, sess NetworkSession, ev tor.StreamEvent) error {
	circuits, err := sess.Circuits(ctx)
	if err != nil {
		return err
	}
	base, ok := tor.RandomBuiltCircuit(circuits)
	if !ok {
		return fmt.Errorf("%w: no built three hop circuit to copy", tor.ErrCircuitFailed)
	}
	path, err := tor.ReplaceMiddle(base.Path, m.fingerprint)
	if err != nil {
		return err
	}
	id, err := sess.NewCircuit(ctx, path)
	if err != nil {
		return err
	}
	m.logger.Debug("attaching stream", "stream", ev.ID, "circuit", id, "target", ev.Target)
	return sess.AttachStream(ctx, ev.ID, id)
}
