package crawler

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/nao1215/tbcrawler/internal/job"
	"github.com/nao1215/tbcrawler/internal/model"
	"github.com/nao1215/tbcrawler/internal/tor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// fakeBrowser hands out sessions whose behaviour is scripted per URL.
type fakeBrowser struct {
	mu        sync.Mutex
	launchErr error
	// navigate runs for every navigation; nil succeeds.
	navigate func(ctx context.Context, url string) error
	// source returns the page of url; nil returns a plain page.
	source func(url string) string
	// screenshot runs for every screenshot; nil writes an empty file.
	screenshot func(ctx context.Context, path string) error

	launches  int
	closed    int
	socks     []string
	softTimes []time.Duration
}

func (b *fakeBrowser) Launch(_ context.Context, socksAddr string) (BrowserSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	b.launches++
	b.socks = append(b.socks, socksAddr)
	return &fakeBrowserSession{b: b}, nil
}

type fakeBrowserSession struct {
	b   *fakeBrowser
	url string
}

func (s *fakeBrowserSession) SetSoftTimeout(d time.Duration) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.softTimes = append(s.b.softTimes, d)
}

func (s *fakeBrowserSession) Navigate(ctx context.Context, url string) error {
	s.url = url
	if s.b.navigate != nil {
		return s.b.navigate(ctx, url)
	}
	return nil
}

func (s *fakeBrowserSession) PageSource(context.Context) (string, error) {
	if s.b.source != nil {
		return s.b.source(s.url), nil
	}
	return "<html><body>hello</body></html>", nil
}

func (s *fakeBrowserSession) Screenshot(ctx context.Context, path string) error {
	if s.b.screenshot != nil {
		return s.b.screenshot(ctx, path)
	}
	return os.WriteFile(path, nil, 0600)
}

func (s *fakeBrowserSession) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.closed++
	return nil
}

// fakeNetwork launches fakeSessions. launchErr is consulted per launch.
type fakeNetwork struct {
	mu        sync.Mutex
	launchErr func(n int) error
	entryIPs  []netip.Addr
	launches  int
	sessions  []*fakeSession
}

func (n *fakeNetwork) Launch(context.Context) (NetworkSession, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	i := n.launches
	n.launches++
	if n.launchErr != nil {
		if err := n.launchErr(i); err != nil {
			return nil, err
		}
	}
	s := &fakeSession{socks: "127.0.0.1:9050", entryIPs: n.entryIPs}
	n.sessions = append(n.sessions, s)
	return s, nil
}

type fakeSession struct {
	mu        sync.Mutex
	socks     string
	entryIPs  []netip.Addr
	entryErr  error
	circuits  []tor.Circuit
	circErr   error
	newErr    error
	attachErr error

	conf     map[string]string
	built    [][]string
	attached [][2]string
	handler  func(tor.StreamEvent)
	closed   bool
}

func (s *fakeSession) SocksAddr() string { return s.socks }

func (s *fakeSession) EntryRelayIPs(context.Context) ([]netip.Addr, error) {
	return s.entryIPs, s.entryErr
}

func (s *fakeSession) SetConf(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conf == nil {
		s.conf = make(map[string]string)
	}
	s.conf[key] = value
	return nil
}

func (s *fakeSession) Circuits(context.Context) ([]tor.Circuit, error) {
	return s.circuits, s.circErr
}

func (s *fakeSession) NewCircuit(_ context.Context, path []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.newErr != nil {
		return "", s.newErr
	}
	s.built = append(s.built, path)
	return "42", nil
}

func (s *fakeSession) AttachStream(_ context.Context, streamID, circuitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached = append(s.attached, [2]string{streamID, circuitID})
	return nil
}

func (s *fakeSession) OnStream(_ context.Context, handler func(tor.StreamEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeSniffer creates the capture file on Start.
type fakeSniffer struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	// write creates the capture; nil writes an empty file.
	write   func(path string) error
	started []string
	stopped int
}

func (s *fakeSniffer) Start(_ context.Context, path string) (Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	write := s.write
	if write == nil {
		write = func(path string) error { return os.WriteFile(path, nil, 0600) }
	}
	if err := write(path); err != nil {
		return nil, err
	}
	s.started = append(s.started, path)
	return &fakeCapture{s: s}, nil
}

type fakeCapture struct {
	s *fakeSniffer
}

func (c *fakeCapture) Stop() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.stopped++
	return c.s.stopErr
}

// cursor is a (batch, site, visit) triple.
type cursor struct {
	batch, site, visit int
}

// fakeCheckpointer remembers every save and whether the visit directory
// already existed at that moment.
type fakeCheckpointer struct {
	mu        sync.Mutex
	saves     []cursor
	dirExists []bool
}

func (c *fakeCheckpointer) Save(j *job.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, cursor{j.Batch, j.Site, j.Visit})
	exists := false
	if j.Batch < j.Batches {
		_, err := os.Stat(j.Path())
		exists = err == nil
	}
	c.dirExists = append(c.dirExists, exists)
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []model.VisitRecord
}

func (r *fakeRecorder) RecordVisit(_ context.Context, rec *model.VisitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func (r *fakeRecorder) outcomes() []model.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Outcome, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Outcome
	}
	return out
}

// recordingVariant records the hook calls.
type recordingVariant struct {
	mu        sync.Mutex
	beforeErr error
	postErr   error
	before    int
	post      []cursor
	cleanup   []cursor
}

func (v *recordingVariant) Name() string { return "recording" }

func (v *recordingVariant) BeforeBatch(context.Context, NetworkSession) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.before++
	return v.beforeErr
}

func (v *recordingVariant) PostVisit(_ context.Context, j *job.Job, _ NetworkSession) (PostVisitResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.post = append(v.post, cursor{j.Batch, j.Site, j.Visit})
	return PostVisitResult{}, v.postErr
}

func (v *recordingVariant) CleanupVisit(j *job.Job) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cleanup = append(v.cleanup, cursor{j.Batch, j.Site, j.Visit})
}
