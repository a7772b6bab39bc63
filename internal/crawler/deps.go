package crawler

import (
	"context"
	"net/netip"
	"time"

	"github.com/nao1215/tbcrawler/internal/job"
	"github.com/nao1215/tbcrawler/internal/model"
	"github.com/nao1215/tbcrawler/internal/tor"
)

// Browser launches one browser per visit.
type Browser interface {
	// Launch starts a browser that sends all traffic through socksAddr.
	Launch(ctx context.Context, socksAddr string) (BrowserSession, error)
}

// BrowserSession is a running browser.
type BrowserSession interface {
	SetSoftTimeout(d time.Duration)
	Navigate(ctx context.Context, url string) error
	PageSource(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, path string) error
	Close() error
}

// Network starts one Tor session per batch.
type Network interface {
	Launch(ctx context.Context) (NetworkSession, error)
}

// NetworkSession is a running Tor session. *tor.Session implements it.
type NetworkSession interface {
	SocksAddr() string
	EntryRelayIPs(ctx context.Context) ([]netip.Addr, error)
	SetConf(ctx context.Context, key, value string) error
	Circuits(ctx context.Context) ([]tor.Circuit, error)
	NewCircuit(ctx context.Context, path []string) (string, error)
	AttachStream(ctx context.Context, streamID, circuitID string) error
	OnStream(ctx context.Context, handler func(tor.StreamEvent)) error
	Close() error
}

// Sniffer starts a packet capture per visit.
type Sniffer interface {
	Start(ctx context.Context, path string) (Capture, error)
}

// Capture is a running packet capture. Stop returns once the capture file
// is flushed.
type Capture interface {
	Stop() error
}

// Checkpointer persists the job before every visit.
// *checkpoint.Checkpointer implements it.
type Checkpointer interface {
	Save(j *job.Job) error
}

// Recorder stores visit records. *database.VisitDB implements it.
type Recorder interface {
	RecordVisit(ctx context.Context, r *model.VisitRecord) error
}

// Deps are the collaborators of an Orchestrator. Checkpointer and Recorder
// are optional.
type Deps struct {
	Browser      Browser
	Network      Network
	Sniffer      Sniffer
	Checkpointer Checkpointer
	Recorder     Recorder
}
