package tor

import (
	"context"
	"fmt"
	"time"

	"github.com/nao1215/tornago"
)

// daemon is a running Tor process owned by a session.
type daemon interface {
	SocksAddr() string
	ControlAddr() string
	Stop() error
}

// startDaemonFunc starts a Tor process and waits until it has bootstrapped.
type startDaemonFunc func(ctx context.Context, startupTimeout time.Duration) (daemon, error)

// startEmbedded launches a tornago managed Tor daemon on OS assigned ports.
// Every call gets a fresh data directory and therefore a fresh guard.
// Bootstrapping typically takes one to three minutes.
func startEmbedded(ctx context.Context, startupTimeout time.Duration) (daemon, error) {
	cfg, err := tornago.NewTorLaunchConfig(
		tornago.WithTorSocksAddr(":0"),
		tornago.WithTorControlAddr(":0"),
		tornago.WithTorStartupTimeout(startupTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Tor launch config: %w", err)
	}

	type result struct {
		process *tornago.TorProcess
		err     error
	}
	done := make(chan result, 1)
	go func() {
		p, err := tornago.StartTorDaemon(cfg)
		done <- result{process: p, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to start embedded Tor daemon: %w", r.err)
		}
		return r.process, nil
	case <-ctx.Done():
		// StartTorDaemon cannot be interrupted; stop the process once it is up.
		go func() {
			if r := <-done; r.err == nil {
				_ = r.process.Stop() //nolint:errcheck // best effort cleanup
			}
		}()
		return nil, ctx.Err()
	}
}
