package main

import (
	"context"
	"log/slog"

	"github.com/nao1215/tbcrawler/internal/browser"
	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/nao1215/tbcrawler/internal/crawler"
	"github.com/nao1215/tbcrawler/internal/sniffer"
	"github.com/nao1215/tbcrawler/internal/tor"
)

// browserLauncher starts a fresh browser for every visit, proxied through
// the SOCKS port of the current Tor session.
type browserLauncher struct {
	opts []browser.Option
}

func newBrowserLauncher(cfg config.BrowserConfig, logger *slog.Logger) *browserLauncher {
	return &browserLauncher{opts: []browser.Option{
		browser.WithBinary(cfg.Binary),
		browser.WithProfileDir(cfg.ProfileDir),
		browser.WithHeadless(cfg.Headless),
		browser.WithLogger(logger),
	}}
}

func (b *browserLauncher) Launch(ctx context.Context, socksAddr string) (crawler.BrowserSession, error) {
	opts := append(append([]browser.Option(nil), b.opts...), browser.WithSocksProxy(socksAddr))
	sess, err := browser.New(opts...).Launch(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// torNetwork hands out one Tor session per batch.
type torNetwork struct {
	controller *tor.Controller
}

func (n *torNetwork) Launch(ctx context.Context) (crawler.NetworkSession, error) {
	sess, err := n.controller.Launch(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// dumpcap starts one capture per visit.
type dumpcap struct {
	sniffer *sniffer.Sniffer
}

func newDumpcap(cfg config.SnifferConfig, logger *slog.Logger) *dumpcap {
	return &dumpcap{sniffer: sniffer.New(
		sniffer.WithBinary(cfg.Binary),
		sniffer.WithDevice(cfg.Device),
		sniffer.WithFilter(cfg.Filter),
		sniffer.WithStartTimeout(cfg.StartTimeout),
		sniffer.WithStopTimeout(cfg.StopTimeout),
		sniffer.WithLogger(logger),
	)}
}

func (d *dumpcap) Start(ctx context.Context, path string) (crawler.Capture, error) {
	c, err := d.sniffer.Start(ctx, path)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newDeps wires the real collaborators of a crawl.
func newDeps(cfg *config.Config, logger *slog.Logger) crawler.Deps {
	return crawler.Deps{
		Browser: newBrowserLauncher(cfg.Browser, logger),
		Network: &torNetwork{controller: tor.NewControllerFromConfig(cfg.Tor, logger)},
		Sniffer: newDumpcap(cfg.Sniffer, logger),
	}
}
