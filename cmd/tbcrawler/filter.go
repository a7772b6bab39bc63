package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/nao1215/tbcrawler/internal/database"
	tblog "github.com/nao1215/tbcrawler/internal/log"
	"github.com/nao1215/tbcrawler/internal/pcapfilter"
	"github.com/spf13/cobra"
)

// ErrFilterFailed is returned when at least one capture could not be filtered.
var ErrFilterFailed = errors.New("some captures could not be filtered")

// NewFilterCmd creates the filter command.
func NewFilterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter <crawl-dir>",
		Short: "Re-filter the captures of a crawl",
		Long: `Filter rewrites every capture of a crawl directory so it only holds the
TCP packets exchanged with the entry relay of its visit.

Entry relays are taken from the visit log written during the crawl. Use
--entry-ip for captures the log has no relays for. The raw capture is kept
next to the filtered one with an ".original" suffix and is always used as
the source, so a crawl can be filtered again with other settings.

Examples:
  # Filter again, keeping payloads this time
  tbcrawler filter --strip=false ./traces

  # Filter a crawl without a visit log
  tbcrawler filter --entry-ip 198.51.100.7 ./traces`,
		Args: cobra.ExactArgs(1),
		RunE: runFilterCmd,
	}

	cmd.Flags().Bool("strip", true, "Remove TCP payloads from the filtered captures")
	cmd.Flags().IntP("concurrency", "j", config.DefaultFilterConcurrency, "Captures filtered at once")
	cmd.Flags().StringSlice("entry-ip", nil, "Entry relay addresses used when the visit log has none")

	return cmd
}

func runFilterCmd(cmd *cobra.Command, args []string) error {
	root := args[0]

	strip, err := cmd.Flags().GetBool("strip")
	if err != nil {
		return err
	}
	concurrency, err := cmd.Flags().GetInt("concurrency")
	if err != nil {
		return err
	}
	rawIPs, err := cmd.Flags().GetStringSlice("entry-ip")
	if err != nil {
		return err
	}
	ips, err := parseAddrs(rawIPs)
	if err != nil {
		return err
	}

	logger := tblog.NewSecureLogger(cmd.ErrOrStderr(), getVerboseFlag(cmd))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []pcapfilter.Option{
		pcapfilter.WithStrip(strip),
		pcapfilter.WithConcurrency(concurrency),
		pcapfilter.WithLogger(logger),
	}

	db, err := database.Open(root, database.ReadOnlyOptions())
	switch {
	case err == nil:
		defer db.Close()
		opts = append(opts, pcapfilter.WithResolver(db.CaptureResolver(ctx)))
	case errors.Is(err, database.ErrNotFound) && len(ips) > 0:
		logger.Info("no visit log, filtering on the given entry relays", "root", root)
	default:
		return err
	}

	results, err := pcapfilter.Refilter(ctx, root, ips, opts...)
	if err != nil {
		return err
	}
	return printFilterResults(cmd.OutOrStdout(), root, results)
}

func parseAddrs(raw []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid entry relay address %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

func printFilterResults(out io.Writer, root string, results []pcapfilter.Result) error {
	failed := 0
	for _, res := range results {
		name := res.Path
		if rel, err := filepath.Rel(root, res.Path); err == nil {
			name = rel
		}
		if res.Err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", name, res.Err)
			continue
		}
		fmt.Fprintf(out, "ok   %s read=%d kept=%d stripped=%d\n",
			name, res.Stats.Read, res.Stats.Kept, res.Stats.Stripped)
	}
	fmt.Fprintf(out, "\n%d captures, %d failed\n", len(results), failed)

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrFilterFailed, failed, len(results))
	}
	return nil
}
