package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nao1215/tbcrawler/internal/checkpoint"
	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/nao1215/tbcrawler/internal/crawler"
	"github.com/nao1215/tbcrawler/internal/database"
	"github.com/nao1215/tbcrawler/internal/job"
	tblog "github.com/nao1215/tbcrawler/internal/log"
	"github.com/nao1215/tbcrawler/internal/report"
	"github.com/nao1215/tbcrawler/internal/tor"
	"github.com/spf13/cobra"
)

// ErrCrawlExists is returned when the output directory already holds a
// crawl that can be resumed.
var ErrCrawlExists = errors.New("crawl directory already holds a checkpoint")

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Start a new crawl",
		Long: `Crawl visits every URL of the list through Tor and records the traffic.

For every batch a fresh Tor session is started. Within a batch each URL is
visited --visits times in a row; every visit gets its own directory
<batch>_<site>_<instance> holding the filtered capture, the page source and
a screenshot. Visits on which a captcha was detected are prefixed with
"captcha_".

A checkpoint is written before every visit. An interrupted crawl can be
continued with "tbcrawler resume <crawl-dir>".

Examples:
  # Crawl with the default settings
  tbcrawler crawl --urls urls.txt

  # 2 batches of 3 visits per site, written to ./traces
  tbcrawler crawl -u urls.txt -b 2 -n 3 -o traces

  # Use a running Tor and capture on wlan0
  tbcrawler crawl -u urls.txt --external-tor -i wlan0

  # Pin the middle relay of every circuit
  tbcrawler crawl -u urls.txt --variant middle --middle-fingerprint <fp>`,
		Args: cobra.NoArgs,
		RunE: runCrawlCmd,
	}

	cmd.Flags().StringP("urls", "u", "", "File with one URL per line")
	cmd.Flags().StringP("config", "c", "",
		"Configuration file path (default: .tbcrawler in current or home directory)")
	cmd.Flags().StringP("output", "o", "",
		"Crawl directory (default: a new directory under the XDG data directory)")

	cmd.Flags().IntP("batches", "b", config.DefaultBatches, "Number of batches")
	cmd.Flags().IntP("visits", "n", config.DefaultVisits, "Visits per site and batch")
	cmd.Flags().String("variant", config.DefaultVariant, "Crawl variant: standard, middle or multitab")
	cmd.Flags().String("naming", config.DefaultNaming, "Visit directory naming: index or hostname")
	cmd.Flags().String("middle-fingerprint", "", "Relay pinned as middle hop (middle variant)")
	cmd.Flags().Bool("screenshots", true, "Take a screenshot of every loaded page")
	cmd.Flags().Bool("strip", true, "Remove TCP payloads from the filtered captures")

	cmd.Flags().Bool("external-tor", false, "Attach to a running Tor instead of starting one per batch")
	cmd.Flags().String("socks-addr", config.DefaultTorSocksAddr, "SOCKS5 address of the external Tor")
	cmd.Flags().String("control-addr", config.DefaultTorControlAddr, "Control port address of the external Tor")

	cmd.Flags().String("browser", "", "Browser executable (default: a locally installed Chromium)")
	cmd.Flags().String("profile", "", "Browser profile cloned for every visit")
	cmd.Flags().Bool("headless", true, "Run the browser without a window")
	cmd.Flags().StringP("device", "i", config.DefaultSnifferDevice, "Capture interface")

	_ = cmd.MarkFlagRequired("urls")

	return cmd
}

func runCrawlCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd, time.Now())
	if err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	cpPath := filepath.Join(cfg.CrawlDir, checkpoint.FileName)
	if _, err := os.Stat(cpPath); err == nil {
		return fmt.Errorf("%w: %s (use 'tbcrawler resume %s')", ErrCrawlExists, cfg.CrawlDir, cfg.CrawlDir)
	}

	j, err := job.New(cfg.URLs, cfg.Job.Batches, cfg.Job.Visits, cfg.CrawlDir,
		job.WithNaming(job.Naming(cfg.Crawl.Naming)))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, closer, err := tblog.NewCrawlLogger(cmd.ErrOrStderr(), cfg.CrawlDir, cfg.Verbose)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Crawling %d URLs into %s\n", len(cfg.URLs), cfg.CrawlDir)
	return executeCrawl(ctx, cmd.OutOrStdout(), cfg, j, newDeps(cfg, logger), logger)
}

// buildConfig loads the configuration file and applies the flags that were
// set on the command line on top of it.
func buildConfig(cmd *cobra.Command, now time.Time) (*config.Config, error) {
	flags := cmd.Flags()

	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}

	cfg := config.NewConfig()
	if found := config.FindConfigFile(configPath); found != "" {
		cfg, err = config.LoadConfigFile(found)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", found, err)
		}
	} else if configPath != "" {
		return nil, fmt.Errorf("%w: %s", config.ErrConfigNotFound, configPath)
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}

	urlsPath, err := flags.GetString("urls")
	if err != nil {
		return nil, err
	}
	if cfg.URLs, err = config.LoadURLList(urlsPath); err != nil {
		return nil, err
	}

	if cfg.CrawlDir, err = flags.GetString("output"); err != nil {
		return nil, err
	}
	if cfg.CrawlDir == "" {
		cfg.CrawlDir = config.DefaultCrawlDir(now)
	}
	cfg.Verbose = getVerboseFlag(cmd)

	return cfg, nil
}

// applyFlags copies every changed flag into cfg. Unchanged flags keep the
// value from the configuration file.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error

	ints := map[string]*int{
		"batches": &cfg.Job.Batches,
		"visits":  &cfg.Job.Visits,
	}
	for name, dst := range ints {
		if flags.Changed(name) {
			if *dst, err = flags.GetInt(name); err != nil {
				return err
			}
		}
	}

	strs := map[string]*string{
		"variant":            &cfg.Crawl.Variant,
		"naming":             &cfg.Crawl.Naming,
		"middle-fingerprint": &cfg.Tor.MiddleFingerprint,
		"socks-addr":         &cfg.Tor.SocksAddr,
		"control-addr":       &cfg.Tor.ControlAddr,
		"browser":            &cfg.Browser.Binary,
		"profile":            &cfg.Browser.ProfileDir,
		"device":             &cfg.Sniffer.Device,
	}
	for name, dst := range strs {
		if flags.Changed(name) {
			if *dst, err = flags.GetString(name); err != nil {
				return err
			}
		}
	}

	bools := map[string]*bool{
		"screenshots":  &cfg.Crawl.Screenshots,
		"strip":        &cfg.Crawl.Strip,
		"external-tor": &cfg.Tor.External,
		"headless":     &cfg.Browser.Headless,
	}
	for name, dst := range bools {
		if flags.Changed(name) {
			if *dst, err = flags.GetBool(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateConfig checks cfg and the onion addresses of its URL list.
func validateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, u := range cfg.URLs {
		if err := tor.ValidateURLHost(u); err != nil {
			return err
		}
	}
	return nil
}

// executeCrawl runs j with deps and prints a summary when it ends. The
// checkpoint is removed once every batch has run.
func executeCrawl(ctx context.Context, out io.Writer, cfg *config.Config, j *job.Job, deps crawler.Deps, logger *slog.Logger) error {
	cp := checkpoint.New(filepath.Join(j.Root, checkpoint.FileName), logger, checkpoint.WithConfig(cfg))

	db, err := database.Open(j.Root, database.DefaultOptions())
	if err != nil {
		return err
	}
	defer db.Close()

	deps.Checkpointer = cp
	deps.Recorder = db

	kind, err := crawler.ParseKind(cfg.Crawl.Variant)
	if err != nil {
		return err
	}
	variant, err := crawler.NewVariant(kind, crawler.VariantOptionsFromConfig(cfg, logger))
	if err != nil {
		return err
	}

	opts := append(crawler.OptionsFromConfig(cfg.Crawl), crawler.WithLogger(logger))
	orchestrator, err := crawler.New(deps, variant, opts...)
	if err != nil {
		return err
	}

	runErr := orchestrator.Run(ctx, j)
	if runErr == nil {
		if err := cp.Remove(); err != nil {
			logger.Warn("failed to remove checkpoint", "error", err)
		}
	}

	if err := printSummary(context.WithoutCancel(ctx), out, db, j.Root); err != nil {
		logger.Warn("failed to print crawl summary", "error", err)
	}

	if errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("crawl interrupted, continue with 'tbcrawler resume %s': %w", j.Root, runErr)
	}
	return runErr
}

// summaryFile is the Markdown report written into the crawl directory
// whenever a crawl run ends.
const summaryFile = "report.md"

// printSummary writes the plain text report of the visits recorded so far to
// out and the Markdown report next to the visit log.
func printSummary(ctx context.Context, out io.Writer, db *database.VisitDB, root string) error {
	records, err := db.Visits(ctx)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(root, summaryFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // inside the crawl directory
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", summaryFile, err)
	}
	defer f.Close()

	w := report.NewMultiWriter(report.NewSimpleWriter(out), report.NewMarkdownWriter(f))
	_, err = w.Write(report.New(root, records, time.Now()))
	return err
}
