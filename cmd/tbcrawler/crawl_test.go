package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/tbcrawler/internal/checkpoint"
	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/nao1215/tbcrawler/internal/database"
	"github.com/nao1215/tbcrawler/internal/job"
	"github.com/nao1215/tbcrawler/internal/model"
	"github.com/spf13/cobra"
)

const validOnion = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaam2dqd.onion"

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// parsedCrawlCmd returns a crawl command with args parsed but not run.
func parsedCrawlCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := NewCrawlCmd()
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatal(err)
	}
	return cmd
}

// testConfig returns a configuration that crawls two URLs once each with
// two visits and no pauses.
func testConfig(root string) *config.Config {
	cfg := config.NewConfig()
	cfg.URLs = []string{"https://a.example", "http://" + validOnion + "/"}
	cfg.CrawlDir = root
	cfg.Job = config.JobConfig{Batches: 1, Visits: 2}
	cfg.Crawl.SoftVisitTimeout = time.Second
	cfg.Crawl.HardVisitTimeout = 2 * time.Second
	cfg.Crawl.ScreenshotTimeout = time.Second
	cfg.Crawl.SnifferGrace = 0
	cfg.Crawl.PauseBetweenBatches = 0
	cfg.Crawl.PauseBetweenSites = 0
	cfg.Crawl.PauseBetweenVisits = 0
	cfg.Crawl.PauseInSite = 0
	cfg.Crawl.Screenshots = false
	return cfg
}

func testJob(t *testing.T, cfg *config.Config) *job.Job {
	t.Helper()
	j, err := job.New(cfg.URLs, cfg.Job.Batches, cfg.Job.Visits, cfg.CrawlDir)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestNewCrawlCmd(t *testing.T) {
	t.Parallel()

	cmd := NewCrawlCmd()

	tests := []struct {
		name      string
		shorthand string
		def       string
	}{
		{"urls", "u", ""},
		{"config", "c", ""},
		{"output", "o", ""},
		{"batches", "b", "10"},
		{"visits", "n", "4"},
		{"device", "i", config.DefaultSnifferDevice},
		{"variant", "", config.DefaultVariant},
		{"external-tor", "", "false"},
		{"strip", "", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			flag := cmd.Flags().Lookup(tt.name)
			if flag == nil {
				t.Fatalf("expected %s flag", tt.name)
			}
			if flag.Shorthand != tt.shorthand {
				t.Errorf("shorthand = %q, want %q", flag.Shorthand, tt.shorthand)
			}
			if flag.DefValue != tt.def {
				t.Errorf("default = %q, want %q", flag.DefValue, tt.def)
			}
		})
	}
}

func TestBuildConfig(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("flags override the config file", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		cfgPath := writeFile(t, filepath.Join(dir, "crawl.yaml"), `
job:
  batches: 3
  visits: 2
crawl:
  variant: multitab
  pauseInSite: 7s
sniffer:
  device: wlan0
`)
		urls := writeFile(t, filepath.Join(dir, "urls.txt"), "https://a.example\n# comment\n\nhttps://b.example\n")
		out := filepath.Join(dir, "out")

		cmd := parsedCrawlCmd(t, "-c", cfgPath, "-u", urls, "-o", out, "-b", "5", "--external-tor", "--strip=false")
		cfg, err := buildConfig(cmd, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Job.Batches != 5 {
			t.Errorf("batches = %d, want 5 from the flag", cfg.Job.Batches)
		}
		if cfg.Job.Visits != 2 {
			t.Errorf("visits = %d, want 2 from the file", cfg.Job.Visits)
		}
		if cfg.Crawl.Variant != "multitab" {
			t.Errorf("variant = %q, want multitab", cfg.Crawl.Variant)
		}
		if cfg.Crawl.PauseInSite != 7*time.Second {
			t.Errorf("pause in site = %v, want 7s", cfg.Crawl.PauseInSite)
		}
		if cfg.Sniffer.Device != "wlan0" {
			t.Errorf("device = %q, want wlan0", cfg.Sniffer.Device)
		}
		if !cfg.Tor.External || cfg.Crawl.Strip {
			t.Errorf("external = %v, strip = %v, want true, false", cfg.Tor.External, cfg.Crawl.Strip)
		}
		if cfg.Crawl.HardVisitTimeout != config.DefaultHardVisitTimeout {
			t.Errorf("hard timeout = %v, want default", cfg.Crawl.HardVisitTimeout)
		}
		if len(cfg.URLs) != 2 {
			t.Errorf("urls = %v, want 2 entries", cfg.URLs)
		}
		if cfg.CrawlDir != out {
			t.Errorf("crawl dir = %q, want %q", cfg.CrawlDir, out)
		}
		if cfg.ConfigFilePath != cfgPath {
			t.Errorf("config path = %q, want %q", cfg.ConfigFilePath, cfgPath)
		}
	})

	t.Run("default crawl directory", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		cfgPath := writeFile(t, filepath.Join(dir, "empty.yaml"), "")
		urls := writeFile(t, filepath.Join(dir, "urls.txt"), "https://a.example\n")

		cfg, err := buildConfig(parsedCrawlCmd(t, "-c", cfgPath, "-u", urls), now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := config.DefaultCrawlDir(now); cfg.CrawlDir != want {
			t.Errorf("crawl dir = %q, want %q", cfg.CrawlDir, want)
		}
		if cfg.Job != config.NewConfig().Job {
			t.Errorf("job = %+v, want defaults", cfg.Job)
		}
	})

	t.Run("missing explicit config file", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		urls := writeFile(t, filepath.Join(dir, "urls.txt"), "https://a.example\n")

		_, err := buildConfig(parsedCrawlCmd(t, "-c", filepath.Join(dir, "nope.yaml"), "-u", urls), now)
		if !errors.Is(err, config.ErrConfigNotFound) {
			t.Errorf("expected ErrConfigNotFound, got %v", err)
		}
	})

	t.Run("missing URL list", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		cfgPath := writeFile(t, filepath.Join(dir, "empty.yaml"), "")

		_, err := buildConfig(parsedCrawlCmd(t, "-c", cfgPath, "-u", filepath.Join(dir, "nope.txt")), now)
		if err == nil {
			t.Error("expected error for missing URL list")
		}
	})
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		urls    []string
		wantErr bool
	}{
		{"clearnet", []string{"https://example.com"}, false},
		{"v3 onion", []string{"http://" + validOnion + "/index.html"}, false},
		{"onion subdomain", []string{"http://www." + validOnion}, false},
		{"broken onion checksum", []string{"http://" + strings.Repeat("a", 56) + ".onion"}, true},
		{"v2 onion", []string{"http://facebookcorewwwi.onion"}, true},
		{"no urls", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.NewConfig()
			cfg.URLs = tt.urls

			err := validateConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !config.IsConfigError(err) {
				t.Errorf("expected a configuration error, got %v", err)
			}
		})
	}
}

func TestExecuteCrawl(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfg := testConfig(root)
	j := testJob(t, cfg)

	var out bytes.Buffer
	if err := executeCrawl(context.Background(), &out, cfg, j, fakeDeps(), discardLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, checkpoint.FileName)); !os.IsNotExist(err) {
		t.Errorf("expected checkpoint to be removed after a finished crawl, stat error: %v", err)
	}
	for _, dir := range []string{"0_0_0", "0_0_1", "0_1_0", "0_1_1"} {
		if _, err := os.Stat(filepath.Join(root, dir, job.PcapFile)); err != nil {
			t.Errorf("expected capture in %s: %v", dir, err)
		}
	}

	db, err := database.Open(root, database.ReadOnlyOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	records, err := db.Visits(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Outcome != model.OutcomeOK {
			t.Errorf("%s: outcome = %v, want ok (%s)", rec.Dir, rec.Outcome, rec.Error)
		}
		if rec.PacketsRead != 2 || rec.PacketsKept != 1 {
			t.Errorf("%s: read/kept = %d/%d, want 2/1", rec.Dir, rec.PacketsRead, rec.PacketsKept)
		}
		if len(rec.EntryIPs) != 1 || rec.EntryIPs[0] != entryIP {
			t.Errorf("%s: entry IPs = %v, want [%v]", rec.Dir, rec.EntryIPs, entryIP)
		}
	}

	if !strings.Contains(out.String(), "CRAWL REPORT") {
		t.Errorf("expected a summary on the terminal, got %q", out.String())
	}
	md, err := os.ReadFile(filepath.Join(root, summaryFile))
	if err != nil {
		t.Fatalf("expected %s in the crawl directory: %v", summaryFile, err)
	}
	if !strings.Contains(string(md), "https://a.example") {
		t.Error("expected the Markdown report to list the crawled sites")
	}
}

func TestExecuteCrawlInterrupted(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfg := testConfig(root)
	j := testJob(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := executeCrawl(ctx, &bytes.Buffer{}, cfg, j, fakeDeps(), discardLogger())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !strings.Contains(err.Error(), "tbcrawler resume "+root) {
		t.Errorf("expected resume hint, got %q", err.Error())
	}
}

func TestExecuteCrawlUnknownVariant(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfg := testConfig(root)
	cfg.Crawl.Variant = "parallel"

	err := executeCrawl(context.Background(), &bytes.Buffer{}, cfg, testJob(t, cfg), fakeDeps(), discardLogger())
	if !config.IsConfigError(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestRunCrawlCmdRefusesExistingCrawl(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root := filepath.Join(dir, "crawl")
	if err := os.MkdirAll(root, 0750); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, checkpoint.FileName), "{}")
	cfgPath := writeFile(t, filepath.Join(dir, "empty.yaml"), "")
	urls := writeFile(t, filepath.Join(dir, "urls.txt"), "https://a.example\n")

	cmd := NewCrawlCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-c", cfgPath, "-u", urls, "-o", root})

	if err := cmd.Execute(); !errors.Is(err, ErrCrawlExists) {
		t.Errorf("expected ErrCrawlExists, got %v", err)
	}
}
