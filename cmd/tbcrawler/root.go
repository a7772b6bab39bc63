package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for tbcrawler.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tbcrawler",
		Short: "Crawl websites over Tor and capture their traffic",
		Long: `tbcrawler collects website fingerprinting traces.

It visits every URL of a list several times per batch through a real
browser routed over Tor, records the traffic of each visit with dumpcap and
keeps only the packets exchanged with the Tor entry relay. Every batch runs
under a fresh Tor session.

By default, tbcrawler starts an embedded Tor daemon for every batch.
Use --external-tor to attach to a running Tor instead.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(NewCrawlCmd())
	cmd.AddCommand(NewResumeCmd())
	cmd.AddCommand(NewFilterCmd())
	cmd.AddCommand(NewReportCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}
