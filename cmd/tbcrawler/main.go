// Package main provides the entry point for the tbcrawler CLI.
//
// tbcrawler visits a list of websites through Tor, batch after batch, and
// records the network traffic of every visit for website fingerprinting
// research. Each capture is filtered down to the traffic exchanged with the
// Tor entry relay.
//
// Usage:
//
//	tbcrawler crawl --urls <file>
//	tbcrawler resume <crawl-dir>
//	tbcrawler report <crawl-dir>
//
// See --help for all available options.
package main

func main() {
	Execute()
}
