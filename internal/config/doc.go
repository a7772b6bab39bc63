// Package config provides configuration structures and utilities for tbcrawler.
// It defines the crawl job shape, per-visit timing, and the settings of the
// external collaborators (Tor, browser and packet sniffer).
package config
