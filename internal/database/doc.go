// Package database provides the SQLite visit log of a crawl.
//
// Every crawl directory holds one visits.db with a row per visit: where it
// was stored, how it ended, which entry relays the capture was filtered
// against and how many packets survived. The log feeds the report command
// and lets the filter command re-filter captures against the relays that
// were recorded at crawl time.
//
// SQLite is used through modernc.org/sqlite, a CGO-free driver, so the
// crawler stays a single static binary next to dumpcap and Chrome.
package database
