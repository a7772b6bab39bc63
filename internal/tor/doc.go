// Package tor manages the Tor sessions a crawl runs through.
//
// A Controller starts one session per batch. By default each session is an
// embedded daemon started with tornago, so every batch gets a new data
// directory and a new entry guard. With WithExternal the controller attaches
// to a running Tor and requests a fresh identity instead.
//
// Sessions talk to Tor's control port over two connections. tornago's
// ControlClient authenticates, applies torrc options, lists circuits and
// requests NEWNYM. ControlConn, a small client for the line based control
// protocol, receives asynchronous events and carries the commands tornago
// has no call for: EXTENDCIRCUIT, ATTACHSTREAM and multi-line GETINFO
// values. The crawler uses them to learn the entry relays of a visit and to
// steer streams onto custom circuits.
package tor
