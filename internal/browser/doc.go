// Package browser drives one browser instance per visit over the Chrome
// DevTools Protocol, using go-rod.
//
// A Driver holds the launch settings: the browser binary, the SOCKS proxy
// of the Tor session all traffic goes through, headless mode and an optional
// profile directory. Every Launch starts a fresh browser. The profile is
// cloned into a temporary directory first, so state written during one visit
// never leaks into the next, and the clone is removed on Close.
//
// A Session has two timeouts. The soft timeout is how long the browser
// waits for a page to load; the caller's context is the hard limit on
// every call.
package browser
