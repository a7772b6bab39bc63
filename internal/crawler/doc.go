// Package crawler drives a traffic capture crawl.
//
// # Architecture
//
// An Orchestrator walks a job.Job through three nested loops: batches, sites
// and visits. Every batch runs under a fresh Tor session; every visit gets a
// fresh browser and its own packet capture. The job's cursors are the only
// crawl state and are checkpointed before each visit starts, so an
// interrupted crawl resumes at the visit it was in. A visit that was already
// running when the process died is run again.
//
// A Variant adds per strategy behaviour at fixed points of the loop:
// BeforeBatch, PostVisit and CleanupVisit. Exactly one variant is used for a
// whole crawl.
//
// # Failure handling
//
// Visits fail in isolation. Timeouts and errors from the browser, Tor or the
// sniffer are logged with the visit's URL and cursors, recorded, and the
// crawl moves on. Only configuration errors (config.IsConfigError) end the
// crawl early.
//
// Every visit body runs under a hard wall-clock deadline. Collaborators get
// the deadline through their context; calls that ignore it are abandoned by
// a supervising wait so the orchestrator never blocks past the deadline.
//
// # Collaborators
//
// The orchestrator only sees the interfaces in this package. The command
// line wires them to the browser, tor, sniffer, checkpoint and database
// packages.
package crawler
