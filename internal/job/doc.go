// Package job holds the state of a crawl: the batch, site and visit cursors,
// the per-visit captcha slots, and the derivation of every visit's on-disk
// location.
//
// A Job is the single source of truth for "where are we" and "where does
// this visit's data live". It is owned by the crawler and mutated only by
// the crawler's loop advancement and by captcha detection.
//
// Directory layout of a visit:
//
//	<root>/<batch>_<site>_<instance>/
//	    capture.pcap
//	    screenshot.png
//	    source.html
//	    extension.log
//
// A visit on which a captcha was detected lives in a directory with the
// "captcha_" prefix instead. The prefix can only be added, never removed.
package job
