// Package checkpoint persists the progress of a crawl so an interrupted
// crawl can be resumed.
//
// A crawl directory holds at most one checkpoint. Every Save writes a fresh
// snapshot to a temporary file in the same directory, syncs it and renames it
// over the previous checkpoint, so a reader never observes a half-written
// file.
//
// Load never fails hard: a missing, unreadable, corrupt or inconsistent
// checkpoint simply means there is nothing to resume.
package checkpoint
