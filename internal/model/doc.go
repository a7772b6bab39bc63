// Package model defines the visit records shared by the crawler, the visit
// log database and the crawl summary report.
//
// The types live in their own package so that crawler, database and report
// can all use them without importing each other.
package model
