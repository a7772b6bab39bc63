// Package pcapfilter reduces a raw visit capture to the traffic exchanged
// with the entry relay of the Tor circuit.
//
// Filter keeps only TCP packets whose source or destination address is one
// of the given relay addresses. The raw capture is kept next to the result
// as "<capture>.original", so filtering never loses data and can be redone
// with a different address set. With stripping enabled, each kept packet is
// cut at the start of its TCP payload: the payload is encrypted cell data
// and only timing and size matter. The wire length of every record is kept,
// so packet sizes survive stripping.
//
// Refilter applies Filter to every capture of a crawl directory
// concurrently, for re-processing a finished crawl.
//
// Captures may be in pcap or pcapng format. Output is always pcap.
package pcapfilter
