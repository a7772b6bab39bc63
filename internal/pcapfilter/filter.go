package pcapfilter

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// OriginalSuffix is appended to a capture path to name the preserved raw capture.
const OriginalSuffix = ".original"

// snaplen of written captures. Records are never longer than their source.
const snaplen = 262144

// pcapng section header block type, stored in the first four bytes.
var ngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// Stats counts the packets seen by one Filter call.
type Stats struct {
	// Read is the number of records in the source capture.
	Read int
	// Kept is the number of records written to the filtered capture.
	Kept int
	// Stripped is the number of kept records whose payload was removed.
	Stripped int
}

// Filter rewrites the capture at path so it only holds TCP packets to or
// from one of ips.
//
// The raw capture is moved to path+OriginalSuffix first, replacing an
// original left there by an earlier attempt. With WithReuseOriginal an
// existing original is used as the source instead and left as is, so
// filtering the same capture twice starts from the same raw data.
func Filter(path string, ips []netip.Addr, opts ...Option) (Stats, error) {
	o := newOptions(opts)

	if len(ips) == 0 {
		return Stats{}, ErrNoAddresses
	}
	set := make(map[netip.Addr]struct{}, len(ips))
	for _, ip := range ips {
		set[ip.Unmap()] = struct{}{}
	}

	original := path + OriginalSuffix
	if err := preserveOriginal(path, original, o.reuseOriginal); err != nil {
		return Stats{}, err
	}

	src, err := os.Open(original) //nolint:gosec // path is derived from the crawl layout
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open capture: %w", err)
	}
	defer src.Close()

	reader, err := newReader(src)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read capture header %s: %w", original, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return Stats{}, fmt.Errorf("failed to create filtered capture: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-op once renamed.
		_ = os.Remove(tmpPath)
	}()

	stats, err := copyMatching(reader, tmp, set, o.strip)
	if err != nil {
		_ = tmp.Close()
		return stats, fmt.Errorf("failed to filter %s: %w", original, err)
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("failed to close filtered capture: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return stats, fmt.Errorf("failed to replace capture: %w", err)
	}
	return stats, nil
}

func preserveOriginal(path, original string, reuse bool) error {
	if reuse {
		_, err := os.Stat(original)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to stat original capture: %w", err)
		}
	}
	if err := os.Rename(path, original); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrCaptureNotFound, path)
		}
		return fmt.Errorf("failed to preserve original capture: %w", err)
	}
	return nil
}

// packetReader is implemented by both pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// newReader picks the pcap or pcapng reader from the file magic.
func newReader(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(ngMagic))
	if err != nil {
		return nil, err
	}
	if bytes.Equal(magic, ngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

func copyMatching(r packetReader, w io.Writer, set map[netip.Addr]struct{}, strip bool) (Stats, error) {
	var stats Stats

	linkType := r.LinkType()
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snaplen, linkType); err != nil {
		return stats, err
	}

	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// A sniffer killed mid-write leaves a truncated last record.
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		stats.Read++

		pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		offset, payload, ok := match(pkt, set)
		if !ok {
			continue
		}

		if strip && offset < len(data) {
			// Also drops link-layer padding of payload-less segments.
			data = data[:offset]
			ci.CaptureLength = offset
			if payload {
				stats.Stripped++
			}
		}
		if err := pw.WritePacket(ci, data); err != nil {
			return stats, err
		}
		stats.Kept++
	}
}

// match reports whether pkt is TCP over IP touching one of set. The returned
// offset is where the TCP payload starts in the packet data, and payload
// tells whether the segment carries any.
func match(pkt gopacket.Packet, set map[netip.Addr]struct{}) (offset int, payload bool, ok bool) {
	var src, dst netip.Addr
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		return 0, false, false
	}

	tcp := pkt.Layer(layers.LayerTypeTCP)
	if tcp == nil {
		return 0, false, false
	}
	_, hitSrc := set[src.Unmap()]
	_, hitDst := set[dst.Unmap()]
	if !hitSrc && !hitDst {
		return 0, false, false
	}

	for _, l := range pkt.Layers() {
		offset += len(l.LayerContents())
		if l.LayerType() == layers.LayerTypeTCP {
			break
		}
	}
	return offset, len(tcp.LayerPayload()) > 0, true
}
