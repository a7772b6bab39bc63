package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/nao1215/tbcrawler/internal/crawler"
	"github.com/nao1215/tbcrawler/internal/tor"
)

var (
	entryIP = netip.MustParseAddr("198.51.100.7")
	otherIP = netip.MustParseAddr("203.0.113.9")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBrowser struct{}

func (fakeBrowser) Launch(context.Context, string) (crawler.BrowserSession, error) {
	return fakePage{}, nil
}

type fakePage struct{}

func (fakePage) SetSoftTimeout(time.Duration)               {}
func (fakePage) Navigate(context.Context, string) error     { return nil }
func (fakePage) Screenshot(context.Context, string) error   { return nil }
func (fakePage) Close() error                               { return nil }
func (fakePage) PageSource(context.Context) (string, error) { return "<html>hello</html>", nil }

type fakeNetwork struct{}

func (fakeNetwork) Launch(context.Context) (crawler.NetworkSession, error) {
	return fakeTor{}, nil
}

type fakeTor struct{}

func (fakeTor) SocksAddr() string { return "127.0.0.1:9050" }
func (fakeTor) EntryRelayIPs(context.Context) ([]netip.Addr, error) {
	return []netip.Addr{entryIP}, nil
}
func (fakeTor) SetConf(context.Context, string, string) error         { return nil }
func (fakeTor) Circuits(context.Context) ([]tor.Circuit, error)       { return nil, nil }
func (fakeTor) NewCircuit(context.Context, []string) (string, error)  { return "1", nil }
func (fakeTor) AttachStream(context.Context, string, string) error    { return nil }
func (fakeTor) OnStream(context.Context, func(tor.StreamEvent)) error { return nil }
func (fakeTor) Close() error                                          { return nil }

// fakeSniffer writes one packet to the entry relay and one to another host
// into every capture.
type fakeSniffer struct{}

func (fakeSniffer) Start(_ context.Context, path string) (crawler.Capture, error) {
	if err := writeCapture(path, entryIP, otherIP); err != nil {
		return nil, err
	}
	return fakeCapture{}, nil
}

type fakeCapture struct{}

func (fakeCapture) Stop() error { return nil }

func fakeDeps() crawler.Deps {
	return crawler.Deps{
		Browser: fakeBrowser{},
		Network: fakeNetwork{},
		Sniffer: fakeSniffer{},
	}
}

// writeCapture writes a pcap with one TCP packet per peer.
func writeCapture(path string, peers ...netip.Addr) error {
	f, err := os.Create(path) //nolint:gosec // test file
	if err != nil {
		return err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return err
	}
	for i, peer := range peers {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP{10, 0, 0, 2},
			DstIP:    peer.AsSlice(),
		}
		tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 1, ACK: true, PSH: true, Window: 502}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload("cell")); err != nil {
			return err
		}
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			return err
		}
	}
	return nil
}
