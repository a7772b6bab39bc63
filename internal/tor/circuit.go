package tor

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/nao1215/tornago"
)

// Circuit statuses reported by GETINFO circuit-status and CIRC events.
const (
	CircuitLaunched = "LAUNCHED"
	CircuitBuilt    = tornago.CircuitStatusBuilt
	CircuitExtended = "EXTENDED"
	CircuitFailed   = "FAILED"
	CircuitClosed   = "CLOSED"
)

// Stream statuses reported by STREAM events.
const (
	StreamNew       = "NEW"
	StreamSucceeded = "SUCCEEDED"
	StreamClosed    = "CLOSED"
	StreamFailed    = "FAILED"
)

// Circuit is one entry of GETINFO circuit-status.
type Circuit struct {
	ID     string
	Status string
	// Path holds the relay fingerprints from entry to exit, without '$'.
	Path []string
}

// StreamEvent is a parsed STREAM event.
type StreamEvent struct {
	ID        string
	Status    string
	CircuitID string
	Target    string
}

// circuitStatusKey prefixes the ID when Tor sends a single circuit on the
// GETINFO key line instead of in a data block.
const circuitStatusKey = "circuit-status="

// toCircuits converts the circuit list read by tornago. Path entries are
// long names such as "$AAAA~relay1" and are reduced to fingerprints.
func toCircuits(infos []tornago.CircuitInfo) []Circuit {
	circuits := make([]Circuit, 0, len(infos))
	for _, info := range infos {
		c := Circuit{
			ID:     strings.TrimPrefix(info.ID, circuitStatusKey),
			Status: info.Status,
		}
		for _, hop := range info.Path {
			if fp := fingerprint(hop); fp != "" {
				c.Path = append(c.Path, fp)
			}
		}
		circuits = append(circuits, c)
	}
	return circuits
}

// fingerprint extracts the hex fingerprint from a long name such as
// "$AAAA~nick" or "$AAAA=nick".
func fingerprint(longName string) string {
	s, ok := strings.CutPrefix(longName, "$")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(s, "~="); i >= 0 {
		s = s[:i]
	}
	return strings.ToUpper(s)
}

// parseRelayAddrs returns the addresses of a router status entry, the value
// of GETINFO ns/id/<fp>. The "r" line carries the IPv4 address, "a" lines
// carry additional (usually IPv6) addresses.
func parseRelayAddrs(value string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, line := range strings.Split(value, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "r":
			if len(fields) < 7 {
				return nil, fmt.Errorf("%w: short router line %q", ErrControlProtocol, line)
			}
			addr, err := netip.ParseAddr(fields[6])
			if err != nil {
				return nil, fmt.Errorf("%w: router address %q: %w", ErrControlProtocol, fields[6], err)
			}
			addrs = append(addrs, addr)
		case "a":
			if len(fields) < 2 {
				continue
			}
			ap, err := netip.ParseAddrPort(fields[1])
			if err != nil {
				continue
			}
			addrs = append(addrs, ap.Addr())
		}
	}
	return addrs, nil
}

// parseStreamEvent parses the fields of a STREAM event:
// "<id> <status> <circuit id> <target> [key=value...]".
func parseStreamEvent(fields string) (StreamEvent, error) {
	f := strings.Fields(fields)
	if len(f) < 4 {
		return StreamEvent{}, fmt.Errorf("%w: short STREAM event %q", ErrControlProtocol, fields)
	}
	return StreamEvent{ID: f[0], Status: f[1], CircuitID: f[2], Target: f[3]}, nil
}
