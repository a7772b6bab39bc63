package tor

import (
	"errors"
	"strconv"
)

// SOCKS proxy errors, returned when a session's proxy is not usable.
var (
	// ErrProxyNotTor is returned when the proxy answers but does not behave
	// like Tor's SOCKS5 port.
	ErrProxyNotTor = errors.New("proxy is not a Tor SOCKS5 proxy")

	// ErrProxyCannotConnect is returned when no TCP connection to the proxy
	// can be made.
	ErrProxyCannotConnect = errors.New("cannot connect to Tor proxy")

	// ErrProxyTimeout is returned when the proxy does not answer in time.
	ErrProxyTimeout = errors.New("timeout connecting to Tor proxy")

	// ErrInvalidProxyAddress is returned for addresses that are not host:port.
	ErrInvalidProxyAddress = errors.New("invalid proxy address format: expected host:port")

	// ErrProbeFailed is returned when the connectivity probe through a new
	// session fails.
	ErrProbeFailed = errors.New("connectivity probe through Tor failed")
)

// Control port errors.
var (
	// ErrControlClosed is returned for commands on a closed control connection.
	ErrControlClosed = errors.New("control connection closed")

	// ErrControlAuth is returned when none of the offered authentication
	// methods can be used or Tor rejects the credentials.
	ErrControlAuth = errors.New("control port authentication failed")

	// ErrControlProtocol is returned for malformed control port replies.
	ErrControlProtocol = errors.New("control port protocol error")

	// ErrNoEntryRelays is returned when no built circuit has a known first hop.
	ErrNoEntryRelays = errors.New("no entry relays found")

	// ErrCircuitFailed is returned when Tor reports a requested circuit as
	// failed or closed.
	ErrCircuitFailed = errors.New("circuit failed")

	// ErrCircuitTimeout is returned when a requested circuit is not built in time.
	ErrCircuitTimeout = errors.New("circuit build timed out")
)

// Onion address errors.
var (
	// ErrInvalidOnionAddress is returned for .onion hosts that fail the v3
	// format or checksum.
	ErrInvalidOnionAddress = errors.New("invalid onion address")

	// ErrV2AddressDeprecated is returned for v2 onion hosts, which no longer
	// resolve on the Tor network.
	ErrV2AddressDeprecated = errors.New("v2 onion addresses are deprecated and no longer functional")
)

// ReplyError is a non-2xx reply to a control port command.
type ReplyError struct {
	Command string
	Status  int
	Text    string
}

func (e *ReplyError) Error() string {
	return "tor control: " + e.Command + ": " + strconv.Itoa(e.Status) + " " + e.Text
}

// ProxyStatus is the result of checking a SOCKS proxy.
type ProxyStatus int

const (
	// ProxyStatusOK indicates the proxy is a working Tor SOCKS5 proxy.
	ProxyStatusOK ProxyStatus = iota

	// ProxyStatusWrongType indicates the proxy answered, but not like Tor.
	ProxyStatusWrongType

	// ProxyStatusCannotConnect indicates no connection could be made.
	ProxyStatusCannotConnect

	// ProxyStatusTimeout indicates the check timed out.
	ProxyStatusTimeout
)

// String returns a human-readable description of the proxy status.
func (s ProxyStatus) String() string {
	switch s {
	case ProxyStatusOK:
		return "OK"
	case ProxyStatusWrongType:
		return "wrong type (not Tor)"
	case ProxyStatusCannotConnect:
		return "cannot connect"
	case ProxyStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Err returns the error for this status, or nil if OK.
func (s ProxyStatus) Err() error {
	switch s {
	case ProxyStatusOK:
		return nil
	case ProxyStatusWrongType:
		return ErrProxyNotTor
	case ProxyStatusCannotConnect:
		return ErrProxyCannotConnect
	case ProxyStatusTimeout:
		return ErrProxyTimeout
	default:
		return errors.New("unknown proxy status")
	}
}
