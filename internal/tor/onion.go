package tor

import (
	"encoding/base32"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/nao1215/tbcrawler/internal/config"
)

const (
	// OnionSuffix is the suffix of onion service hostnames.
	OnionSuffix = ".onion"

	// onionV3Version is the version byte of a v3 address.
	onionV3Version = 0x03
)

var (
	onionV3Pattern = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)
	onionV2Pattern = regexp.MustCompile(`^[a-z2-7]{16}\.onion$`)
)

// checksumPrefix is hashed in front of the key when computing the checksum.
var checksumPrefix = []byte(".onion checksum")

// IsValidV3Address reports whether address is a v3 onion hostname with a
// correct version byte and checksum. Case is ignored.
func IsValidV3Address(address string) bool {
	address = strings.ToLower(address)
	if !onionV3Pattern.MatchString(address) {
		return false
	}

	decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(strings.TrimSuffix(address, OnionSuffix)))
	if err != nil || len(decoded) != 35 {
		return false
	}

	// pubkey(32) | checksum(2) | version(1)
	pubkey, checksum, version := decoded[:32], decoded[32:34], decoded[34]
	if version != onionV3Version {
		return false
	}
	want := computeV3Checksum(pubkey, version)
	return checksum[0] == want[0] && checksum[1] == want[1]
}

// computeV3Checksum returns the first two bytes of
// SHA3-256(".onion checksum" | pubkey | version).
func computeV3Checksum(pubkey []byte, version byte) []byte {
	data := make([]byte, 0, len(checksumPrefix)+len(pubkey)+1)
	data = append(data, checksumPrefix...)
	data = append(data, pubkey...)
	data = append(data, version)
	hash := sha3.Sum256(data)
	return hash[:2]
}

// IsV2Address reports whether address has the retired v2 onion format.
func IsV2Address(address string) bool {
	return onionV2Pattern.MatchString(strings.ToLower(address))
}

// V3AddressFromPublicKey builds the v3 onion hostname of a 32 byte ed25519
// public key.
func V3AddressFromPublicKey(pubkey []byte) (string, error) {
	if len(pubkey) != 32 {
		return "", ErrInvalidOnionAddress
	}
	data := make([]byte, 35)
	copy(data[:32], pubkey)
	copy(data[32:34], computeV3Checksum(pubkey, onionV3Version))
	data[34] = onionV3Version
	return strings.ToLower(base32.StdEncoding.EncodeToString(data)) + OnionSuffix, nil
}

// ValidateURLHost checks the host of an onion URL. Clearnet URLs pass
// unchanged. The returned error wraps config.ErrInvalidURL, so a broken
// onion address in the URL list is a configuration error.
func ValidateURLHost(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w %q: %v", config.ErrInvalidURL, raw, err)
	}
	host := strings.ToLower(u.Hostname())
	if !strings.HasSuffix(host, OnionSuffix) {
		return nil
	}

	// Subdomains of an onion service resolve to the service itself.
	labels := strings.Split(strings.TrimSuffix(host, OnionSuffix), ".")
	service := labels[len(labels)-1] + OnionSuffix

	switch {
	case IsValidV3Address(service):
		return nil
	case IsV2Address(service):
		return fmt.Errorf("%w %q: %w", config.ErrInvalidURL, raw, ErrV2AddressDeprecated)
	default:
		return fmt.Errorf("%w %q: %w", config.ErrInvalidURL, raw, ErrInvalidOnionAddress)
	}
}
