package relay

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// URL is a canonical websocket relay URL. Two URLs refer to the same relay
// iff they compare equal as strings.
type URL string

// ParseURL canonicalizes a relay URL. It lowercases the scheme and host,
// strips default ports and trailing slashes, and rejects anything that is
// not a ws:// or wss:// endpoint.
func ParseURL(raw string) (URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty relay url")
	}

	normalized := nostr.NormalizeURL(raw)
	// NormalizeURL lowercases the host but leaves the scheme as written;
	// map keys need the whole prefix canonical.
	if i := strings.Index(normalized, "://"); i >= 0 {
		normalized = strings.ToLower(normalized[:i]) + normalized[i:]
	}
	if !nostr.IsValidRelayURL(normalized) {
		return "", fmt.Errorf("invalid relay url: %s", raw)
	}

	return URL(normalized), nil
}

// MustParseURL is for tests and compiled-in constants.
func MustParseURL(raw string) URL {
	u, err := ParseURL(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func (u URL) String() string {
	return string(u)
}

// HTTPBase converts the websocket URL to its https/http equivalent, used for
// fetching the relay information document from the same host.
func (u URL) HTTPBase() string {
	s := string(u)
	if strings.HasPrefix(s, "wss://") {
		return "https://" + strings.TrimPrefix(s, "wss://")
	}
	return "http://" + strings.TrimPrefix(s, "ws://")
}

// Host returns the authority portion of the URL.
func (u URL) Host() string {
	s := string(u)
	s = strings.TrimPrefix(s, "wss://")
	s = strings.TrimPrefix(s, "ws://")
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
