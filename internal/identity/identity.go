// Package identity holds the user's signing key.
package identity

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// KeySigner signs events with an in-memory secret key.
type KeySigner struct {
	sk string
	pk string
}

// NewKeySigner accepts a secret key in hex or nsec form.
func NewKeySigner(secretKey string) (*KeySigner, error) {
	sk := strings.TrimSpace(secretKey)

	if strings.HasPrefix(sk, "nsec1") {
		prefix, decoded, err := nip19.Decode(sk)
		if err != nil {
			return nil, fmt.Errorf("failed to decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return nil, fmt.Errorf("expected an nsec key, got %s", prefix)
		}
		sk = decoded.(string)
	}

	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &KeySigner{sk: sk, pk: pk}, nil
}

// PubKey returns the hex public key.
func (s *KeySigner) PubKey() string {
	return s.pk
}

// Sign computes the event id and signature in place.
func (s *KeySigner) Sign(ev *nostr.Event) error {
	return ev.Sign(s.sk)
}
