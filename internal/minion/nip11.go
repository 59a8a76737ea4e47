package minion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sandwichfarm/hearsay/internal/relay"
)

// InfoDocument is the relay information document (NIP-11), fetched over
// HTTPS from the relay's host. Failure to fetch it is never fatal; it only
// informs compatibility decisions.
type InfoDocument struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	PubKey        string `json:"pubkey"`
	Contact       string `json:"contact"`
	SupportedNIPs []int  `json:"supported_nips"`
	Software      string `json:"software"`
	Version       string `json:"version"`
	Limitation    struct {
		MaxMessageLength int  `json:"max_message_length"`
		AuthRequired     bool `json:"auth_required"`
		PaymentRequired  bool `json:"payment_required"`
	} `json:"limitation"`
}

// SupportsNIP reports whether the relay advertises support for nip.
func (d *InfoDocument) SupportsNIP(nip int) bool {
	for _, n := range d.SupportedNIPs {
		if n == nip {
			return true
		}
	}
	return false
}

const infoDocTimeout = 15 * time.Second

// fetchInfoDocument requests the NIP-11 document from the relay's host.
func fetchInfoDocument(ctx context.Context, url relay.URL) (*InfoDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, infoDocTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.HTTPBase(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relay info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay info request failed: status %d", resp.StatusCode)
	}

	var doc InfoDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse relay info: %w", err)
	}
	return &doc, nil
}
