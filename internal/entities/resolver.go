// Package entities resolves NIP-19 identifiers (npub, nprofile, note,
// nevent, naddr) against local storage and produces the fetch commands for
// whatever is missing.
package entities

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/sandwichfarm/hearsay/internal/comms"
	"github.com/sandwichfarm/hearsay/internal/relay"
	"github.com/sandwichfarm/hearsay/internal/storage"
)

// Entity is a resolved NIP-19 reference.
type Entity struct {
	Type         string // "npub", "nprofile", "note", "nevent", "naddr"
	DisplayName  string
	Pubkey       string // set for npub/nprofile
	EventID      string // set for note/nevent
	OriginalText string // the nostr: string as it appeared
	Resolved     bool   // whether local storage could answer
}

// Resolver handles NIP-19 entity resolution
type Resolver struct {
	store *storage.Store
}

// NewResolver creates a new entity resolver
func NewResolver(store *storage.Store) *Resolver {
	return &Resolver{store: store}
}

var nostrEntityRegex = regexp.MustCompile(`nostr:(npub1[a-z0-9]+|nprofile1[a-z0-9]+|note1[a-z0-9]+|nevent1[a-z0-9]+|naddr1[a-z0-9]+)`)

// FindEntities finds all NIP-19 entities in text, without the nostr: prefix.
func (r *Resolver) FindEntities(text string) []string {
	matches := nostrEntityRegex.FindAllString(text, -1)
	entities := make([]string, len(matches))
	for i, match := range matches {
		entities[i] = strings.TrimPrefix(match, "nostr:")
	}
	return entities
}

// ResolveEntity resolves a single NIP-19 entity against local storage.
func (r *Resolver) ResolveEntity(nip19Entity string) (*Entity, error) {
	prefix, decoded, err := nip19.Decode(nip19Entity)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}

	entity := &Entity{
		Type:         prefix,
		OriginalText: "nostr:" + nip19Entity,
	}

	switch prefix {
	case "npub":
		entity.Pubkey = decoded.(string)
	case "nprofile":
		entity.Pubkey = decoded.(nostr.ProfilePointer).PublicKey
	case "note":
		entity.EventID = decoded.(string)
	case "nevent":
		entity.EventID = decoded.(nostr.EventPointer).ID
	case "naddr":
		addr := decoded.(nostr.EntityPointer)
		entity.Pubkey = addr.PublicKey
		entity.DisplayName = addr.Identifier
	default:
		return nil, fmt.Errorf("unsupported entity type: %s", prefix)
	}

	switch {
	case entity.Pubkey != "" && entity.Type != "naddr":
		entity.DisplayName, entity.Resolved = r.resolvePubkeyName(entity.Pubkey)
	case entity.EventID != "":
		entity.DisplayName, entity.Resolved = r.resolveNotePreview(entity.EventID)
	}

	return entity, nil
}

// FetchCommand returns the overlord command that would resolve this entity
// from the network, or nil if storage already has it.
func (e *Entity) FetchCommand() comms.Command {
	if e.Resolved {
		return nil
	}
	switch {
	case e.EventID != "":
		return comms.FetchEventCmd{ID: e.EventID}
	case e.Pubkey != "":
		return comms.UpdateMetadata{Pubkey: e.Pubkey}
	}
	return nil
}

// FetchRelays extracts relay hints carried inside the entity itself.
func FetchRelays(nip19Entity string) []relay.URL {
	_, decoded, err := nip19.Decode(nip19Entity)
	if err != nil {
		return nil
	}

	var hints []string
	switch ptr := decoded.(type) {
	case nostr.ProfilePointer:
		hints = ptr.Relays
	case nostr.EventPointer:
		hints = ptr.Relays
	case nostr.EntityPointer:
		hints = ptr.Relays
	}

	var out []relay.URL
	for _, hint := range hints {
		if url, err := relay.ParseURL(hint); err == nil {
			out = append(out, url)
		}
	}
	return out
}

// resolvePubkeyName looks up a display name from stored kind-0 metadata.
func (r *Resolver) resolvePubkeyName(pubkey string) (string, bool) {
	events, err := r.store.FindEvents([]int{0}, []string{pubkey}, 0, false)
	if err != nil || len(events) == 0 {
		return truncatePubkey(pubkey), false
	}

	var metadata struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Nip05       string `json:"nip05"`
	}
	if err := json.Unmarshal([]byte(events[0].Content), &metadata); err != nil {
		return truncatePubkey(pubkey), false
	}

	switch {
	case metadata.DisplayName != "":
		return metadata.DisplayName, true
	case metadata.Name != "":
		return metadata.Name, true
	case metadata.Nip05 != "":
		return metadata.Nip05, true
	}
	return truncatePubkey(pubkey), true
}

// resolveNotePreview returns the first line of a stored note.
func (r *Resolver) resolveNotePreview(eventID string) (string, bool) {
	ev, err := r.store.ReadEvent(eventID)
	if err != nil || ev == nil {
		return fmt.Sprintf("note %s...", truncate(eventID, 8)), false
	}

	lines := strings.Split(ev.Content, "\n")
	if len(lines) > 0 && lines[0] != "" {
		return truncate(lines[0], 40), true
	}
	return fmt.Sprintf("note %s...", truncate(eventID, 8)), true
}

// ReplaceEntities rewrites every resolvable entity in text through formatter
// and returns the entities it found.
func (r *Resolver) ReplaceEntities(text string, formatter func(*Entity) string) (string, []*Entity) {
	resolved := make([]*Entity, 0)

	replaced := nostrEntityRegex.ReplaceAllStringFunc(text, func(match string) string {
		entityStr := strings.TrimPrefix(match, "nostr:")
		entity, err := r.ResolveEntity(entityStr)
		if err != nil {
			return match
		}
		resolved = append(resolved, entity)
		return formatter(entity)
	})

	return replaced, resolved
}

// DedupeEntities removes duplicate entities by OriginalText, preserving order
func DedupeEntities(entities []*Entity) []*Entity {
	seen := make(map[string]struct{})
	unique := make([]*Entity, 0, len(entities))
	for _, e := range entities {
		if _, ok := seen[e.OriginalText]; ok {
			continue
		}
		seen[e.OriginalText] = struct{}{}
		unique = append(unique, e)
	}
	return unique
}

func truncatePubkey(pubkey string) string {
	if len(pubkey) <= 16 {
		return pubkey
	}
	return pubkey[:8] + "..." + pubkey[len(pubkey)-8:]
}

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen-3] + "..."
}
