package entities

import (
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/sandwichfarm/hearsay/internal/comms"
	"github.com/sandwichfarm/hearsay/internal/storage"
)

func openTestResolver(t *testing.T) (*Resolver, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewResolver(store), store
}

func encodeNpub(t *testing.T, pubkey string) string {
	t.Helper()
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		t.Fatalf("failed to encode npub: %v", err)
	}
	return npub
}

func encodeNote(t *testing.T, id string) string {
	t.Helper()
	note, err := nip19.EncodeNote(id)
	if err != nil {
		t.Fatalf("failed to encode note: %v", err)
	}
	return note
}

func freshPubkey(t *testing.T) string {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("failed to derive pubkey: %v", err)
	}
	return pk
}

func TestFindEntities(t *testing.T) {
	r, _ := openTestResolver(t)
	npub := encodeNpub(t, freshPubkey(t))

	text := "hey nostr:" + npub + " have you seen nostr:" + npub + "? plain text stays"
	found := r.FindEntities(text)
	if len(found) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(found))
	}
	if found[0] != npub {
		t.Errorf("expected the bare entity without prefix, got %q", found[0])
	}

	if got := r.FindEntities("no entities here"); len(got) != 0 {
		t.Errorf("expected no matches, got %v", got)
	}
}

func TestResolveNpubFromStoredMetadata(t *testing.T) {
	r, store := openTestResolver(t)
	pubkey := freshPubkey(t)

	entity, err := r.ResolveEntity(encodeNpub(t, pubkey))
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if entity.Type != "npub" || entity.Pubkey != pubkey {
		t.Errorf("unexpected entity: %+v", entity)
	}
	if entity.Resolved {
		t.Error("nothing stored yet, must not report resolved")
	}

	// Store a kind-0 and resolve again.
	if err := store.SaveEvent(&nostr.Event{
		ID:      "meta1",
		PubKey:  pubkey,
		Kind:    0,
		Content: `{"name":"alice","display_name":"Alice"}`,
	}); err != nil {
		t.Fatal(err)
	}

	entity, err = r.ResolveEntity(encodeNpub(t, pubkey))
	if err != nil {
		t.Fatal(err)
	}
	if !entity.Resolved || entity.DisplayName != "Alice" {
		t.Errorf("expected display_name to win, got %+v", entity)
	}
}

func TestResolveNotePreview(t *testing.T) {
	r, store := openTestResolver(t)
	id := "5c83da77af1dec6d7289834998ad7aafbd9e2191396d75ec3cc27f5a77226f36"

	entity, err := r.ResolveEntity(encodeNote(t, id))
	if err != nil {
		t.Fatal(err)
	}
	if entity.Type != "note" || entity.EventID != id || entity.Resolved {
		t.Errorf("unexpected entity before storage: %+v", entity)
	}

	if err := store.SaveEvent(&nostr.Event{
		ID: id, PubKey: "pk1", Kind: 1,
		Content: "first line of the note\nsecond line",
	}); err != nil {
		t.Fatal(err)
	}

	entity, err = r.ResolveEntity(encodeNote(t, id))
	if err != nil {
		t.Fatal(err)
	}
	if !entity.Resolved || entity.DisplayName != "first line of the note" {
		t.Errorf("expected the first line as preview, got %+v", entity)
	}
}

func TestResolveRejectsGarbage(t *testing.T) {
	r, _ := openTestResolver(t)
	if _, err := r.ResolveEntity("npub1garbage"); err == nil {
		t.Error("expected a decode error")
	}
}

func TestFetchCommand(t *testing.T) {
	unresolvedNote := &Entity{Type: "note", EventID: "ev1"}
	cmd := unresolvedNote.FetchCommand()
	if fetch, ok := cmd.(comms.FetchEventCmd); !ok || fetch.ID != "ev1" {
		t.Errorf("expected FetchEventCmd, got %#v", cmd)
	}

	unresolvedNpub := &Entity{Type: "npub", Pubkey: "pk1"}
	cmd = unresolvedNpub.FetchCommand()
	if meta, ok := cmd.(comms.UpdateMetadata); !ok || meta.Pubkey != "pk1" {
		t.Errorf("expected UpdateMetadata, got %#v", cmd)
	}

	resolved := &Entity{Type: "note", EventID: "ev1", Resolved: true}
	if resolved.FetchCommand() != nil {
		t.Error("resolved entities need no fetch")
	}
}

func TestFetchRelays(t *testing.T) {
	pubkey := freshPubkey(t)
	nprofile, err := nip19.EncodeProfile(pubkey, []string{"wss://relay.example.com", "not a url at all ::"})
	if err != nil {
		t.Fatal(err)
	}

	hints := FetchRelays(nprofile)
	if len(hints) != 1 || hints[0].String() != "wss://relay.example.com" {
		t.Errorf("expected one valid relay hint, got %v", hints)
	}
}

func TestReplaceEntities(t *testing.T) {
	r, _ := openTestResolver(t)
	npub := encodeNpub(t, freshPubkey(t))

	text := "hello nostr:" + npub + "!"
	replaced, found := r.ReplaceEntities(text, func(e *Entity) string {
		return "@" + e.DisplayName
	})

	if len(found) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(found))
	}
	if replaced == text {
		t.Error("expected the entity replaced")
	}
	if want := "@" + found[0].DisplayName; replaced != "hello "+want+"!" {
		t.Errorf("unexpected replacement: %q", replaced)
	}
}

func TestDedupeEntities(t *testing.T) {
	a := &Entity{OriginalText: "nostr:a"}
	b := &Entity{OriginalText: "nostr:b"}

	got := DedupeEntities([]*Entity{a, b, a, b, a})
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("unexpected dedupe result: %v", got)
	}
}
