package overlord

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/hearsay/internal/comms"
	"github.com/sandwichfarm/hearsay/internal/config"
	"github.com/sandwichfarm/hearsay/internal/ops"
	"github.com/sandwichfarm/hearsay/internal/relay"
	"github.com/sandwichfarm/hearsay/internal/storage"
)

type commandRecorder struct {
	sent []comms.Command
}

func (c *commandRecorder) Send(cmd comms.Command) bool {
	c.sent = append(c.sent, cmd)
	return true
}

func (c *commandRecorder) pickCount() int {
	n := 0
	for _, cmd := range c.sent {
		if _, ok := cmd.(comms.PickRelays); ok {
			n++
		}
	}
	return n
}

func newTestIngester(t *testing.T, ourPubkey string) (*Ingester, *storage.Store, *commandRecorder) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rec := &commandRecorder{}
	in := &Ingester{
		Store:     store,
		Log:       ops.NewLoggerWithWriter(&config.Logging{Level: "error"}, io.Discard),
		Commands:  rec,
		OurPubkey: ourPubkey,
	}
	return in, store, rec
}

func signedEvent(t *testing.T, sk string, kind int, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	return signedEventAt(t, sk, kind, content, tags, 1700000000)
}

func signedEventAt(t *testing.T, sk string, kind int, content string, tags nostr.Tags, at nostr.Timestamp) *nostr.Event {
	t.Helper()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatal(err)
	}
	ev := &nostr.Event{
		PubKey:    pk,
		Kind:      kind,
		CreatedAt: at,
		Content:   content,
		Tags:      tags,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return ev
}

func TestConsumeStoresAndTracksRelay(t *testing.T) {
	in, store, _ := newTestIngester(t, "")
	sk := nostr.GeneratePrivateKey()
	ev := signedEvent(t, sk, 1, "hello", nil)

	in.Consume(testRelay, ev)

	if have, _ := store.HasEvent(ev.ID); !have {
		t.Error("expected event stored")
	}
	seen, _ := store.GetEventSeenOnRelay(ev.ID)
	if len(seen) != 1 || seen[0].URL != testRelay {
		t.Errorf("expected seen-on row, got %v", seen)
	}
}

func TestConsumeDropsBadSignature(t *testing.T) {
	in, store, _ := newTestIngester(t, "")
	sk := nostr.GeneratePrivateKey()
	ev := signedEvent(t, sk, 1, "hello", nil)
	ev.Content = "tampered"

	in.Consume(testRelay, ev)

	if have, _ := store.HasEvent(ev.ID); have {
		t.Error("tampered event must not be stored")
	}
}

func TestConsumeRelayListScoresRelays(t *testing.T) {
	in, store, rec := newTestIngester(t, "")
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	ev := signedEvent(t, sk, kindRelayList, "", nostr.Tags{
		{"r", "wss://write.example.com", "write"},
		{"r", "wss://read.example.com", "read"},
		{"r", "wss://both.example.com"},
		{"r", "not a relay ::"},
	})
	in.Consume(testRelay, ev)

	writes, err := store.BestRelays(pk, relay.DirectionWrite)
	if err != nil {
		t.Fatal(err)
	}
	wrote := make(map[string]bool)
	for _, s := range writes {
		wrote[s.URL.String()] = true
	}
	if !wrote["wss://write.example.com"] || !wrote["wss://both.example.com"] {
		t.Errorf("unexpected write relays: %v", writes)
	}
	if wrote["wss://read.example.com"] {
		t.Error("read-marked relay must not score for writes")
	}

	reads, _ := store.BestRelays(pk, relay.DirectionRead)
	if len(reads) != 2 {
		t.Errorf("expected 2 read relays, got %v", reads)
	}

	if rec.pickCount() != 1 {
		t.Errorf("expected one pick requested, got %d", rec.pickCount())
	}

	// A duplicate delivery changes nothing.
	in.Consume(testRelay, ev)
	if rec.pickCount() != 1 {
		t.Error("duplicate relay lists must not trigger another pick")
	}
}

func TestConsumeOwnRelayListAdoptsUsage(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	in, store, _ := newTestIngester(t, pk)

	ev := signedEvent(t, sk, kindRelayList, "", nostr.Tags{
		{"r", "wss://write.example.com", "write"},
		{"r", "wss://read.example.com", "read"},
	})
	in.Consume(testRelay, ev)

	w, _ := store.ReadRelay(relay.MustParseURL("wss://write.example.com"))
	if w == nil || !w.HasUsage(relay.UsageOutbox|relay.UsageWrite) {
		t.Error("expected write usage adopted from own relay list")
	}
	r, _ := store.ReadRelay(relay.MustParseURL("wss://read.example.com"))
	if r == nil || !r.HasUsage(relay.UsageInbox|relay.UsageRead) {
		t.Error("expected read usage adopted from own relay list")
	}
}

func TestConsumeOwnContactListSyncsFollows(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	in, store, rec := newTestIngester(t, pk)

	keep, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	add, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	store.Follow(keep)
	store.Follow("dropme000000000000000000000000000000000000000000000000000000dead")

	ev := signedEvent(t, sk, kindContactList, "", nostr.Tags{
		{"p", keep},
		{"p", add},
		{"p", "not-a-pubkey"},
	})
	in.Consume(testRelay, ev)

	follows, _ := store.FollowedPubkeys()
	followed := make(map[string]bool)
	for _, f := range follows {
		followed[f] = true
	}
	if !followed[keep] || !followed[add] {
		t.Errorf("expected %s and %s followed, got %v", keep[:8], add[:8], follows)
	}
	if len(follows) != 2 {
		t.Errorf("expected unlisted pubkey unfollowed, got %v", follows)
	}
	if rec.pickCount() != 1 {
		t.Errorf("expected a pick after follow changes, got %d", rec.pickCount())
	}
}

func TestConsumeStaleReplaceableIgnored(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	in, store, _ := newTestIngester(t, pk)

	keep, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	dropped, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())

	fresh := signedEventAt(t, sk, kindContactList, "", nostr.Tags{{"p", keep}}, 1700000000)
	in.Consume(testRelay, fresh)

	// A lagging relay replays an older contact list; current follows stay.
	stale := signedEventAt(t, sk, kindContactList, "", nostr.Tags{{"p", dropped}}, 1600000000)
	in.Consume(testRelay, stale)

	follows, _ := store.FollowedPubkeys()
	if len(follows) != 1 || follows[0] != keep {
		t.Errorf("stale contact list must not rewrite follows, got %v", follows)
	}

	// Same rule for relay lists.
	freshList := signedEventAt(t, sk, kindRelayList, "",
		nostr.Tags{{"r", "wss://new.example.com", "write"}}, 1700000000)
	in.Consume(testRelay, freshList)
	staleList := signedEventAt(t, sk, kindRelayList, "",
		nostr.Tags{{"r", "wss://old.example.com", "write"}}, 1600000000)
	in.Consume(testRelay, staleList)

	writes, _ := store.BestRelays(pk, relay.DirectionWrite)
	for _, s := range writes {
		if s.URL.String() == "wss://old.example.com" {
			t.Error("stale relay list must not score relays")
		}
	}
}

func TestConsumeIgnoresOthersContactLists(t *testing.T) {
	in, store, _ := newTestIngester(t, "someoneelse")
	sk := nostr.GeneratePrivateKey()

	other, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	ev := signedEvent(t, sk, kindContactList, "", nostr.Tags{{"p", other}})
	in.Consume(testRelay, ev)

	follows, _ := store.FollowedPubkeys()
	if len(follows) != 0 {
		t.Errorf("a stranger's contact list must not change follows, got %v", follows)
	}
}
