package ops

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/hearsay/internal/config"
	"github.com/sandwichfarm/hearsay/internal/relay"
	"github.com/sandwichfarm/hearsay/internal/storage"
)

func testLogger() *Logger {
	return NewLoggerWithWriter(&config.Logging{Level: "error"}, io.Discard)
}

func openRetentionStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPruneOldEventsRespectsWindow(t *testing.T) {
	store := openRetentionStore(t)
	now := time.Unix(1700000000, 0)

	stale := &nostr.Event{ID: "stale", PubKey: "pk1", Kind: 1,
		CreatedAt: nostr.Timestamp(now.AddDate(0, 0, -40).Unix())}
	recent := &nostr.Event{ID: "recent", PubKey: "pk1", Kind: 1,
		CreatedAt: nostr.Timestamp(now.AddDate(0, 0, -10).Unix())}
	mine := &nostr.Event{ID: "mine", PubKey: "me", Kind: 1,
		CreatedAt: nostr.Timestamp(now.AddDate(0, 0, -40).Unix())}

	for _, ev := range []*nostr.Event{stale, recent, mine} {
		if err := store.SaveEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	rm := NewRetentionManager(store, testLogger(), "me")
	rm.now = func() time.Time { return now }

	deleted, err := rm.PruneOldEvents(context.Background())
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	if have, _ := store.HasEvent("stale"); have {
		t.Error("stale event should be gone")
	}
	if have, _ := store.HasEvent("recent"); !have {
		t.Error("recent event should survive")
	}
	if have, _ := store.HasEvent("mine"); !have {
		t.Error("own events are never pruned")
	}
}

func TestPruneDisabledWhenPeriodZero(t *testing.T) {
	store := openRetentionStore(t)
	now := time.Unix(1700000000, 0)

	old := &nostr.Event{ID: "old", PubKey: "pk1", Kind: 1,
		CreatedAt: nostr.Timestamp(now.AddDate(0, -6, 0).Unix())}
	if err := store.SaveEvent(old); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteSetting(storage.SettingPrunePeriodDays, "0"); err != nil {
		t.Fatal(err)
	}

	rm := NewRetentionManager(store, testLogger(), "me")
	rm.now = func() time.Time { return now }

	deleted, err := rm.PruneOldEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("expected pruning disabled, deleted %d", deleted)
	}
	if have, _ := store.HasEvent("old"); !have {
		t.Error("event should survive when pruning is off")
	}
}

func TestPruneCaches(t *testing.T) {
	store := openRetentionStore(t)
	now := time.Unix(1700000000, 0)

	url := relay.MustParseURL("wss://relay.example.com")
	if err := store.AddEventSeenOnRelay("ev1", url, now.AddDate(0, 0, -40)); err != nil {
		t.Fatal(err)
	}
	if err := store.AddEventSeenOnRelay("ev2", url, now.AddDate(0, 0, -5)); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteSetting(storage.SettingCachePrunePeriodDays, strconv.Itoa(30)); err != nil {
		t.Fatal(err)
	}

	rm := NewRetentionManager(store, testLogger(), "me")
	rm.now = func() time.Time { return now }

	deleted, err := rm.PruneCaches(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 stale row removed, got %d", deleted)
	}

	fresh, _ := store.GetEventSeenOnRelay("ev2")
	if len(fresh) != 1 {
		t.Errorf("expected fresh sighting kept, got %d rows", len(fresh))
	}
}
