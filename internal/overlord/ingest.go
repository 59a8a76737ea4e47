package overlord

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/hearsay/internal/comms"
	"github.com/sandwichfarm/hearsay/internal/ops"
	"github.com/sandwichfarm/hearsay/internal/relay"
	"github.com/sandwichfarm/hearsay/internal/storage"
)

// Ingester consumes events arriving from minions. It runs on minion
// goroutines, so it only touches the store (safe) and the command inbox;
// anything needing overlord state goes through a command.
type Ingester struct {
	Store     *storage.Store
	Log       *ops.Logger
	Commands  interface{ Send(comms.Command) bool }
	OurPubkey string
}

// Consume verifies, stores, and reacts to one event.
func (in *Ingester) Consume(url relay.URL, ev *nostr.Event) {
	if ok, err := ev.CheckSignature(); !ok || err != nil {
		in.Log.Debug("dropping event with bad signature", "id", ev.ID, "relay", url.String())
		return
	}

	known, err := in.Store.HasEvent(ev.ID)
	if err != nil {
		in.Log.Warn("failed to check event", "id", ev.ID, "error", err)
		return
	}

	// Replaceable kinds only apply when they are the author's newest; a
	// lagging relay replaying an old list must not clobber current state.
	var newestReplaceable int64
	switch ev.Kind {
	case kindRelayList, kindContactList, kindMetadata:
		newestReplaceable, _ = in.Store.LatestEventTime(ev.Kind, ev.PubKey)
	}

	if err := in.Store.SaveEvent(ev); err != nil {
		in.Log.Warn("failed to save event", "id", ev.ID, "error", err)
		return
	}
	if err := in.Store.AddEventSeenOnRelay(ev.ID, url, ev.CreatedAt.Time()); err != nil {
		in.Log.Warn("failed to record event relay", "id", ev.ID, "error", err)
	}

	// Duplicates still update seen-on bookkeeping above, but only fresh
	// events drive state changes.
	if known {
		return
	}
	if newestReplaceable > int64(ev.CreatedAt) {
		in.Log.Debug("ignoring stale replaceable event", "id", ev.ID, "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case kindRelayList:
		in.consumeRelayList(ev)
	case kindContactList:
		if ev.PubKey == in.OurPubkey && in.OurPubkey != "" {
			in.consumeOwnContactList(ev)
		}
	}
}

// Person-relay association strength taken from an advertised relay list.
const relayListScore = 20

// consumeRelayList folds someone's advertised relay list into the scoring
// tables the picker reads.
func (in *Ingester) consumeRelayList(ev *nostr.Event) {
	changed := false

	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url, err := relay.ParseURL(tag[1])
		if err != nil {
			continue
		}
		if _, err := in.Store.WriteRelayIfMissing(url); err != nil {
			in.Log.Warn("failed to record relay", "relay", url.String(), "error", err)
			continue
		}

		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		var readScore, writeScore uint64
		switch marker {
		case "read":
			readScore = relayListScore
		case "write":
			writeScore = relayListScore
		default:
			readScore, writeScore = relayListScore, relayListScore
		}

		if err := in.Store.SetPersonRelayScore(ev.PubKey, url, readScore, writeScore); err != nil {
			in.Log.Warn("failed to score relay", "relay", url.String(), "error", err)
			continue
		}
		changed = true

		// Our own list also sets the usage bits the publisher side reads.
		if ev.PubKey == in.OurPubkey && in.OurPubkey != "" {
			in.adoptOwnRelay(url, marker)
		}
	}

	if changed {
		in.Commands.Send(comms.PickRelays{})
	}
}

func (in *Ingester) adoptOwnRelay(url relay.URL, marker string) {
	rec, err := in.Store.WriteRelayIfMissing(url)
	if err != nil {
		return
	}
	switch marker {
	case "read":
		rec.SetUsage(relay.UsageInbox|relay.UsageRead, true)
	case "write":
		rec.SetUsage(relay.UsageOutbox|relay.UsageWrite, true)
	default:
		rec.SetUsage(relay.UsageInbox|relay.UsageRead|relay.UsageOutbox|relay.UsageWrite, true)
	}
	if err := in.Store.WriteRelay(rec); err != nil {
		in.Log.Warn("failed to update relay usage", "relay", url.String(), "error", err)
	}
}

// consumeOwnContactList syncs the followed set with our published contact
// list.
func (in *Ingester) consumeOwnContactList(ev *nostr.Event) {
	listed := make(map[string]bool)
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" && nostr.IsValidPublicKey(tag[1]) {
			listed[tag[1]] = true
		}
	}

	current, err := in.Store.FollowedPubkeys()
	if err != nil {
		in.Log.Warn("failed to load follows", "error", err)
		return
	}

	changed := false
	for _, pubkey := range current {
		if !listed[pubkey] {
			if err := in.Store.Unfollow(pubkey); err == nil {
				changed = true
			}
		}
		delete(listed, pubkey)
	}
	for pubkey := range listed {
		if err := in.Store.Follow(pubkey); err == nil {
			changed = true
		}
	}

	if changed {
		in.Log.Info("contact list updated", "follows", len(current)+len(listed))
		in.Commands.Send(comms.PickRelays{})
	}
}
