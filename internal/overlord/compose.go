package overlord

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/hearsay/internal/comms"
	"github.com/sandwichfarm/hearsay/internal/entities"
	"github.com/sandwichfarm/hearsay/internal/relay"
)

const (
	kindMetadata      = 0
	kindTextNote      = 1
	kindContactList   = 3
	kindEncryptedDM   = 4
	kindEventDeletion = 5
	kindRepost        = 6
	kindReaction      = 7
	kindRelayList     = 10002
)

const clientName = "hearsay"

// signEvent stamps, optionally tags, and signs an event. Fails when the
// session is read-only.
func (o *Overlord) signEvent(ev *nostr.Event) error {
	if o.signer == nil {
		return fmt.Errorf("no signing key, session is read-only")
	}

	ev.PubKey = o.signer.PubKey()
	ev.CreatedAt = nostr.Timestamp(o.now().Unix())
	if o.store.ReadSettingSetClientTag() {
		ev.Tags = append(ev.Tags, nostr.Tag{"client", clientName})
	}
	if err := o.signer.Sign(ev); err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	return nil
}

// publish saves the event locally and fans it out, one post job per relay.
func (o *Overlord) publish(ev *nostr.Event, reason comms.JobReason, relays []relay.URL) {
	if err := o.store.SaveEvent(ev); err != nil {
		o.log.Warn("failed to save own event", "error", err)
	}

	relays = dedupeURLs(relays)
	if len(relays) == 0 {
		o.status.Write("no relays to publish to")
		return
	}

	for _, url := range relays {
		o.engageMinion(url, []comms.RelayJob{{
			Reason:  reason,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.PostEvent{Event: ev}},
		}})
	}
	o.status.Write(fmt.Sprintf("event %s sent to %d relays", shortID(ev.ID), len(relays)))
}

// writeRelaysPlus is our write relays plus the read relays of the given
// people, so tagged parties actually see the event.
func (o *Overlord) writeRelaysPlus(pubkeys ...string) []relay.URL {
	relays := o.relaysWithUsage(relay.UsageWrite)
	perPerson := int(o.store.ReadSettingNumRelaysPerPerson())
	if perPerson < 1 {
		perPerson = 1
	}
	for _, pubkey := range pubkeys {
		if pubkey == "" {
			continue
		}
		best := o.bestRelayURLs(pubkey, relay.DirectionRead)
		if len(best) > perPerson {
			best = best[:perPerson]
		}
		relays = append(relays, best...)
	}
	return relays
}

func (o *Overlord) post(cmd comms.Post) {
	ev := &nostr.Event{
		Kind:    kindTextNote,
		Content: cmd.Content,
		Tags:    cmd.Tags,
	}

	var tagged []string
	var extra []relay.URL
	if cmd.DmChannel != "" {
		ev.Kind = kindEncryptedDM
		ev.Tags = append(ev.Tags, nostr.Tag{"p", cmd.DmChannel})
		tagged = append(tagged, cmd.DmChannel)
	}
	if cmd.InReplyTo != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"e", cmd.InReplyTo, "", "reply"})
		if parent, err := o.store.ReadEvent(cmd.InReplyTo); err == nil && parent != nil {
			ev.Tags = append(ev.Tags, nostr.Tag{"p", parent.PubKey})
			tagged = append(tagged, parent.PubKey)
		}
		// A reply also goes wherever the parent was seen, so the thread
		// stays whole on those relays.
		extra = append(extra, o.seenOnRelays(cmd.InReplyTo)...)
	}

	// nostr: references in the text become tags; anything not stored yet
	// is fetched in the background, using the reference's own relay hints.
	for _, entStr := range o.resolver.FindEntities(cmd.Content) {
		ent, err := o.resolver.ResolveEntity(entStr)
		if err != nil {
			continue
		}
		switch {
		case ent.Pubkey != "":
			ev.Tags = append(ev.Tags, nostr.Tag{"p", ent.Pubkey})
			tagged = append(tagged, ent.Pubkey)
		case ent.EventID != "":
			ev.Tags = append(ev.Tags, nostr.Tag{"e", ent.EventID, "", "mention"})
		}
		if fetch := ent.FetchCommand(); fetch != nil {
			if f, ok := fetch.(comms.FetchEventCmd); ok {
				f.Relays = entities.FetchRelays(entStr)
				fetch = f
			}
			o.Send(fetch)
		}
	}

	if err := o.signEvent(ev); err != nil {
		o.status.Write(err.Error())
		return
	}
	o.publish(ev, comms.ReasonPostEvent, append(o.writeRelaysPlus(tagged...), extra...))
}

func (o *Overlord) deletePost(id string) {
	own, err := o.store.ReadEvent(id)
	if err == nil && own != nil && own.PubKey != o.ourPubkey() {
		o.status.Write("refusing to delete someone else's event")
		return
	}

	ev := &nostr.Event{
		Kind: kindEventDeletion,
		Tags: nostr.Tags{{"e", id}},
	}
	if err := o.signEvent(ev); err != nil {
		o.status.Write(err.Error())
		return
	}
	// The deletion must also reach the relays that carry the event.
	relays := append(o.relaysWithUsage(relay.UsageWrite), o.seenOnRelays(id)...)
	o.publish(ev, comms.ReasonPostEvent, relays)
}

// seenOnRelays lists the relays an event has been seen on.
func (o *Overlord) seenOnRelays(id string) []relay.URL {
	seen, err := o.store.GetEventSeenOnRelay(id)
	if err != nil {
		return nil
	}
	out := make([]relay.URL, 0, len(seen))
	for _, s := range seen {
		out = append(out, s.URL)
	}
	return out
}

func (o *Overlord) like(id, pubkey string) {
	ev := &nostr.Event{
		Kind:    kindReaction,
		Content: "+",
		Tags:    nostr.Tags{{"e", id}, {"p", pubkey}},
	}
	if err := o.signEvent(ev); err != nil {
		o.status.Write(err.Error())
		return
	}
	o.publish(ev, comms.ReasonPostLike, o.writeRelaysPlus(pubkey))
}

func (o *Overlord) repost(id string) {
	original, err := o.store.ReadEvent(id)
	if err != nil || original == nil {
		o.status.Write("cannot repost an event that is not stored")
		return
	}

	// Reposts embed the original so receivers need not fetch it.
	raw, err := json.Marshal(original)
	if err != nil {
		o.log.Warn("failed to marshal repost content", "error", err)
		return
	}

	ev := &nostr.Event{
		Kind:    kindRepost,
		Content: string(raw),
		Tags:    nostr.Tags{{"e", id}, {"p", original.PubKey}},
	}
	if err := o.signEvent(ev); err != nil {
		o.status.Write(err.Error())
		return
	}
	o.publish(ev, comms.ReasonPostEvent, o.writeRelaysPlus(original.PubKey))
}

func (o *Overlord) pushPersonList() {
	pubkeys, err := o.store.FollowedPubkeys()
	if err != nil {
		o.log.Warn("failed to load follows", "error", err)
		return
	}

	tags := make(nostr.Tags, 0, len(pubkeys))
	for _, pubkey := range pubkeys {
		tags = append(tags, nostr.Tag{"p", pubkey})
	}

	ev := &nostr.Event{Kind: kindContactList, Tags: tags}
	if err := o.signEvent(ev); err != nil {
		o.status.Write(err.Error())
		return
	}
	o.publish(ev, comms.ReasonPostContacts, o.relaysWithUsage(relay.UsageWrite))
}

func (o *Overlord) pushMetadata(content string) {
	ev := &nostr.Event{Kind: kindMetadata, Content: content}
	if err := o.signEvent(ev); err != nil {
		o.status.Write(err.Error())
		return
	}
	o.publish(ev, comms.ReasonPostMetadata, o.relaysWithUsage(relay.UsageWrite))
}

// advertiseRelayList publishes our relay list to every advertise relay.
func (o *Overlord) advertiseRelayList() {
	records, err := o.store.FilterRelays(func(r *relay.Record) bool {
		return r.Rank > 0 && (r.HasUsage(relay.UsageInbox) || r.HasUsage(relay.UsageOutbox))
	})
	if err != nil {
		o.log.Warn("failed to list relays", "error", err)
		return
	}

	tags := make(nostr.Tags, 0, len(records))
	for _, rec := range records {
		switch {
		case rec.HasUsage(relay.UsageInbox) && rec.HasUsage(relay.UsageOutbox):
			tags = append(tags, nostr.Tag{"r", rec.URL.String()})
		case rec.HasUsage(relay.UsageInbox):
			tags = append(tags, nostr.Tag{"r", rec.URL.String(), "read"})
		default:
			tags = append(tags, nostr.Tag{"r", rec.URL.String(), "write"})
		}
	}
	if len(tags) == 0 {
		o.status.Write("no inbox or outbox relays to advertise")
		return
	}

	ev := &nostr.Event{Kind: kindRelayList, Tags: tags}
	if err := o.signEvent(ev); err != nil {
		o.status.Write(err.Error())
		return
	}
	o.publish(ev, comms.ReasonAdvertising, o.relaysWithUsage(relay.UsageAdvertise))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
