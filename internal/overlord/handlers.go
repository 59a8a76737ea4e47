package overlord

import (
	"fmt"

	"github.com/sandwichfarm/hearsay/internal/aggregates"
	"github.com/sandwichfarm/hearsay/internal/comms"
	"github.com/sandwichfarm/hearsay/internal/relay"
)

// handleCommand dispatches one inbox command. It returns true when the loop
// should exit.
func (o *Overlord) handleCommand(cmd comms.Command) bool {
	switch cmd := cmd.(type) {
	case comms.ShutdownCmd:
		return o.beginShutdown()

	case comms.MinionExited:
		o.handleMinionExit(cmd.URL, cmd.Err)
		if o.shuttingDown && o.minions.Size() == 0 {
			return true
		}

	case comms.MinionJobComplete:
		o.finishJob(cmd.URL, cmd.JobID)

	case comms.MinionJobUpdated:
		o.updateJob(cmd.URL, cmd.OldJobID, cmd.NewJobID)

	case comms.PickRelays:
		o.pickRelays()

	case comms.ReengageMinion:
		o.engageMinion(cmd.URL, cmd.Jobs)

	case comms.AddRelay:
		o.addRelay(cmd.URL)

	case comms.DropRelay:
		o.dropRelay(cmd.URL)

	case comms.RankRelay:
		o.rankRelay(cmd.URL, cmd.Rank)

	case comms.HideOrShowRelay:
		o.hideOrShowRelay(cmd.URL, cmd.Hidden)

	case comms.AdvertiseRelayList:
		o.advertiseRelayList()

	case comms.SubscribeConfig:
		o.engageMinion(cmd.URL, []comms.RelayJob{{
			Reason:  comms.ReasonConfig,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.SubscribeOutbox{}},
		}})

	case comms.SubscribeDiscoverCmd:
		o.subscribeDiscover(cmd.Pubkeys, cmd.Relays)

	case comms.FetchEventCmd:
		o.fetchEvent(cmd.ID, cmd.Relays)

	case comms.FetchEventAddrCmd:
		o.fetchEventAddr(cmd.Kind, cmd.Pubkey, cmd.DTag, cmd.Relays)

	case comms.Post:
		o.post(cmd)

	case comms.DeletePost:
		o.deletePost(cmd.ID)

	case comms.Like:
		o.like(cmd.ID, cmd.Pubkey)

	case comms.Repost:
		o.repost(cmd.ID)

	case comms.SetThreadFeed:
		o.setThreadFeed(cmd)

	case comms.SetDmChannel:
		o.setDmChannel(cmd.Channel)

	case comms.RefreshSubscribedMetadata:
		o.refreshSubscribedMetadata()

	case comms.UpdateMetadata:
		o.updateMetadataInBulk([]string{cmd.Pubkey})

	case comms.UpdateMetadataInBulk:
		o.updateMetadataInBulk(cmd.Pubkeys)

	case comms.VisibleNotesChanged:
		o.visibleNotesChanged(cmd.IDs)

	case comms.PushPersonList:
		o.pushPersonList()

	case comms.PushMetadata:
		o.pushMetadata(cmd.Content)

	default:
		o.log.Warn("unhandled command", "command", fmt.Sprintf("%T", cmd))
	}
	return false
}

func (o *Overlord) addRelay(raw string) {
	url, err := relay.ParseURL(raw)
	if err != nil {
		o.status.Write(fmt.Sprintf("invalid relay url %q: %v", raw, err))
		return
	}
	rec, err := o.store.WriteRelayIfMissing(url)
	if err != nil {
		o.log.Warn("failed to add relay", "relay", url.String(), "error", err)
		return
	}
	o.picker.UpdateRelay(rec)
	o.status.Write(fmt.Sprintf("relay %s added", url))
}

func (o *Overlord) dropRelay(url relay.URL) {
	rec, err := o.store.ReadRelay(url)
	if err != nil || rec == nil {
		return
	}
	rec.Usage = 0
	if err := o.store.WriteRelay(rec); err != nil {
		o.log.Warn("failed to drop relay", "relay", url.String(), "error", err)
		return
	}
	o.picker.UpdateRelay(rec)
	o.disconnectRelay(url)
}

func (o *Overlord) rankRelay(url relay.URL, rank int) {
	if rank < 0 {
		rank = 0
	}
	rec, err := o.store.WriteRelayIfMissing(url)
	if err != nil {
		o.log.Warn("failed to rank relay", "relay", url.String(), "error", err)
		return
	}
	rec.Rank = rank
	if err := o.store.WriteRelay(rec); err != nil {
		o.log.Warn("failed to rank relay", "relay", url.String(), "error", err)
		return
	}
	o.picker.UpdateRelay(rec)

	// Rank zero means never use this relay.
	if rank == 0 {
		o.disconnectRelay(url)
	}
}

func (o *Overlord) hideOrShowRelay(url relay.URL, hidden bool) {
	rec, err := o.store.WriteRelayIfMissing(url)
	if err != nil {
		return
	}
	rec.Hidden = hidden
	if err := o.store.WriteRelay(rec); err != nil {
		o.log.Warn("failed to update relay", "relay", url.String(), "error", err)
		return
	}
	o.picker.UpdateRelay(rec)
}

// disconnectRelay tells the minion for url to exit cleanly. A deliberate
// disconnect also forgets the relay's jobs, so the clean exit does not
// schedule them for re-engagement.
func (o *Overlord) disconnectRelay(url relay.URL) {
	st, ok := o.minions.Load(url.String())
	if !ok {
		return
	}
	st.jobs = nil
	o.bus.Send(comms.ToMinion{Target: url.String(), Payload: comms.Payload{Detail: comms.Shutdown{}}})
}

// subscribeMentions engages every read relay with the standing mentions
// subscription.
func (o *Overlord) subscribeMentions() {
	for _, url := range o.relaysWithUsage(relay.UsageRead) {
		o.engageMinion(url, []comms.RelayJob{{
			Reason:  comms.ReasonFetchMentions,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.SubscribeMentions{}},
		}})
	}
}

// subscribeConfig watches our own replaceable events on our write relays.
func (o *Overlord) subscribeConfig() {
	for _, url := range o.relaysWithUsage(relay.UsageWrite) {
		o.engageMinion(url, []comms.RelayJob{{
			Reason:  comms.ReasonConfig,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.SubscribeOutbox{}},
		}})
	}
}

// subscribeDms engages the standing direct-message subscription when a
// channel is active.
func (o *Overlord) subscribeDms() {
	if o.dmChannel == "" {
		return
	}
	o.setDmChannel(o.dmChannel)
}

// subscribeDiscover watches for relay lists of the given people, on the
// given relays or the configured discover relays.
func (o *Overlord) subscribeDiscover(pubkeys []string, relays []relay.URL) {
	if len(pubkeys) == 0 {
		return
	}
	if len(relays) == 0 {
		relays = o.relaysWithUsage(relay.UsageDiscover)
	}
	if len(relays) == 0 {
		o.status.Write("no discover relays configured")
		return
	}

	for _, url := range relays {
		o.engageMinion(url, []comms.RelayJob{{
			Reason:  comms.ReasonDiscovery,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.SubscribeDiscover{Pubkeys: pubkeys}},
		}})
	}
}

func (o *Overlord) fetchEvent(id string, relays []relay.URL) {
	if have, err := o.store.HasEvent(id); err == nil && have {
		return
	}
	if len(relays) == 0 {
		relays = o.relaysWithUsage(relay.UsageRead)
	}
	for _, url := range relays {
		o.engageMinion(url, []comms.RelayJob{{
			Reason:  comms.ReasonFetchEvent,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.FetchEvent{ID: id}},
		}})
	}
}

func (o *Overlord) fetchEventAddr(kind int, pubkey, dtag string, relays []relay.URL) {
	if len(relays) == 0 {
		relays = o.bestRelayURLs(pubkey, relay.DirectionWrite)
	}
	if len(relays) == 0 {
		relays = o.relaysWithUsage(relay.UsageRead)
	}
	for _, url := range relays {
		o.engageMinion(url, []comms.RelayJob{{
			Reason: comms.ReasonFetchEvent,
			Payload: comms.Payload{
				JobID:  comms.NewJobID(),
				Detail: comms.FetchEventAddr{Kind: kind, Pubkey: pubkey, DTag: dtag},
			},
		}})
	}
}

// setThreadFeed replaces the thread subscription fleet-wide and engages the
// relays most likely to carry the thread.
func (o *Overlord) setThreadFeed(cmd comms.SetThreadFeed) {
	if o.threadRoot != "" && o.threadRoot != cmd.Root {
		o.bus.Send(comms.ToMinion{Target: comms.TargetAll, Payload: comms.Payload{Detail: comms.UnsubscribeThreadFeed{}}})
	}
	o.threadRoot = cmd.Root

	ancestors := o.threadAncestors(cmd.ReferencedBy, cmd.Root)

	relays := cmd.Relays
	if len(relays) == 0 {
		if seen, err := o.store.GetEventSeenOnRelay(cmd.ReferencedBy); err == nil {
			for _, s := range seen {
				relays = append(relays, s.URL)
			}
		}
	}
	if len(relays) == 0 && cmd.Author != "" {
		relays = o.bestRelayURLs(cmd.Author, relay.DirectionWrite)
	}
	if len(relays) == 0 {
		relays = o.relaysWithUsage(relay.UsageRead)
	}

	for _, url := range relays {
		o.engageMinion(url, []comms.RelayJob{{
			Reason: comms.ReasonReadThread,
			Payload: comms.Payload{
				JobID:  comms.NewJobID(),
				Detail: comms.SubscribeThreadFeed{Root: cmd.Root, Ancestors: ancestors},
			},
		}})
	}
}

// threadAncestors collects the event ids a stored reply chain references,
// walking reply parents upward from the note the user clicked.
func (o *Overlord) threadAncestors(from, root string) []string {
	seen := map[string]bool{root: true}
	var out []string

	id := from
	for range 32 {
		if id == "" || seen[id] {
			break
		}
		seen[id] = true
		out = append(out, id)

		ev, err := o.store.ReadEvent(id)
		if err != nil || ev == nil {
			break
		}
		info, err := aggregates.ParseThreadInfo(ev)
		if err != nil {
			break
		}
		for _, mention := range info.MentionedIDs {
			if !seen[mention] {
				seen[mention] = true
				out = append(out, mention)
			}
		}
		id = info.ReplyToID
	}
	return out
}

// setDmChannel points the direct-message feed at a counterparty, engaging
// our read relays and the counterparty's write relays.
func (o *Overlord) setDmChannel(channel string) {
	o.dmChannel = channel
	if channel == "" || o.ourPubkey() == "" {
		return
	}

	relays := o.relaysWithUsage(relay.UsageRead)
	relays = append(relays, o.bestRelayURLs(channel, relay.DirectionRead)...)
	for _, url := range dedupeURLs(relays) {
		o.engageMinion(url, []comms.RelayJob{{
			Reason:  comms.ReasonFetchDirectMessages,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.SubscribeDmChannel{Channel: channel}},
		}})
	}
}

// refreshSubscribedMetadata re-fetches metadata for everyone on the feed,
// using each relay's own assignment as its batch.
func (o *Overlord) refreshSubscribedMetadata() {
	o.minions.Range(func(url string, _ *minionState) bool {
		assignment := o.picker.Assignment(relay.URL(url))
		if assignment == nil || len(assignment.Pubkeys) == 0 {
			return true
		}
		pubkeys := append([]string(nil), assignment.Pubkeys...)
		o.engageMinion(relay.URL(url), []comms.RelayJob{{
			Reason:  comms.ReasonFetchMetadata,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.TempSubscribeMetadata{Pubkeys: pubkeys}},
		}})
		return true
	})
}

// updateMetadataInBulk groups people by their best write relay and fetches
// each group in one temporary subscription.
func (o *Overlord) updateMetadataInBulk(pubkeys []string) {
	perPerson := int(o.store.ReadSettingNumRelaysPerPerson())
	if perPerson < 1 {
		perPerson = 1
	}

	groups := make(map[relay.URL][]string)
	var uncovered []string
	for _, pubkey := range pubkeys {
		urls := o.bestRelayURLs(pubkey, relay.DirectionWrite)
		if len(urls) == 0 {
			uncovered = append(uncovered, pubkey)
			continue
		}
		if len(urls) > perPerson {
			urls = urls[:perPerson]
		}
		for _, url := range urls {
			groups[url] = append(groups[url], pubkey)
		}
	}

	// People with no known relays fall back to our read relays.
	if len(uncovered) > 0 {
		for _, url := range o.relaysWithUsage(relay.UsageRead) {
			groups[url] = append(groups[url], uncovered...)
		}
	}

	for url, group := range groups {
		o.engageMinion(url, []comms.RelayJob{{
			Reason:  comms.ReasonFetchMetadata,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.TempSubscribeMetadata{Pubkeys: group}},
		}})
	}
}

// visibleNotesChanged subscribes to reactions and deletions for the notes on
// screen, on the relays those notes were seen on.
func (o *Overlord) visibleNotesChanged(ids []string) {
	if len(ids) == 0 {
		return
	}

	groups := make(map[relay.URL][]string)
	for _, id := range ids {
		seen, err := o.store.GetEventSeenOnRelay(id)
		if err != nil {
			continue
		}
		for _, s := range seen {
			groups[s.URL] = append(groups[s.URL], id)
		}
	}

	for url, group := range groups {
		// Only relays we are already talking to; augments are not worth a
		// fresh connection.
		if _, ok := o.minions.Load(url.String()); !ok {
			continue
		}
		o.engageMinion(url, []comms.RelayJob{{
			Reason:  comms.ReasonFetchAugments,
			Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.SubscribeAugments{IDs: group}},
		}})
	}
}

// relaysWithUsage lists relay URLs carrying all the given usage bits, rank
// permitting.
func (o *Overlord) relaysWithUsage(bits uint32) []relay.URL {
	records, err := o.store.FilterRelays(func(r *relay.Record) bool {
		return r.Rank > 0 && r.HasUsage(bits)
	})
	if err != nil {
		o.log.Warn("failed to list relays", "error", err)
		return nil
	}
	out := make([]relay.URL, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.URL)
	}
	return out
}

// bestRelayURLs is the scored relay list for one person, best first.
func (o *Overlord) bestRelayURLs(pubkey string, dir relay.Direction) []relay.URL {
	scores, err := o.store.BestRelays(pubkey, dir)
	if err != nil {
		o.log.Warn("failed to score relays", "pubkey", pubkey, "error", err)
		return nil
	}
	out := make([]relay.URL, 0, len(scores))
	for _, s := range scores {
		out = append(out, s.URL)
	}
	return out
}

func dedupeURLs(urls []relay.URL) []relay.URL {
	seen := make(map[relay.URL]bool, len(urls))
	out := urls[:0]
	for _, url := range urls {
		if !seen[url] {
			seen[url] = true
			out = append(out, url)
		}
	}
	return out
}
