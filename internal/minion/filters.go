package minion

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Some relays reject dates before 1970, and nothing here predates the
// protocol anyway, so subscriptions never look back past 2020-01-01.
const earliestSince = 1577836800

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

// feedSinces computes how far back feed subscriptions look. specialSince
// resumes from the last time this relay gave us anything, minus an overlap
// for clock skew and propagation delay; feedSince additionally refuses to
// look back more than one feed chunk.
func feedSinces(lastSuccessAt *time.Time, overlap, feedChunk int64, now time.Time) (feedSince, specialSince nostr.Timestamp) {
	var special int64
	if lastSuccessAt != nil {
		special = lastSuccessAt.Unix()
	}
	special -= overlap
	if special < earliestSince {
		special = earliestSince
	}

	feed := now.Unix() - feedChunk
	if special > feed {
		feed = special
	}
	if feed < earliestSince {
		feed = earliestSince
	}

	return nostr.Timestamp(feed), nostr.Timestamp(special)
}

// generalFeedFilters covers posts by the assigned pubkeys plus anything
// tagging our own key.
func generalFeedFilters(pubkeys []string, ourPubkey string, feedSince, specialSince nostr.Timestamp) nostr.Filters {
	var filters nostr.Filters

	if len(pubkeys) > 0 {
		filters = append(filters, nostr.Filter{
			Authors: pubkeys,
			Kinds:   []int{kindTextNote, kindReaction, kindEventDeletion},
			Since:   &feedSince,
		})
	}
	if ourPubkey != "" {
		filters = append(filters, mentionsFilter(ourPubkey, specialSince))
	}
	return filters
}

func mentionsFilter(ourPubkey string, since nostr.Timestamp) nostr.Filter {
	return nostr.Filter{
		Tags:  nostr.TagMap{"p": []string{ourPubkey}},
		Since: &since,
	}
}

// outboxFilter watches our own replaceable config events on a write relay.
func outboxFilter(ourPubkey string) nostr.Filter {
	return nostr.Filter{
		Authors: []string{ourPubkey},
		Kinds:   []int{kindMetadata, kindContactList, kindRelayList},
	}
}

// discoverFilter watches for relay lists of the given people.
func discoverFilter(pubkeys []string) nostr.Filter {
	return nostr.Filter{
		Authors: pubkeys,
		Kinds:   []int{kindRelayList},
	}
}

// threadFilters covers a thread root and its known ancestors, plus replies
// and reactions to any of them.
func threadFilters(root string, ancestors []string, feedChunk int64, now time.Time) nostr.Filters {
	ids := append([]string{root}, ancestors...)
	since := nostr.Timestamp(now.Unix() - feedChunk)

	return nostr.Filters{
		{IDs: ids},
		{Tags: nostr.TagMap{"e": ids}, Since: &since},
	}
}

// dmFilters covers both directions of one direct-message channel.
func dmFilters(channel, ourPubkey string) nostr.Filters {
	return nostr.Filters{
		{Kinds: []int{kindEncryptedDM}, Authors: []string{channel}, Tags: nostr.TagMap{"p": []string{ourPubkey}}},
		{Kinds: []int{kindEncryptedDM}, Authors: []string{ourPubkey}, Tags: nostr.TagMap{"p": []string{channel}}},
	}
}

// augmentsFilter watches for reactions and deletions referencing the given
// event ids.
func augmentsFilter(ids []string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{kindReaction, kindEventDeletion, kindRepost},
		Tags:  nostr.TagMap{"e": ids},
	}
}

// metadataFilters fetches current metadata, contacts and relay lists for
// the given people.
func metadataFilters(pubkeys []string) nostr.Filters {
	return nostr.Filters{
		{Authors: pubkeys, Kinds: []int{kindMetadata, kindContactList, kindRelayList}},
	}
}

func fetchEventFilter(id string) nostr.Filter {
	return nostr.Filter{IDs: []string{id}}
}

func fetchEventAddrFilter(kind int, pubkey, dtag string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{kind},
		Authors: []string{pubkey},
		Tags:    nostr.TagMap{"d": []string{dtag}},
	}
}
