package comms

import (
	"encoding/binary"

	"github.com/nbd-wtf/go-nostr"
	"lukechampine.com/frand"
)

// JobReason says why the overlord wants a relay connection. Persistent
// reasons survive a minion exit and are re-engaged after the exclusion
// period; ephemeral reasons are dropped.
type JobReason int

const (
	ReasonFollow JobReason = iota
	ReasonFetchMentions
	ReasonConfig
	ReasonAdvertising
	ReasonPostEvent
	ReasonPostLike
	ReasonPostContacts
	ReasonPostMetadata
	ReasonFetchMetadata
	ReasonFetchEvent
	ReasonFetchAugments
	ReasonDiscovery
	ReasonReadThread
	ReasonFetchDirectMessages
)

// Persistent reports whether jobs with this reason should be re-engaged
// after the minion serving them exits.
func (r JobReason) Persistent() bool {
	switch r {
	case ReasonFollow, ReasonFetchMentions, ReasonConfig, ReasonReadThread,
		ReasonFetchDirectMessages:
		return true
	}
	return false
}

func (r JobReason) String() string {
	switch r {
	case ReasonFollow:
		return "follow"
	case ReasonFetchMentions:
		return "fetch_mentions"
	case ReasonConfig:
		return "config"
	case ReasonAdvertising:
		return "advertising"
	case ReasonPostEvent:
		return "post_event"
	case ReasonPostLike:
		return "post_like"
	case ReasonPostContacts:
		return "post_contacts"
	case ReasonPostMetadata:
		return "post_metadata"
	case ReasonFetchMetadata:
		return "fetch_metadata"
	case ReasonFetchEvent:
		return "fetch_event"
	case ReasonFetchAugments:
		return "fetch_augments"
	case ReasonDiscovery:
		return "discovery"
	case ReasonReadThread:
		return "read_thread"
	case ReasonFetchDirectMessages:
		return "fetch_dms"
	}
	return "unknown"
}

// RelayJob is a unit of work assigned to the minion of one relay.
type RelayJob struct {
	Reason  JobReason
	Payload Payload
}

// Payload is what actually travels to a minion. JobID 0 is reserved for
// payloads that do not correspond to a tracked job (shutdown).
type Payload struct {
	JobID  uint64
	Detail Detail
}

// NewJobID returns a random nonzero 64-bit job id.
func NewJobID() uint64 {
	for {
		id := binary.LittleEndian.Uint64(frand.Bytes(8))
		if id != 0 {
			return id
		}
	}
}

// Detail is the tagged variant of a minion payload.
type Detail interface {
	isMinionDetail()
}

// SubscribeGeneralFeed installs or replaces the general feed subscription
// covering the given authors.
type SubscribeGeneralFeed struct {
	Pubkeys []string
}

// SubscribeMentions watches for events tagging our own key.
type SubscribeMentions struct{}

// SubscribeOutbox watches our own config events (contact list, relay list,
// metadata) on a write relay.
type SubscribeOutbox struct{}

// SubscribeDiscover watches for relay lists of the given people.
type SubscribeDiscover struct {
	Pubkeys []string
}

// SubscribeThreadFeed watches a thread rooted at Root, including known
// ancestors.
type SubscribeThreadFeed struct {
	Root      string
	Ancestors []string
}

// SubscribeDmChannel watches one direct-message channel.
type SubscribeDmChannel struct {
	Channel string
}

// SubscribeAugments watches for reactions and deletions referencing the
// given event ids.
type SubscribeAugments struct {
	IDs []string
}

// TempSubscribeMetadata fetches current metadata for the given people with a
// short-lived subscription.
type TempSubscribeMetadata struct {
	Pubkeys []string
}

// FetchEvent requests one event by id.
type FetchEvent struct {
	ID string
}

// FetchEventAddr requests one replaceable event by its naddr-style address.
type FetchEventAddr struct {
	Kind   int
	Pubkey string
	DTag   string
}

// PostEvent sends a signed event to the relay.
type PostEvent struct {
	Event *nostr.Event
}

// Shutdown asks the minion to close its socket and exit cleanly.
type Shutdown struct{}

// UnsubscribeThreadFeed closes the thread feed subscription without
// disconnecting.
type UnsubscribeThreadFeed struct{}

func (SubscribeGeneralFeed) isMinionDetail()  {}
func (SubscribeMentions) isMinionDetail()     {}
func (SubscribeOutbox) isMinionDetail()       {}
func (SubscribeDiscover) isMinionDetail()     {}
func (SubscribeThreadFeed) isMinionDetail()   {}
func (SubscribeDmChannel) isMinionDetail()    {}
func (SubscribeAugments) isMinionDetail()     {}
func (TempSubscribeMetadata) isMinionDetail() {}
func (FetchEvent) isMinionDetail()            {}
func (FetchEventAddr) isMinionDetail()        {}
func (PostEvent) isMinionDetail()             {}
func (Shutdown) isMinionDetail()              {}
func (UnsubscribeThreadFeed) isMinionDetail() {}
