package comms

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/hearsay/internal/relay"
)

// Command is a message to the overlord. Commands are fire-and-forget:
// results surface through shared state and the status queue.
type Command interface {
	isCommand()
}

// AddRelay adds a relay by raw URL, creating its record if missing.
type AddRelay struct {
	URL string
}

// DropRelay removes all usage bits from a relay and disconnects it.
type DropRelay struct {
	URL relay.URL
}

// RankRelay sets the user rank (0 disables the relay entirely).
type RankRelay struct {
	URL  relay.URL
	Rank int
}

// HideOrShowRelay toggles the hidden flag; hiding does not disable use.
type HideOrShowRelay struct {
	URL    relay.URL
	Hidden bool
}

// AdvertiseRelayList publishes our relay list to every advertise relay.
type AdvertiseRelayList struct{}

// PickRelays re-runs the picker until coverage is complete.
type PickRelays struct{}

// ReengageMinion restarts a relay's persistent jobs after an exclusion.
type ReengageMinion struct {
	URL  relay.URL
	Jobs []RelayJob
}

// SubscribeConfig engages a persistent outbox subscription on one relay.
type SubscribeConfig struct {
	URL relay.URL
}

// SubscribeDiscoverCmd subscribes to relay lists of the given people on the
// given relays, or the configured discover relays when none are given.
type SubscribeDiscoverCmd struct {
	Pubkeys []string
	Relays  []relay.URL
}

// FetchEventCmd requests an event by id from specific relays.
type FetchEventCmd struct {
	ID     string
	Relays []relay.URL
}

// FetchEventAddrCmd requests a replaceable event by address.
type FetchEventAddrCmd struct {
	Kind   int
	Pubkey string
	DTag   string
	Relays []relay.URL
}

// Post composes, signs and fans out a text note.
type Post struct {
	Content   string
	Tags      nostr.Tags
	InReplyTo string // event id being replied to, empty for a root post
	DmChannel string // pubkey of the DM counterparty, empty for a public note
}

// DeletePost publishes a deletion event for one of our posts.
type DeletePost struct {
	ID string
}

// Like publishes a reaction to an event.
type Like struct {
	ID     string
	Pubkey string
}

// Repost republishes an event.
type Repost struct {
	ID string
}

// SetThreadFeed points the thread feed at a new root.
type SetThreadFeed struct {
	Root         string
	ReferencedBy string
	Relays       []relay.URL
	Author       string
}

// SetDmChannel points the direct-message feed at a new counterparty.
type SetDmChannel struct {
	Channel string
}

// RefreshSubscribedMetadata re-fetches metadata for people we display.
type RefreshSubscribedMetadata struct{}

// UpdateMetadata fetches current metadata for one person.
type UpdateMetadata struct {
	Pubkey string
}

// UpdateMetadataInBulk fetches current metadata for many people.
type UpdateMetadataInBulk struct {
	Pubkeys []string
}

// VisibleNotesChanged tells the overlord which notes are on screen so it can
// fetch their reactions and deletions.
type VisibleNotesChanged struct {
	IDs []string
}

// PushPersonList signs and publishes our contact list.
type PushPersonList struct{}

// PushMetadata signs and publishes our profile metadata.
type PushMetadata struct {
	Content string // JSON metadata content
}

// MinionJobComplete reports that the job with the given id finished.
type MinionJobComplete struct {
	URL   relay.URL
	JobID uint64
}

// MinionJobUpdated reports that a persistent job was re-issued under a new
// id; the row with OldJobID takes NewJobID, and any pre-existing row with
// NewJobID is dropped.
type MinionJobUpdated struct {
	URL      relay.URL
	OldJobID uint64
	NewJobID uint64
}

// MinionExited reports that a minion task finished. Err is nil on a clean
// exit; otherwise it carries the typed exit error for backoff decisions.
type MinionExited struct {
	URL relay.URL
	Err error
}

// ShutdownCmd begins graceful shutdown of the whole fleet.
type ShutdownCmd struct{}

func (AddRelay) isCommand()                  {}
func (DropRelay) isCommand()                 {}
func (RankRelay) isCommand()                 {}
func (HideOrShowRelay) isCommand()           {}
func (AdvertiseRelayList) isCommand()        {}
func (PickRelays) isCommand()                {}
func (ReengageMinion) isCommand()            {}
func (SubscribeConfig) isCommand()           {}
func (SubscribeDiscoverCmd) isCommand()      {}
func (FetchEventCmd) isCommand()             {}
func (FetchEventAddrCmd) isCommand()         {}
func (Post) isCommand()                      {}
func (DeletePost) isCommand()                {}
func (Like) isCommand()                      {}
func (Repost) isCommand()                    {}
func (SetThreadFeed) isCommand()             {}
func (SetDmChannel) isCommand()              {}
func (RefreshSubscribedMetadata) isCommand() {}
func (UpdateMetadata) isCommand()            {}
func (UpdateMetadataInBulk) isCommand()      {}
func (VisibleNotesChanged) isCommand()       {}
func (PushPersonList) isCommand()            {}
func (PushMetadata) isCommand()              {}
func (MinionJobComplete) isCommand()         {}
func (MinionJobUpdated) isCommand()          {}
func (MinionExited) isCommand()              {}
func (ShutdownCmd) isCommand()               {}
