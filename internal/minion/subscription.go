package minion

import (
	"encoding/hex"

	"github.com/nbd-wtf/go-nostr"
	"lukechampine.com/frand"
)

// Subscription is one open REQ on the relay. The protocol-level id stays
// stable when the filters of an existing handle are replaced, so the relay
// sees a re-REQ under the same id rather than churn.
type Subscription struct {
	ID      string
	Filters nostr.Filters
	EOSE    bool
}

func newSubID() string {
	return hex.EncodeToString(frand.Bytes(16))
}

// ReqEnvelope is the REQ frame (re)establishing this subscription.
func (s *Subscription) ReqEnvelope() *nostr.ReqEnvelope {
	return &nostr.ReqEnvelope{SubscriptionID: s.ID, Filters: s.Filters}
}

// CloseEnvelope is the CLOSE frame ending this subscription.
func (s *Subscription) CloseEnvelope() *nostr.CloseEnvelope {
	env := nostr.CloseEnvelope(s.ID)
	return &env
}

// Subscriptions maps stable handles (general_feed, mentions, ...) to open
// subscriptions, and protocol ids back to handles for inbound frames.
type Subscriptions struct {
	byHandle   map[string]*Subscription
	handleByID map[string]string
}

// NewSubscriptions returns an empty table.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		byHandle:   make(map[string]*Subscription),
		handleByID: make(map[string]string),
	}
}

// Add installs filters under handle, keeping the protocol id when the
// handle already exists. It returns the subscription and whether it
// replaced an existing one.
func (s *Subscriptions) Add(handle string, filters nostr.Filters) (*Subscription, bool) {
	if existing, ok := s.byHandle[handle]; ok {
		existing.Filters = filters
		existing.EOSE = false
		return existing, true
	}

	sub := &Subscription{ID: newSubID(), Filters: filters}
	s.byHandle[handle] = sub
	s.handleByID[sub.ID] = handle
	return sub, false
}

// Get returns the subscription for handle, or nil.
func (s *Subscriptions) Get(handle string) *Subscription {
	return s.byHandle[handle]
}

// Has reports whether handle is open.
func (s *Subscriptions) Has(handle string) bool {
	_, ok := s.byHandle[handle]
	return ok
}

// HandleByID maps a protocol id from an inbound frame back to its handle.
func (s *Subscriptions) HandleByID(id string) (string, bool) {
	handle, ok := s.handleByID[id]
	return handle, ok
}

// ByID returns the subscription with the given protocol id, or nil.
func (s *Subscriptions) ByID(id string) *Subscription {
	handle, ok := s.handleByID[id]
	if !ok {
		return nil
	}
	return s.byHandle[handle]
}

// Remove drops handle from the table.
func (s *Subscriptions) Remove(handle string) {
	if sub, ok := s.byHandle[handle]; ok {
		delete(s.handleByID, sub.ID)
		delete(s.byHandle, handle)
	}
}

// Len reports the number of open subscriptions.
func (s *Subscriptions) Len() int {
	return len(s.byHandle)
}
