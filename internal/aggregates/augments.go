package aggregates

import (
	"github.com/nbd-wtf/go-nostr"
)

const (
	kindTextNote      = 1
	kindEventDeletion = 5
	kindRepost        = 6
	kindReaction      = 7
)

// Augments are the derived counters displayed next to a note.
type Augments struct {
	Reactions map[string]int // reaction content -> count
	Reposts   int
	Replies   int
	Deleted   bool // the author published a deletion for this note
}

// AugmentsFor tallies reactions, reposts, replies and deletions referencing
// eventID from stored events.
func (m *Manager) AugmentsFor(eventID string) (*Augments, error) {
	target, err := m.store.ReadEvent(eventID)
	if err != nil {
		return nil, err
	}

	out := &Augments{Reactions: make(map[string]int)}

	augmenters, err := m.store.FindEvents(
		[]int{kindTextNote, kindEventDeletion, kindRepost, kindReaction}, nil, 0, false)
	if err != nil {
		return nil, err
	}

	for _, ev := range augmenters {
		if !referencesEvent(ev, eventID) {
			continue
		}
		switch ev.Kind {
		case kindReaction:
			out.Reactions[normalizeReaction(ev.Content)]++
		case kindRepost:
			out.Reposts++
		case kindTextNote:
			out.Replies++
		case kindEventDeletion:
			// Only the author can delete their own event.
			if target != nil && ev.PubKey == target.PubKey {
				out.Deleted = true
			}
		}
	}

	return out, nil
}

func referencesEvent(ev *nostr.Event, eventID string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" && tag[1] == eventID {
			return true
		}
	}
	return false
}

// normalizeReaction folds the legacy like forms into "+".
func normalizeReaction(content string) string {
	switch content {
	case "", "+", "👍":
		return "+"
	case "-", "👎":
		return "-"
	}
	return content
}
