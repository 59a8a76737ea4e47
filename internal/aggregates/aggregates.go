// Package aggregates derives display-side views (threads, reaction tallies)
// from the locally stored event set.
package aggregates

import (
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/hearsay/internal/storage"
)

// Manager answers read-side queries over stored events.
type Manager struct {
	store *storage.Store
}

// NewManager creates a new aggregates manager
func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store}
}

// ThreadNode is one event in an assembled thread, with its replies.
type ThreadNode struct {
	Event   *nostr.Event
	Replies []*ThreadNode
}

// AssembleThread builds the reply tree rooted at rootID from stored events.
// Events whose parent is not stored hang off the root so nothing is hidden.
func (m *Manager) AssembleThread(rootID string) (*ThreadNode, error) {
	root, err := m.store.ReadEvent(rootID)
	if err != nil {
		return nil, err
	}
	rootNode := &ThreadNode{Event: root}

	// All stored notes referencing anything in this thread.
	candidates, err := m.store.FindEvents([]int{1}, nil, 0, true)
	if err != nil {
		return nil, err
	}

	nodes := map[string]*ThreadNode{rootID: rootNode}
	parents := make(map[string]string)

	for _, ev := range candidates {
		if ev.ID == rootID {
			continue
		}
		info, err := ParseThreadInfo(ev)
		if err != nil || info.IsRoot() {
			continue
		}
		if info.GetRootOrSelf(ev.ID) != rootID {
			continue
		}
		nodes[ev.ID] = &ThreadNode{Event: ev}
		parents[ev.ID] = info.ReplyToID
	}

	for id, node := range nodes {
		if id == rootID {
			continue
		}
		parent, ok := nodes[parents[id]]
		if !ok {
			parent = rootNode
		}
		parent.Replies = append(parent.Replies, node)
	}

	sortThread(rootNode)
	return rootNode, nil
}

func sortThread(node *ThreadNode) {
	sort.Slice(node.Replies, func(i, j int) bool {
		return node.Replies[i].Event.CreatedAt < node.Replies[j].Event.CreatedAt
	})
	for _, reply := range node.Replies {
		sortThread(reply)
	}
}
